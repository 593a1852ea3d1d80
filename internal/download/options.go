package download

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/keystore"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/merge"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
	"github.com/Last-Order/Minyami-sub000/internal/site"
	"github.com/Last-Order/Minyami-sub000/internal/validate"
)

// Options describe one download. Zero values fall back to the defaults noted.
type Options struct {
	// URL is a playlist URL or a local playlist path.
	URL string
	// BaseURL resolves relative URIs of a local playlist.
	BaseURL string
	Output  string
	// TempDir is the root under which each task gets its own directory.
	TempDir string

	Threads int // default 5
	// Retries > 0 drops a segment after Retries+1 failed attempts.
	Retries int
	Timeout time.Duration // default 60s
	Format  string        // ts, mkv or mp4

	// Key and IV override the playlist's key material, hex encoded.
	Key string
	IV  string

	Headers http.Header
	Proxy   string

	RateLimit float64
	RateBurst int

	// Slice limits an archive download to a time range.
	Slice *Range

	NoMerge bool
	Keep    bool

	DecryptBackend string
	OpenSSLPath    string
	FFmpegPath     string

	// PingURL is requested before every segment group when set.
	PingURL   string
	GroupSize int

	LiveMaxFetchFailures int
	LiveMaxInterval      time.Duration
}

func (o *Options) applyDefaults() {
	if o.Threads <= 0 {
		o.Threads = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Format == "" {
		o.Format = merge.FormatTS
	}
	o.Format = strings.ToLower(o.Format)
	if o.TempDir == "" {
		o.TempDir = filepath.Join(os.TempDir(), "minyami")
	}
	if o.Output == "" {
		o.Output = defaultOutputName(o.URL, o.Format)
	}
	if filepath.Ext(o.Output) == "" {
		o.Output += "." + o.Format
	}
	o.Key = strings.TrimPrefix(strings.ToLower(o.Key), "0x")
}

func defaultOutputName(rawURL, format string) string {
	base := filepath.Base(checkpoint.TaskID(rawURL))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "output"
	}
	return base + "." + format
}

// Option injects collaborators. Anything not injected is built from Options.
type Option func(*deps)

type deps struct {
	events    chan<- Event
	store     checkpoint.Store
	keyCache  cache.Cache
	keyTTL    time.Duration
	registry  *site.Registry
	client    *http.Client
	decrypter decrypt.Decrypter
	merger    merge.Merger
	backoff   func(int) time.Duration
	logger    *zerolog.Logger
}

// WithEvents publishes progress on ch. Sends never block.
func WithEvents(ch chan<- Event) Option {
	return func(d *deps) { d.events = ch }
}

// WithStore persists archive progress in s. Without a store an interrupted
// archive cannot be resumed.
func WithStore(s checkpoint.Store) Option {
	return func(d *deps) { d.store = s }
}

// WithKeyCache mirrors resolved keys into c.
func WithKeyCache(c cache.Cache, ttl time.Duration) Option {
	return func(d *deps) {
		d.keyCache = c
		d.keyTTL = ttl
	}
}

func WithRegistry(r *site.Registry) Option {
	return func(d *deps) { d.registry = r }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *deps) { d.client = c }
}

func WithDecrypter(dec decrypt.Decrypter) Option {
	return func(d *deps) { d.decrypter = dec }
}

func WithMerger(m merge.Merger) Option {
	return func(d *deps) { d.merger = m }
}

// WithFetchBackoff overrides the delay between playlist and key fetch attempts.
func WithFetchBackoff(fn func(attempt int) time.Duration) Option {
	return func(d *deps) { d.backoff = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *deps) { d.logger = &l }
}

var httpSchemes = []string{"http", "https"}

func (o Options) validate() error {
	v := validate.New()
	if isRemote(o.URL) {
		v.URL("url", o.URL, httpSchemes)
	}
	if o.BaseURL != "" {
		v.URL("baseURL", o.BaseURL, httpSchemes)
	}
	if o.PingURL != "" {
		v.URL("pingURL", o.PingURL, httpSchemes)
	}
	v.HexBytes("key", o.Key, 16)
	v.HexBytes("iv", o.IV, 16)
	return v.Err()
}

// runtime is the assembled set of collaborators shared by both drivers.
type runtime struct {
	opts      Options
	fetcher   *httpx.Fetcher
	keys      *keystore.Store
	registry  *site.Registry
	decrypter decrypt.Decrypter
	merger    merge.Merger
	store     checkpoint.Store
	events    emitter
	logger    zerolog.Logger
}

func newRuntime(opts Options, options []Option) (*runtime, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("download: playlist URL is required")
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &deps{}
	for _, opt := range options {
		opt(d)
	}

	client := d.client
	if client == nil {
		c, err := httpx.NewDownloadClient(httpx.ClientOptions{
			Timeout: opts.Timeout,
			Proxy:   opts.Proxy,
			Trace:   true,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}

	fetchOpts := []httpx.FetcherOption{
		httpx.WithHeaders(opts.Headers),
		httpx.WithTimeout(opts.Timeout),
		httpx.WithRateLimit(opts.RateLimit, opts.RateBurst),
	}
	if opts.Retries > 0 {
		fetchOpts = append(fetchOpts, httpx.WithRetries(opts.Retries))
	}
	if d.backoff != nil {
		fetchOpts = append(fetchOpts, httpx.WithBackoff(d.backoff))
	}

	dec := d.decrypter
	if dec == nil {
		var err error
		if dec, err = decrypt.New(opts.DecryptBackend, opts.OpenSSLPath); err != nil {
			return nil, err
		}
	}
	m := d.merger
	if m == nil {
		var err error
		if m, err = merge.New(opts.Format, opts.FFmpegPath); err != nil {
			return nil, err
		}
	}

	var ksOpts []keystore.Option
	if d.keyCache != nil {
		ksOpts = append(ksOpts, keystore.WithMirror(d.keyCache, d.keyTTL))
	}

	registry := d.registry
	if registry == nil {
		registry = site.DefaultRegistry()
	}

	logger := xglog.WithComponent("download")
	if d.logger != nil {
		logger = *d.logger
	}

	return &runtime{
		opts:      opts,
		fetcher:   httpx.NewFetcher(client, fetchOpts...),
		keys:      keystore.New(ksOpts...),
		registry:  registry,
		decrypter: dec,
		merger:    m,
		store:     d.store,
		events:    emitter{ch: d.events},
		logger:    logger,
	}, nil
}

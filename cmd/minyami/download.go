package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Last-Order/Minyami-sub000/internal/config"
	"github.com/Last-Order/Minyami-sub000/internal/download"
)

type downloadFlags struct {
	live      bool
	output    string
	baseURL   string
	key       string
	iv        string
	headers   []string
	slice     string
	pingURL   string
	groupSize int

	threads           int
	retries           int
	timeout           time.Duration
	format            string
	proxy             string
	cookies           string
	tempDir           string
	noMerge           bool
	keep              bool
	rateLimit         float64
	decryptBackend    string
	checkpointBackend string
	checkpointPath    string
	metricsListen     string
}

func newDownloadCmd(gf *globalFlags) *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download <playlist-url-or-file>",
		Short: "Download an HLS recording or record a live stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			opts, err := f.options(cfg, args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if f.live {
				return runLive(cmd.Context(), a, opts)
			}
			return runArchive(cmd.Context(), a, opts)
		},
	}

	f.register(cmd)
	return cmd
}

func (f *downloadFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.live, "live", false, "record a live stream until it ends or is interrupted")
	fl.StringVarP(&f.output, "output", "o", "", "output file (default derived from the playlist name)")
	fl.StringVar(&f.baseURL, "base-url", "", "base URL for relative URIs of a local playlist")
	fl.StringVarP(&f.key, "key", "k", "", "hex AES-128 key used for every encrypted segment")
	fl.StringVar(&f.iv, "iv", "", "hex IV overriding the playlist")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, `extra request header "Name: value" (repeatable)`)
	fl.StringVar(&f.slice, "slice", "", "download only start-end (seconds or hh:mm:ss), archives only")
	fl.StringVar(&f.pingURL, "ping-url", "", "URL requested before every segment group")
	fl.IntVar(&f.groupSize, "group-size", 0, "segments per group when --ping-url is set")

	fl.IntVarP(&f.threads, "threads", "t", 0, "concurrent segment downloads")
	fl.IntVarP(&f.retries, "retries", "r", 0, "retries per segment before it is dropped (0 retries forever)")
	fl.DurationVar(&f.timeout, "timeout", 0, "base timeout per segment attempt")
	fl.StringVar(&f.format, "format", "", "output format: ts, mkv or mp4")
	fl.StringVar(&f.proxy, "proxy", "", "HTTP or SOCKS5 proxy URL")
	fl.StringVar(&f.cookies, "cookies", "", "Cookie header sent with every request")
	fl.StringVar(&f.tempDir, "temp-dir", "", "directory for staged segments")
	fl.BoolVar(&f.noMerge, "nomerge", false, "keep staged segments and skip merging")
	fl.BoolVar(&f.keep, "keep", false, "keep the temp directory after merging")
	fl.Float64Var(&f.rateLimit, "rate-limit", 0, "max requests per second per host (0 unlimited)")
	fl.StringVar(&f.decryptBackend, "decrypt-backend", "", "decryption backend: native or openssl")
	fl.StringVar(&f.checkpointBackend, "checkpoint-backend", "", "checkpoint store: json, sqlite, badger or memory")
	fl.StringVar(&f.checkpointPath, "checkpoint-path", "", "checkpoint store location")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
}

func changed(cmd *cobra.Command, name string) bool {
	fl := cmd.Flags().Lookup(name)
	return fl != nil && fl.Changed
}

// apply overrides cfg with the flags given on the command line.
func (f *downloadFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if changed(cmd, "threads") {
		cfg.Threads = f.threads
	}
	if changed(cmd, "retries") {
		cfg.Retries = f.retries
	}
	if changed(cmd, "timeout") {
		cfg.Timeout = f.timeout
	}
	if changed(cmd, "format") {
		cfg.Format = strings.ToLower(f.format)
	}
	if changed(cmd, "nomerge") {
		cfg.NoMerge = f.noMerge
	}
	if changed(cmd, "keep") {
		cfg.Keep = f.keep
	}
	if changed(cmd, "rate-limit") {
		cfg.RateLimit.RPS = f.rateLimit
	}
	overrideString(cmd, "proxy", &cfg.Proxy)
	overrideString(cmd, "cookies", &cfg.Cookies)
	overrideString(cmd, "temp-dir", &cfg.TempDir)
	overrideString(cmd, "decrypt-backend", &cfg.Decrypt.Backend)
	overrideString(cmd, "metrics-listen", &cfg.Metrics.Listen)
	if changed(cmd, "checkpoint-backend") {
		cfg.Checkpoint.Backend = f.checkpointBackend
		if !changed(cmd, "checkpoint-path") {
			cfg.Checkpoint.Path = config.DefaultCheckpointPath(f.checkpointBackend)
		}
	}
	overrideString(cmd, "checkpoint-path", &cfg.Checkpoint.Path)
}

// options builds the download options from the effective configuration.
func (f *downloadFlags) options(cfg config.Config, url string) (download.Options, error) {
	headers, err := buildHeaders(cfg.Headers, f.headers, cfg.Cookies)
	if err != nil {
		return download.Options{}, err
	}
	opts := download.Options{
		URL:                  url,
		BaseURL:              f.baseURL,
		Output:               f.output,
		TempDir:              cfg.TempDir,
		Threads:              cfg.Threads,
		Retries:              cfg.Retries,
		Timeout:              cfg.Timeout,
		Format:               cfg.Format,
		Key:                  f.key,
		IV:                   f.iv,
		Headers:              headers,
		Proxy:                cfg.Proxy,
		RateLimit:            cfg.RateLimit.RPS,
		RateBurst:            cfg.RateLimit.Burst,
		NoMerge:              cfg.NoMerge,
		Keep:                 cfg.Keep,
		DecryptBackend:       cfg.Decrypt.Backend,
		OpenSSLPath:          cfg.Decrypt.OpenSSLPath,
		FFmpegPath:           cfg.Merge.FFmpegPath,
		PingURL:              f.pingURL,
		GroupSize:            f.groupSize,
		LiveMaxFetchFailures: cfg.Live.MaxFetchFailures,
		LiveMaxInterval:      cfg.Live.MaxInterval,
	}
	if f.slice != "" {
		if f.live {
			return download.Options{}, fmt.Errorf("--slice cannot be used with --live")
		}
		r, err := download.ParseRange(f.slice)
		if err != nil {
			return download.Options{}, err
		}
		opts.Slice = &r
	}
	return opts, nil
}

// buildHeaders merges configured headers, repeated --header flags and the
// cookie string. Flags win over the config file.
func buildHeaders(base map[string]string, flags []string, cookies string) (http.Header, error) {
	h := http.Header{}
	for k, v := range base {
		h.Set(k, v)
	}
	for _, raw := range flags {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", raw)
		}
		h.Set(name, strings.TrimSpace(value))
	}
	if cookies != "" {
		h.Set("Cookie", cookies)
	}
	return h, nil
}

func runArchive(ctx context.Context, a *app, opts download.Options) error {
	events := make(chan download.Event, 256)
	arc, err := download.NewArchive(opts, a.downloadOptions(events)...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// First interrupt checkpoints and exits, a second one gives up waiting.
	stopSignals := onInterrupt(cancel, forceExit)
	defer stopSignals()

	return runWithProgress(events, func() error { return arc.Run(ctx) })
}

func runLive(ctx context.Context, a *app, opts download.Options) error {
	events := make(chan download.Event, 256)
	l, err := download.NewLive(opts, a.downloadOptions(events)...)
	if err != nil {
		return err
	}
	stopSignals := onInterrupt(l.Stop, l.Stop)
	defer stopSignals()

	return runWithProgress(events, func() error { return l.Run(ctx) })
}

package download

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// origin is a fake CDN serving playlists, segments and keys from memory.
type origin struct {
	mu       sync.Mutex
	files    map[string][]byte
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	srv      *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{
		files:    map[string][]byte{},
		handlers: map[string]http.HandlerFunc{},
		hits:     map[string]int{},
	}
	o.srv = httptest.NewServer(o)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	h := o.handlers[r.URL.Path]
	body, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

func (o *origin) set(path string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func (o *origin) handle(path string, h http.HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[path] = h
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) url(path string) string {
	return o.srv.URL + path
}

// serveVOD publishes n plain segments and an ended playlist at /index.m3u8.
// It returns the expected concatenation.
func (o *origin) serveVOD(n int) string {
	var want strings.Builder
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("<segment %d>", i)
		o.set(fmt.Sprintf("/seg%d.ts", i), []byte(body))
		want.WriteString(body)
	}
	o.set("/index.m3u8", []byte(mediaPlaylist(0, n, "", true)))
	return want.String()
}

// mediaPlaylist lists seg<first>..seg<first+n-1> with one second each.
func mediaPlaylist(first, n int, keyLine string, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	if keyLine != "" {
		b.WriteString(keyLine + "\n")
	}
	for i := first; i < first+n; i++ {
		fmt.Fprintf(&b, "#EXTINF:1.0,\nseg%d.ts\n", i)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// encryptSegment applies AES-128-CBC with the sequence derived IV.
func encryptSegment(t *testing.T, key []byte, seq int, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(seq))
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, buf)
	return out
}

func testOptions(t *testing.T, o *origin) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		URL:     o.url("/index.m3u8"),
		Output:  filepath.Join(dir, "out.ts"),
		TempDir: filepath.Join(dir, "work"),
		Threads: 2,
		Timeout: 5 * time.Second,
	}
}

func testDeps(extra ...Option) []Option {
	return append([]Option{
		WithFetchBackoff(func(int) time.Duration { return 0 }),
		WithLogger(zerolog.Nop()),
	}, extra...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// collect drains ch without blocking.
func collect(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []Event) map[EventKind]int {
	out := map[EventKind]int{}
	for _, ev := range evs {
		out[ev.Kind]++
	}
	return out
}

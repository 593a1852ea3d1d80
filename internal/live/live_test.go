package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// window renders a live playlist of segments first..last with 0.01s durations.
func window(first, last int, end bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i <= last; i++ {
		fmt.Fprintf(&b, "#EXTINF:0.01,\nseg%d.ts\n", i)
	}
	if end {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func parse(t *testing.T, text string) *hls.MediaPlaylist {
	t.Helper()
	pl, err := hls.ParseMedia(text, "https://cdn.example.com/live/index.m3u8")
	require.NoError(t, err)
	return pl
}

type scriptSource struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*hls.MediaPlaylist, error)
	calls int
}

func (s *scriptSource) Fetch(ctx context.Context) (*hls.MediaPlaylist, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i](ctx)
}

func ok(pl *hls.MediaPlaylist) func(context.Context) (*hls.MediaPlaylist, error) {
	return func(context.Context) (*hls.MediaPlaylist, error) { return pl, nil }
}

type recordingSink struct {
	mu     sync.Mutex
	seqs   []int
	gaps   [][2]int
	ends   int
	pushed chan struct{}
}

func newSink() *recordingSink { return &recordingSink{pushed: make(chan struct{}, 100)} }

func (s *recordingSink) Push(segs []hls.Segment) {
	s.mu.Lock()
	for _, seg := range segs {
		s.seqs = append(s.seqs, seg.Sequence)
	}
	s.mu.Unlock()
	s.pushed <- struct{}{}
}

func (s *recordingSink) Gap(from, to int) {
	s.mu.Lock()
	s.gaps = append(s.gaps, [2]int{from, to})
	s.mu.Unlock()
}

func (s *recordingSink) End() {
	s.mu.Lock()
	s.ends++
	s.mu.Unlock()
}

func run(t *testing.T, p *Poller) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Run(ctx)
}

func TestRun_DedupesOverlappingWindowsUntilEndList(t *testing.T) {
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(10, 12, false))),
		ok(parse(t, window(11, 13, false))),
		ok(parse(t, window(12, 15, true))),
	}}
	sink := newSink()
	p := New(src, sink)

	require.NoError(t, run(t, p))
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15}, sink.seqs)
	assert.Empty(t, sink.gaps)
	assert.Equal(t, 1, sink.ends)
	assert.Equal(t, Finished, p.State())
}

func TestRun_ReportsSlidWindowAsGap(t *testing.T) {
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(0, 2, false))),
		ok(parse(t, window(6, 7, true))),
	}}
	sink := newSink()
	require.NoError(t, run(t, New(src, sink)))

	assert.Equal(t, []int{0, 1, 2, 6, 7}, sink.seqs)
	assert.Equal(t, [][2]int{{3, 5}}, sink.gaps)
}

func TestRun_IdentityHookControlsDedupe(t *testing.T) {
	// Same sequence numbers, different URLs: the hook names by sequence only.
	first := parse(t, window(0, 1, false))
	second := parse(t, strings.ReplaceAll(window(0, 2, true), "seg", "alt"))
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){ok(first), ok(second)}}
	sink := newSink()

	p := New(src, sink, WithIdentity(func(s hls.Segment) string { return fmt.Sprint(s.Sequence) }))
	require.NoError(t, run(t, p))
	assert.Equal(t, []int{0, 1, 2}, sink.seqs)
}

func TestStop_DrainsAndEnds(t *testing.T) {
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(0, 1, false))),
	}}
	sink := newSink()
	p := New(src, sink, WithMaxInterval(time.Hour))

	done := make(chan error, 1)
	go func() { done <- run(t, p) }()
	<-sink.pushed

	p.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.ends)
	assert.Equal(t, Finished, p.State())
}

func TestStop_SecondCallAborts(t *testing.T) {
	blocked := make(chan struct{})
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		func(ctx context.Context) (*hls.MediaPlaylist, error) {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	sink := newSink()
	p := New(src, sink)

	done := make(chan error, 1)
	go func() { done <- run(t, p) }()
	<-blocked

	p.Stop()
	assert.Equal(t, Draining, p.State())
	p.Stop()

	err := <-done
	assert.ErrorIs(t, err, ErrAborted)
	assert.Zero(t, sink.ends, "abort skips the drain")
}

func TestRun_ConsecutiveFailuresEndRun(t *testing.T) {
	boom := errors.New("503")
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		func(context.Context) (*hls.MediaPlaylist, error) { return nil, boom },
	}}
	p := New(src, newSink(), WithMaxFetchFailures(3), WithMaxInterval(time.Millisecond))
	err := run(t, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, src.calls)
}

func TestRun_TransientFailureRecovers(t *testing.T) {
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(0, 0, false))),
		func(context.Context) (*hls.MediaPlaylist, error) { return nil, errors.New("timeout") },
		ok(parse(t, window(0, 1, true))),
	}}
	sink := newSink()
	require.NoError(t, run(t, New(src, sink, WithMaxFetchFailures(2), WithMaxInterval(time.Millisecond))))
	assert.Equal(t, []int{0, 1}, sink.seqs)
}

func TestRun_MalformedRefreshIsFatal(t *testing.T) {
	_, parseErr := hls.Parse("#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=1280x720\nv.m3u8\n", "https://cdn.example.com/live/index.m3u8")
	require.ErrorIs(t, parseErr, hls.ErrParse)

	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(0, 0, false))),
		func(context.Context) (*hls.MediaPlaylist, error) { return nil, parseErr },
		ok(parse(t, window(0, 1, true))),
	}}
	sink := newSink()
	p := New(src, sink, WithMaxFetchFailures(5), WithMaxInterval(time.Millisecond))
	err := run(t, p)
	require.ErrorIs(t, err, hls.ErrParse)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, []int{0}, sink.seqs)
	assert.Equal(t, Finished, p.State())
}

func TestHTTPSource_FollowsMasterOnce(t *testing.T) {
	var variantHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nvariant.m3u8\n")
	})
	mux.HandleFunc("/variant.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		variantHits.Add(1)
		fmt.Fprint(w, window(0, 1, false))
	})
	mux.HandleFunc("/loop.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nloop.m3u8\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	fetcher := httpx.NewFetcher(client, httpx.WithRetries(0))

	src := NewHTTPSource(fetcher, srv.URL+"/master.m3u8")
	pl, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, pl.Segments, 2)
	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), variantHits.Load())

	_, err = NewHTTPSource(fetcher, srv.URL+"/loop.m3u8").Fetch(context.Background())
	assert.ErrorIs(t, err, hls.ErrParse)
}

func TestRun_OnPlaylistErrorIsFatal(t *testing.T) {
	src := &scriptSource{steps: []func(context.Context) (*hls.MediaPlaylist, error){
		ok(parse(t, window(0, 1, false))),
	}}
	sink := newSink()
	keyErr := errors.New("no key")
	p := New(src, sink, WithOnPlaylist(func(context.Context, *hls.MediaPlaylist) error { return keyErr }))
	assert.ErrorIs(t, run(t, p), keyErr)
	assert.Empty(t, sink.seqs)
}

func TestFileSource_WakesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.m3u8")
	slow := strings.ReplaceAll(window(0, 1, false), "#EXTINF:0.01", "#EXTINF:30")
	require.NoError(t, os.WriteFile(path, []byte(slow), 0o600))

	src, err := NewFileSource(path, "https://cdn.example.com/live/")
	require.NoError(t, err)
	defer src.Close()

	sink := newSink()
	p := New(src, sink, WithMaxInterval(time.Hour))
	done := make(chan error, 1)
	go func() { done <- run(t, p) }()
	<-sink.pushed

	ended := strings.ReplaceAll(window(0, 2, true), "#EXTINF:0.01", "#EXTINF:30")
	tmp := filepath.Join(dir, "index.m3u8.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(ended), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("file change did not wake the poller")
	}
	assert.Equal(t, []int{0, 1, 2}, sink.seqs)
	assert.Equal(t, "https://cdn.example.com/live/seg2.ts", func() string {
		pl, err := src.Fetch(context.Background())
		require.NoError(t, err)
		return pl.Segments[2].URL
	}())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "state(9)", State(9).String())
}

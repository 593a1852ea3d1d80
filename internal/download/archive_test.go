package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
	"github.com/Last-Order/Minyami-sub000/internal/site"
)

func memoryStore(t *testing.T) checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewStore(checkpoint.BackendMemory, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArchive_PlainSegments(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(3)
	opts := testOptions(t, o)
	store := memoryStore(t)
	events := make(chan Event, 64)

	a, err := NewArchive(opts, testDeps(WithStore(store), WithEvents(events))...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))

	_, err = store.Load(context.Background(), checkpoint.TaskID(opts.URL))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "task directory should be removed")

	got := kinds(collect(events))
	assert.Equal(t, 3, got[EventSegmentDone])
	assert.Equal(t, 1, got[EventMerged])
	assert.Equal(t, 1, got[EventFinished])
	assert.Zero(t, got[EventFailed])
}

func TestArchive_EncryptedSegments(t *testing.T) {
	o := newOrigin(t)
	key := []byte("0123456789abcdef")
	o.set("/key.bin", key)

	var want strings.Builder
	for i := 0; i < 3; i++ {
		plain := []byte(fmt.Sprintf("plain segment %d with some payload", i))
		want.Write(plain)
		o.set(fmt.Sprintf("/seg%d.ts", i), encryptSegment(t, key, i, plain))
	}
	o.set("/index.m3u8", []byte(mediaPlaylist(0, 3, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`, true)))

	opts := testOptions(t, o)
	opts.DecryptBackend = decrypt.BackendNative
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, want.String(), readFile(t, opts.Output))
	assert.Equal(t, 1, o.count("/key.bin"), "key is fetched once")
}

func TestArchive_KeyOverrideSkipsKeyFetch(t *testing.T) {
	o := newOrigin(t)
	key := []byte("fedcba9876543210")
	plain := []byte("override")
	o.set("/seg0.ts", encryptSegment(t, key, 0, plain))
	o.set("/index.m3u8", []byte(mediaPlaylist(0, 1, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`, true)))

	opts := testOptions(t, o)
	opts.Key = fmt.Sprintf("%x", key)
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, string(plain), readFile(t, opts.Output))
	assert.Zero(t, o.count("/key.bin"))
}

func TestArchive_RejectsLivePlaylist(t *testing.T) {
	o := newOrigin(t)
	o.set("/index.m3u8", []byte(mediaPlaylist(0, 2, "", false)))

	events := make(chan Event, 8)
	a, err := NewArchive(testOptions(t, o), testDeps(WithEvents(events))...)
	require.NoError(t, err)
	err = a.Run(context.Background())
	assert.ErrorIs(t, err, ErrLivePlaylist)
	assert.Equal(t, 1, kinds(collect(events))[EventFailed])
}

func TestArchive_RejectsSampleAES(t *testing.T) {
	o := newOrigin(t)
	o.set("/index.m3u8", []byte(mediaPlaylist(0, 2, `#EXT-X-KEY:METHOD=SAMPLE-AES,URI="key.bin"`, true)))

	a, err := NewArchive(testOptions(t, o), testDeps()...)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Run(context.Background()), ErrUnsupportedEncryption)
}

func TestArchive_UnresolvableKeyIsFatal(t *testing.T) {
	o := newOrigin(t)
	o.set("/index.m3u8", []byte(mediaPlaylist(0, 2, `#EXT-X-KEY:METHOD=AES-128,URI="missing.bin"`, true)))

	a, err := NewArchive(testOptions(t, o), testDeps()...)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Run(context.Background()), ErrKeyResolution)
}

func TestArchive_MasterSelectsHighestBandwidth(t *testing.T) {
	o := newOrigin(t)
	o.set("/master.m3u8", []byte("#EXTM3U\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=1000,RESOLUTION=640x360\nlow/index.m3u8\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=5000,RESOLUTION=1920x1080\nhigh/index.m3u8\n"))
	for _, v := range []string{"low", "high"} {
		o.set("/"+v+"/index.m3u8", []byte(mediaPlaylist(0, 2, "", true)))
		o.set("/"+v+"/seg0.ts", []byte(v+"0"))
		o.set("/"+v+"/seg1.ts", []byte(v+"1"))
	}

	opts := testOptions(t, o)
	opts.URL = o.url("/master.m3u8")
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, "high0high1", readFile(t, opts.Output))
	assert.Zero(t, o.count("/low/seg0.ts"))
}

func TestArchive_DroppedSegmentSplitsOutput(t *testing.T) {
	o := newOrigin(t)
	o.serveVOD(3)
	o.handle("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})

	opts := testOptions(t, o)
	opts.Retries = 1
	events := make(chan Event, 64)
	a, err := NewArchive(opts, testDeps(WithEvents(events))...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	base := strings.TrimSuffix(opts.Output, ".ts")
	assert.Equal(t, "<segment 0>", readFile(t, base+"_1.ts"))
	assert.Equal(t, "<segment 2>", readFile(t, base+"_2.ts"))
	assert.NoFileExists(t, opts.Output)
	assert.Equal(t, 2, o.count("/seg1.ts"), "one retry before the drop")

	got := kinds(collect(events))
	assert.Equal(t, 1, got[EventSegmentDropped])
	assert.Equal(t, 1, got[EventSegmentRetry])
	assert.Equal(t, 2, got[EventMerged])
}

func TestArchive_SliceKeepsOverlappingSegments(t *testing.T) {
	o := newOrigin(t)
	o.serveVOD(5)

	opts := testOptions(t, o)
	opts.Slice = &Range{Start: time.Second, End: 3 * time.Second}
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, "<segment 1><segment 2>", readFile(t, opts.Output))
	assert.Zero(t, o.count("/seg0.ts"))
	assert.Zero(t, o.count("/seg3.ts"))
}

func TestArchive_SliceBeyondEndIsEmpty(t *testing.T) {
	o := newOrigin(t)
	o.serveVOD(2)

	opts := testOptions(t, o)
	opts.Slice = &Range{Start: time.Minute}
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Run(context.Background()), ErrEmptyPlaylist)
}

func TestArchive_NoMergeKeepsSegments(t *testing.T) {
	o := newOrigin(t)
	o.serveVOD(2)

	opts := testOptions(t, o)
	opts.NoMerge = true
	events := make(chan Event, 16)
	a, err := NewArchive(opts, testDeps(WithEvents(events))...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.NoFileExists(t, opts.Output)
	var dir string
	for _, ev := range collect(events) {
		if ev.Kind == EventFinished {
			dir = ev.Output
		}
	}
	require.NotEmpty(t, dir)
	assert.Equal(t, "<segment 0>", readFile(t, filepath.Join(dir, "0_seg0.ts")))
	assert.Equal(t, "<segment 1>", readFile(t, filepath.Join(dir, "1_seg1.ts")))
}

func TestArchive_KeepRetainsTempDir(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(2)

	opts := testOptions(t, o)
	opts.Keep = true
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))
	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchive_GroupActionsPingPerGroup(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(4)
	o.set("/ping", []byte("ok"))

	opts := testOptions(t, o)
	opts.PingURL = o.url("/ping")
	opts.GroupSize = 2
	a, err := NewArchive(opts, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))
	assert.Equal(t, 2, o.count("/ping"))
}

func TestArchive_InterruptThenResume(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(4)
	release := make(chan struct{})
	o.handle("/seg2.ts", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
			_, _ = w.Write([]byte("<segment 2>"))
		case <-r.Context().Done():
		}
	})

	opts := testOptions(t, o)
	opts.Threads = 1
	store := memoryStore(t)
	events := make(chan Event, 64)

	a, err := NewArchive(opts, testDeps(WithStore(store), WithEvents(events))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for finished := 0; finished < 2; {
		select {
		case ev := <-events:
			if ev.Kind == EventSegmentDone {
				finished = ev.Finished
			}
		case <-deadline:
			t.Fatal("segments were not downloaded")
		}
	}
	cancel()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.ErrorIs(t, runErr, ErrInterrupted)
	assert.True(t, errors.Is(runErr, context.Canceled))

	id := checkpoint.TaskID(opts.URL)
	saved, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0_seg0.ts", "1_seg1.ts"}, saved.Finished)
	var pending []int
	for _, u := range saved.Pending {
		for _, seg := range u.Segments {
			pending = append(pending, seg.Index)
		}
	}
	assert.ElementsMatch(t, []int{2, 3}, pending)
	assert.Equal(t, 4, saved.TotalSegments)

	close(release)
	r, err := NewResume(context.Background(), store, id, func(o *Options) { o.Threads = 2 }, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))
	assert.Equal(t, 1, o.count("/seg0.ts"), "finished segments are not downloaded again")
	assert.Equal(t, 1, o.count("/seg1.ts"))
	_, err = store.Load(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestArchive_ResumeRefetchesMissingFiles(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(2)
	store := memoryStore(t)
	opts := testOptions(t, o)
	id := checkpoint.TaskID(opts.URL)

	a, err := NewArchive(opts, testDeps(WithStore(store))...)
	require.NoError(t, err)
	p, err := a.planFresh(context.Background())
	require.NoError(t, err)
	// Claim everything finished without any staged file on disk.
	p.task.Finished = []string{"0_seg0.ts", "1_seg1.ts"}
	p.task.Pending = nil
	require.NoError(t, store.Save(context.Background(), p.task))

	r, err := NewResume(context.Background(), store, id, nil, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))
	assert.Equal(t, 1, o.count("/seg0.ts"))
}

func TestNewResume_UnknownID(t *testing.T) {
	_, err := NewResume(context.Background(), memoryStore(t), "nope", nil)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestNewArchive_RejectsBadKey(t *testing.T) {
	_, err := NewArchive(Options{URL: "http://example.com/a.m3u8", Key: "abc"})
	assert.Error(t, err)
	_, err = NewArchive(Options{})
	assert.Error(t, err)
}

func TestNewArchive_ValidatesOptions(t *testing.T) {
	const key = "00112233445566778899aabbccddeeff"
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"short iv", Options{URL: "http://example.com/a.m3u8", IV: "0x0102"}, "iv"},
		{"non hex iv", Options{URL: "http://example.com/a.m3u8", IV: "zz112233445566778899aabbccddeeff"}, "iv"},
		{"long key", Options{URL: "http://example.com/a.m3u8", Key: key + "00"}, "key"},
		{"ping scheme", Options{URL: "http://example.com/a.m3u8", PingURL: "ftp://example.com/ping"}, "pingURL"},
		{"relative base", Options{URL: "a.m3u8", BaseURL: "/streams/"}, "baseURL"},
		{"valid", Options{URL: "http://example.com/a.m3u8", Key: key, IV: "0x" + key}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.TempDir = t.TempDir()
			_, err := NewArchive(tt.opts)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// recordingStore keeps a copy of every saved checkpoint.
type recordingStore struct {
	checkpoint.Store
	mu    sync.Mutex
	saves []*checkpoint.Task
}

func (s *recordingStore) Save(ctx context.Context, t *checkpoint.Task) error {
	s.mu.Lock()
	s.saves = append(s.saves, t.Clone())
	s.mu.Unlock()
	return s.Store.Save(ctx, t)
}

func (s *recordingStore) saved() []*checkpoint.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*checkpoint.Task(nil), s.saves...)
}

func checkpointNames(units []checkpoint.Unit) []string {
	var out []string
	for _, u := range units {
		for _, seg := range u.Segments {
			out = append(out, seg.Name)
		}
	}
	return out
}

func TestArchiveSnapshot_PendingIsEverythingUnfinished(t *testing.T) {
	a, err := NewArchive(Options{URL: "https://cdn.example/index.m3u8"}, testDeps()...)
	require.NoError(t, err)

	seg := func(name string, i int) checkpoint.Segment { return checkpoint.Segment{Name: name, Index: i} }
	p := &plan{
		init: &scheduler.Task{Name: "init.mp4", Index: -1},
		task: &checkpoint.Task{
			ID: "t",
			AllSegments: []checkpoint.Unit{
				{Segments: []checkpoint.Segment{{Name: "init.mp4", Index: -1, Initial: true}}},
				{Segments: []checkpoint.Segment{seg("0.ts", 0)}},
				{Group: true, Segments: []checkpoint.Segment{seg("1.ts", 1), seg("2.ts", 2)}},
				{Segments: []checkpoint.Segment{seg("3.ts", 3)}},
			},
		},
	}
	// 1.ts and 3.ts are in no scheduler queue, as during a requeue.
	sched := scheduler.New(scheduler.Config{}, nil, scheduler.WithFinished([]string{"0.ts", "2.ts"}))

	snap := a.snapshot(p, sched)
	assert.Equal(t, []checkpoint.Unit{
		{Group: true, Segments: []checkpoint.Segment{seg("1.ts", 1)}},
		{Segments: []checkpoint.Segment{seg("3.ts", 3)}},
	}, snap.Pending)
	assert.Equal(t, []string{"0.ts", "2.ts"}, snap.Finished)

	a.initDone = true
	snap = a.snapshot(p, sched)
	assert.Equal(t, []string{"0.ts", "2.ts", "init.mp4"}, snap.Finished)
	assert.Len(t, snap.Pending, 2)
}

func TestArchive_RetryThenInterruptResumesIdentically(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(4)
	var failedOnce sync.Once
	o.handle("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		failed := false
		failedOnce.Do(func() { failed = true })
		if failed {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<segment 1>"))
	})

	opts := testOptions(t, o)
	opts.Threads = 1
	store := &recordingStore{Store: memoryStore(t)}
	events := make(chan Event, 64)
	a, err := NewArchive(opts, testDeps(WithStore(store), WithEvents(events))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for retried := false; !retried; {
		select {
		case ev := <-events:
			retried = ev.Kind == EventSegmentRetry
		case <-deadline:
			t.Fatal("no retry observed")
		}
	}
	cancel()
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.ErrorIs(t, err, ErrInterrupted)

	all := []string{"0_seg0.ts", "1_seg1.ts", "2_seg2.ts", "3_seg3.ts"}
	saves := store.saved()
	require.NotEmpty(t, saves)
	for _, s := range saves {
		covered := append(checkpointNames(s.Pending), s.Finished...)
		assert.ElementsMatch(t, all, covered, "checkpoint must list every segment as pending or finished")
	}

	id := checkpoint.TaskID(opts.URL)
	saved, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, checkpointNames(saved.Pending), "1_seg1.ts")

	r, err := NewResume(context.Background(), store, id, nil, testDeps()...)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, want, readFile(t, opts.Output))
	assert.Equal(t, 1, o.count("/seg0.ts"))
}

type namingParser struct{ name func(hls.Segment) string }

func (namingParser) Name() string { return "naming" }
func (namingParser) Match(string) bool { return true }
func (p namingParser) Prepare(context.Context, site.Request) (site.Hooks, error) {
	return site.Hooks{SegmentName: p.name}, nil
}

func TestArchive_HookNamesCannotEscapeTempDir(t *testing.T) {
	o := newOrigin(t)
	want := o.serveVOD(2)
	reg := site.NewRegistry(site.Generic{})
	reg.Register(namingParser{name: func(s hls.Segment) string {
		return fmt.Sprintf("../../evil%d.ts", s.Sequence)
	}}, 1)

	opts := testOptions(t, o)
	opts.Keep = true
	a, err := NewArchive(opts, testDeps(WithRegistry(reg))...)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, want, readFile(t, opts.Output))
	outDir := filepath.Dir(opts.Output)
	for i := 0; i < 2; i++ {
		_, err := os.Stat(filepath.Join(outDir, fmt.Sprintf("evil%d.ts", i)))
		assert.True(t, os.IsNotExist(err), "segment %d written outside the temp dir", i)
	}
}

package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/concentrator"
	"github.com/Last-Order/Minyami-sub000/internal/fsutil"
	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/live"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
	"github.com/Last-Order/Minyami-sub000/internal/site"
)

// ErrAborted is returned by Live.Run after a second Stop.
var ErrAborted = live.ErrAborted

// Live records a sliding-window playlist until it ends or Stop is called.
// Segments are written out as they complete, so memory stays flat for
// recordings of any length.
type Live struct {
	rt    *runtime
	runID string

	bytes atomic.Int64

	mu     sync.Mutex
	stops  int
	poller *live.Poller
	cancel context.CancelFunc
	done   int
}

func NewLive(opts Options, options ...Option) (*Live, error) {
	rt, err := newRuntime(opts, options)
	if err != nil {
		return nil, err
	}
	return &Live{rt: rt, runID: uuid.NewString()}, nil
}

// Stop asks the recording to end. The first call stops polling and lets
// queued segments finish; the second aborts and skips the merge.
func (l *Live) Stop() {
	l.mu.Lock()
	l.stops++
	n, p, cancel := l.stops, l.poller, l.cancel
	l.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if n >= 2 && cancel != nil {
		cancel()
	}
}

func (l *Live) aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops >= 2
}

// open returns the playlist source and its first window.
func (l *Live) open(ctx context.Context) (live.Source, func(), *hls.MediaPlaylist, error) {
	opts := l.rt.opts
	if isRemote(opts.URL) {
		src := live.NewHTTPSource(l.rt.fetcher, opts.URL)
		pl, err := src.Fetch(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		return src, func() {}, pl, nil
	}
	src, err := live.NewFileSource(opts.URL, opts.BaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() { _ = src.Close() }
	pl, err := src.Fetch(ctx)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return src, closeFn, pl, nil
}

// primedSource replays the window read at startup on the first poll.
type primedSource struct {
	live.Source
	first *hls.MediaPlaylist
}

func (s *primedSource) Fetch(ctx context.Context) (*hls.MediaPlaylist, error) {
	if pl := s.first; pl != nil {
		s.first = nil
		return pl, nil
	}
	return s.Source.Fetch(ctx)
}

func (s *primedSource) Changes() <-chan struct{} {
	if n, ok := s.Source.(live.Notifier); ok {
		return n.Changes()
	}
	return nil
}

// liveSink turns poller output into scheduler units and output drops.
type liveSink struct {
	sched *scheduler.Scheduler
	feed  *feeder
	hooks site.Hooks

	// first is the sequence mapped to output index 0, set on the first push.
	first  int
	primed bool
}

func (s *liveSink) index(seq int) int {
	return seq - s.first
}

func (s *liveSink) Push(segs []hls.Segment) {
	if len(segs) == 0 {
		return
	}
	if !s.primed {
		s.first, s.primed = segs[0].Sequence, true
	}
	s.sched.Push(buildUnits(segs, s.hooks, func(_ int, seg hls.Segment) int { return s.index(seg.Sequence) })...)
}

func (s *liveSink) Gap(from, to int) {
	if !s.primed {
		return
	}
	indices := make([]int, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		if i := s.index(seq); i >= 0 {
			indices = append(indices, i)
		}
	}
	s.feed.drop(indices...)
}

func (s *liveSink) End() {
	s.sched.End()
}

// Run records until the playlist ends, Stop is called or the playlist can
// no longer be fetched. Everything downloaded is assembled and merged in
// every case but an abort.
func (l *Live) Run(ctx context.Context) (err error) {
	opts := l.rt.opts
	ctx = xglog.ContextWithRunID(ctx, l.runID)
	defer func() {
		if err != nil {
			l.rt.events.emit(Event{Kind: EventFailed, Err: err})
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	aborted := l.stops >= 2
	l.mu.Unlock()
	if aborted {
		return ErrAborted
	}

	src, closeSrc, first, err := l.open(runCtx)
	if err != nil {
		return err
	}
	defer closeSrc()

	id := checkpoint.TaskID(opts.URL)
	runCtx = xglog.ContextWithTaskID(runCtx, id)
	logger := xglog.WithContext(runCtx, l.rt.logger)
	runCtx = logger.WithContext(runCtx)

	hooks, err := l.rt.prepareHooks(runCtx, first.URL)
	if err != nil {
		return err
	}
	resolve := keyResolver(hooks, first.URL)

	dir := filepath.Join(opts.TempDir, fsutil.StableID(id+"#"+l.runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	logger.Info().
		Str(xglog.FieldEvent, "live.start").
		Str(xglog.FieldURL, first.URL).
		Str(xglog.FieldTempDir, dir).
		Msg("live recording started")

	worker := &segmentWorker{
		dir:        dir,
		fetcher:    l.rt.fetcher,
		decrypter:  l.rt.decrypter,
		keys:       l.rt.keys,
		resolve:    resolve,
		ivOverride: opts.IV,
		onBytes:    func(_ *scheduler.Task, n int64) { l.bytes.Add(n) },
	}

	copts := []concentrator.Option{concentrator.WithRemoveSources(!opts.Keep)}
	if first.InitSegment != nil {
		initTask := &scheduler.Task{Name: hooks.Name(*first.InitSegment), Segment: *first.InitSegment, Index: -1}
		if err := checkEncryption([]hls.Segment{initTask.Segment}, opts.IV); err != nil {
			return err
		}
		if err := worker.fetchOnce(runCtx, initTask, opts.Timeout, 3); err != nil {
			return err
		}
		header, err := worker.path(initTask)
		if err != nil {
			return err
		}
		copts = append(copts, concentrator.WithHeader(header))
	}
	conc := concentrator.New(filepath.Join(dir, joinedName), copts...)
	feed := newFeeder(conc)

	sched := scheduler.New(scheduler.Config{
		Concurrency: opts.Threads,
		MaxRetries:  opts.Retries,
		TimeoutBase: opts.Timeout,
		Live:        true,
	}, worker,
		scheduler.WithHooks(l.schedulerHooks(dir, feed)),
		scheduler.WithLogger(logger.With().Str(xglog.FieldComponent, "scheduler").Logger()),
	)

	sink := &liveSink{sched: sched, feed: feed, hooks: hooks}
	popts := []live.Option{
		live.WithMaxFetchFailures(opts.LiveMaxFetchFailures),
		live.WithMaxInterval(opts.LiveMaxInterval),
		live.WithLogger(logger.With().Str(xglog.FieldComponent, "live").Logger()),
		live.WithOnPlaylist(func(ctx context.Context, pl *hls.MediaPlaylist) error {
			if err := checkEncryption(pl.Segments, opts.IV); err != nil {
				return err
			}
			return l.rt.keys.Ensure(ctx, keyLocators(pl.Segments), resolve)
		}),
	}
	if hooks.SegmentName != nil {
		popts = append(popts, live.WithIdentity(hooks.SegmentName))
	}
	poller := live.New(&primedSource{Source: src, first: first}, sink, popts...)

	l.mu.Lock()
	l.poller = poller
	pendingStops := l.stops
	l.mu.Unlock()
	if pendingStops > 0 {
		poller.Stop()
	}

	var pollErr error
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer feed.close()
		return sched.Run(gctx)
	})
	g.Go(func() error { return feed.run(gctx) })
	g.Go(func() error {
		err := poller.Run(gctx)
		if err == nil || gctx.Err() != nil {
			return err
		}
		if errors.Is(err, ErrKeyResolution) || errors.Is(err, ErrUnsupportedEncryption) {
			return err
		}
		// Keep what was recorded so far.
		pollErr = err
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "live.poll_abandoned").
			Msg("playlist unavailable, finishing with downloaded segments")
		sched.End()
		return nil
	})
	runErr := g.Wait()

	if l.aborted() || ctx.Err() != nil {
		if err := conc.WaitAllFilesWritten(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("flush outputs after abort")
		}
		logger.Warn().
			Str(xglog.FieldEvent, "live.aborted").
			Strs(xglog.FieldOutput, conc.Outputs()).
			Msg("live recording aborted, merge skipped")
		if ctx.Err() != nil && !l.aborted() {
			return ctx.Err()
		}
		return ErrAborted
	}
	if runErr != nil {
		_ = conc.WaitAllFilesWritten(context.Background())
		return runErr
	}

	if err := l.finish(ctx, logger, conc, dir); err != nil {
		return err
	}
	if pollErr != nil {
		return fmt.Errorf("live playlist: %w", pollErr)
	}
	return nil
}

func (l *Live) schedulerHooks(dir string, feed *feeder) scheduler.Hooks {
	return scheduler.Hooks{
		OnSuccess: func(t *scheduler.Task, _ time.Duration) {
			feed.add(concentrator.Task{Path: filepath.Join(dir, t.Name), Index: t.Index})
			l.mu.Lock()
			l.done++
			done := l.done
			l.mu.Unlock()
			l.rt.events.emit(Event{
				Kind:     EventSegmentDone,
				Segment:  t.Name,
				Attempt:  t.Retries + 1,
				Finished: done,
				Total:    -1,
				Bytes:    l.bytes.Load(),
			})
		},
		OnRetry: func(t *scheduler.Task, err error) {
			l.rt.events.emit(Event{Kind: EventSegmentRetry, Segment: t.Name, Attempt: t.Retries, Err: err})
		},
		OnDrop: func(t *scheduler.Task, err error) {
			feed.drop(t.Index)
			l.rt.events.emit(Event{Kind: EventSegmentDropped, Segment: t.Name, Attempt: t.Retries, Err: err})
		},
	}
}

// finish assembles the outputs and merges each into its final name.
func (l *Live) finish(ctx context.Context, logger zerolog.Logger, conc *concentrator.Concentrator, dir string) error {
	opts := l.rt.opts
	if err := conc.WaitAllFilesWritten(ctx); err != nil {
		return fmt.Errorf("%w: assemble output: %v", ErrMerge, err)
	}
	outputs := conc.Outputs()
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if len(outputs) == 0 {
		return fmt.Errorf("%w: no segment was downloaded", ErrMerge)
	}
	if opts.NoMerge {
		logger.Info().
			Str(xglog.FieldEvent, "live.done").
			Strs(xglog.FieldOutput, outputs).
			Msg("live recording finished, merge skipped")
		l.rt.events.emit(Event{Kind: EventFinished, Finished: done, Total: done, Bytes: l.bytes.Load(), Output: outputs[0]})
		return nil
	}

	finals := finalNames(opts.Output, len(outputs))
	for i, out := range outputs {
		if err := l.rt.merger.Merge(ctx, []string{out}, finals[i]); err != nil {
			logger.Error().Err(err).
				Str(xglog.FieldEvent, "live.merge_failed").
				Str(xglog.FieldTempDir, dir).
				Msg("merge failed, temp files kept")
			return err
		}
		l.rt.events.emit(Event{Kind: EventMerged, Output: finals[i]})
	}
	if !opts.Keep {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str(xglog.FieldTempDir, dir).Msg("remove temp dir")
		}
	}
	logger.Info().
		Str(xglog.FieldEvent, "live.done").
		Strs(xglog.FieldOutput, finals).
		Int(xglog.FieldFinished, done).
		Int64("bytes", l.bytes.Load()).
		Msg("live recording finished")
	l.rt.events.emit(Event{Kind: EventFinished, Finished: done, Total: done, Bytes: l.bytes.Load(), Output: finals[0]})
	return nil
}

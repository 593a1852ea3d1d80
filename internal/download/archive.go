package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
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
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
	"github.com/Last-Order/Minyami-sub000/internal/site"
)

// joinedName is the concentrator output inside the task directory.
const joinedName = "joined.ts"

// Archive downloads a playlist that carries EXT-X-ENDLIST. With a store,
// progress is checkpointed so an interrupted run can be resumed.
type Archive struct {
	rt    *runtime
	runID string
	// resumed is set when continuing a checkpoint.
	resumed *checkpoint.Task

	bytes atomic.Int64

	mu       sync.Mutex
	done     int
	seconds  float64
	initDone bool
}

// NewArchive validates opts and assembles the collaborators of one download.
func NewArchive(opts Options, options ...Option) (*Archive, error) {
	rt, err := newRuntime(opts, options)
	if err != nil {
		return nil, err
	}
	return &Archive{rt: rt, runID: uuid.NewString()}, nil
}

// NewResume continues the checkpoint id found in store. adjust may change
// options such as Threads before the run starts; nil keeps the saved ones.
func NewResume(ctx context.Context, store checkpoint.Store, id string, adjust func(*Options), options ...Option) (*Archive, error) {
	t, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromTask(t)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&opts)
	}
	a, err := NewArchive(opts, append([]Option{WithStore(store)}, options...)...)
	if err != nil {
		return nil, err
	}
	a.resumed = t
	return a, nil
}

func optionsFromTask(t *checkpoint.Task) (Options, error) {
	opts := Options{
		URL:     t.URL,
		Output:  t.OutputPath,
		TempDir: filepath.Dir(t.TempDir),
		Threads: t.Threads,
		Retries: t.Retries,
		Timeout: t.Timeout,
		Format:  t.Format,
		Key:     t.Key,
		IV:      t.IV,
		Proxy:   t.Proxy,
	}
	if len(t.Headers) > 0 {
		opts.Headers = make(http.Header, len(t.Headers))
		for k, v := range t.Headers {
			opts.Headers.Set(k, v)
		}
	}
	if t.Slice != "" {
		r, err := ParseRange(t.Slice)
		if err != nil {
			return Options{}, fmt.Errorf("checkpoint %s: %w", t.ID, err)
		}
		opts.Slice = &r
	}
	return opts, nil
}

// plan is everything Run needs to start the scheduler.
type plan struct {
	task        *checkpoint.Task
	playlistURL string
	hooks       site.Hooks
	init        *scheduler.Task
	pending     []scheduler.Unit
	// written lists staged files that survived from an earlier run.
	written []concentrator.Task
	names   []string
	total   int
}

func (a *Archive) plan(ctx context.Context) (*plan, error) {
	if a.resumed != nil {
		return a.planResume(ctx, a.resumed)
	}
	return a.planFresh(ctx)
}

func (a *Archive) planFresh(ctx context.Context) (*plan, error) {
	opts := a.rt.opts
	pl, err := a.rt.loadMediaPlaylist(ctx, opts.URL, opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if pl.IsLive() {
		return nil, fmt.Errorf("%w: %s has no EXT-X-ENDLIST, use live mode", ErrLivePlaylist, opts.URL)
	}

	segs := applyRange(pl.Segments, opts.Slice)
	if len(segs) == 0 {
		return nil, ErrEmptyPlaylist
	}
	all := segs
	if pl.InitSegment != nil {
		all = append([]hls.Segment{*pl.InitSegment}, segs...)
	}
	if err := checkEncryption(all, opts.IV); err != nil {
		return nil, err
	}

	hooks, err := a.rt.prepareHooks(ctx, pl.URL)
	if err != nil {
		return nil, err
	}
	if err := a.rt.keys.Ensure(ctx, keyLocators(all), keyResolver(hooks, pl.URL)); err != nil {
		return nil, err
	}

	units := buildUnits(segs, hooks, func(i int, _ hls.Segment) int { return i })
	p := &plan{
		playlistURL: pl.URL,
		hooks:       hooks,
		pending:     units,
		total:       len(segs),
	}
	stored := units
	if pl.InitSegment != nil {
		p.init = &scheduler.Task{Name: hooks.Name(*pl.InitSegment), Segment: *pl.InitSegment, Index: -1}
		stored = append([]scheduler.Unit{p.init}, units...)
	}

	id := checkpoint.TaskID(opts.URL)
	p.task = &checkpoint.Task{
		ID:            id,
		URL:           opts.URL,
		TempDir:       filepath.Join(opts.TempDir, fsutil.StableID(id)),
		OutputPath:    opts.Output,
		Threads:       opts.Threads,
		Key:           opts.Key,
		IV:            opts.IV,
		Format:        opts.Format,
		AllSegments:   checkpoint.FromUnits(stored),
		Pending:       checkpoint.FromUnits(units),
		TotalSegments: len(segs),
		Retries:       opts.Retries,
		Timeout:       opts.Timeout,
		Proxy:         opts.Proxy,
		Headers:       flattenHeaders(opts.Headers),
		CreatedAt:     time.Now().UTC(),
	}
	if opts.Slice != nil {
		p.task.Slice = opts.Slice.String()
	}
	return p, nil
}

func (a *Archive) planResume(ctx context.Context, t *checkpoint.Task) (*plan, error) {
	hooks, err := a.rt.prepareHooks(ctx, t.URL)
	if err != nil {
		return nil, err
	}
	for loc, k := range t.Keys {
		a.rt.keys.Put(ctx, loc, k)
	}

	p := &plan{task: t.Clone(), playlistURL: t.URL, hooks: hooks, total: t.TotalSegments}
	p.task.Threads = a.rt.opts.Threads

	finished := t.FinishedSet()
	for _, u := range t.AllSegments {
		if isInitUnit(u) {
			p.init = checkpoint.ToUnits([]checkpoint.Unit{u}, nil)[0].(*scheduler.Task)
		}
	}
	main := mainUnits(t.AllSegments)

	// A finished segment whose staged file is gone is downloaded again.
	missing := map[string]bool{}
	for _, u := range main {
		for _, s := range u.Segments {
			if !finished[s.Name] {
				continue
			}
			path := filepath.Join(t.TempDir, s.Name)
			if fsutil.IsRegularFile(path) != nil {
				missing[s.Name] = true
				continue
			}
			p.written = append(p.written, concentrator.Task{Path: path, Index: s.Index})
			p.names = append(p.names, s.Name)
		}
	}

	// Pending is rebuilt from the full segment list so that nothing absent
	// from both lists of an older checkpoint is lost.
	present := make(map[string]bool, len(p.names))
	for _, n := range p.names {
		present[n] = true
	}
	pending := checkpoint.BuildPending(main, present)
	if len(missing) > 0 {
		a.rt.logger.Warn().
			Int("missing", len(missing)).
			Msg("finished segments missing on disk, downloading again")
	}
	p.pending = checkpoint.ToUnits(pending, groupActions(hooks))

	if p.init != nil && finished[p.init.Name] && fsutil.IsRegularFile(filepath.Join(t.TempDir, p.init.Name)) == nil {
		a.initDone = true
	}

	segs := unitSegments(p.pending)
	if p.init != nil {
		segs = append(segs, p.init.Segment)
	}
	if err := checkEncryption(segs, a.rt.opts.IV); err != nil {
		return nil, err
	}
	if err := a.rt.keys.Ensure(ctx, keyLocators(segs), keyResolver(hooks, t.URL)); err != nil {
		return nil, err
	}

	a.done = len(p.names)
	a.seconds = t.DownloadedSeconds
	return p, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Run downloads every pending segment, then assembles and merges the
// output. A cancelled ctx saves a checkpoint and returns ErrInterrupted.
func (a *Archive) Run(ctx context.Context) (err error) {
	opts := a.rt.opts
	ctx = xglog.ContextWithRunID(ctx, a.runID)
	defer func() {
		if err != nil {
			a.rt.events.emit(Event{Kind: EventFailed, Err: err})
		}
	}()

	p, err := a.plan(ctx)
	if err != nil {
		return err
	}
	ctx = xglog.ContextWithTaskID(ctx, p.task.ID)
	logger := xglog.WithContext(ctx, a.rt.logger)
	ctx = logger.WithContext(ctx)
	dir := p.task.TempDir

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	logger.Info().
		Str(xglog.FieldEvent, "archive.start").
		Str(xglog.FieldURL, opts.URL).
		Str(xglog.FieldTempDir, dir).
		Int(xglog.FieldTotal, p.total).
		Int(xglog.FieldFinished, len(p.names)).
		Bool("resumed", a.resumed != nil).
		Msg("archive download started")

	worker := &segmentWorker{
		dir:        dir,
		fetcher:    a.rt.fetcher,
		decrypter:  a.rt.decrypter,
		keys:       a.rt.keys,
		resolve:    keyResolver(p.hooks, p.playlistURL),
		ivOverride: opts.IV,
		onBytes:    func(_ *scheduler.Task, n int64) { a.bytes.Add(n) },
	}

	var sched *scheduler.Scheduler
	var sv *saver
	if a.rt.store != nil {
		sv = newSaver(a.rt.store, func() *checkpoint.Task { return a.snapshot(p, sched) }, logger)
	}

	var header string
	if p.init != nil {
		if header, err = worker.path(p.init); err != nil {
			return err
		}
		if !a.initDone {
			if err := worker.fetchOnce(ctx, p.init, opts.Timeout, 3); err != nil {
				if ctx.Err() != nil {
					return a.interrupted(ctx, logger, nil, sv)
				}
				return err
			}
			a.mu.Lock()
			a.initDone = true
			a.mu.Unlock()
		}
	}

	var (
		conc *concentrator.Concentrator
		feed *feeder
	)
	if !opts.NoMerge {
		copts := []concentrator.Option{concentrator.WithRemoveSources(false)}
		if header != "" {
			copts = append(copts, concentrator.WithHeader(header))
		}
		conc = concentrator.New(filepath.Join(dir, joinedName), copts...)
		feed = newFeeder(conc)
		for _, w := range p.written {
			feed.add(w)
		}
	}

	sched = scheduler.New(scheduler.Config{
		Concurrency: opts.Threads,
		MaxRetries:  opts.Retries,
		TimeoutBase: opts.Timeout,
	}, worker,
		scheduler.WithHooks(a.schedulerHooks(p, feed, sv)),
		scheduler.WithFinished(p.names),
		scheduler.WithLogger(logger.With().Str(xglog.FieldComponent, "scheduler").Logger()),
	)
	sched.Push(p.pending...)
	if sv != nil {
		_ = sv.save(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	saveCtx, stopSaver := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopSaver()
		if feed != nil {
			defer feed.close()
		}
		return sched.Run(gctx)
	})
	if feed != nil {
		g.Go(func() error { return feed.run(gctx) })
	}
	if sv != nil {
		g.Go(func() error { return sv.run(saveCtx) })
	}
	runErr := g.Wait()
	stopSaver()

	if ctx.Err() != nil {
		return a.interrupted(ctx, logger, conc, sv)
	}
	if runErr != nil {
		a.closeConcentrator(logger, conc)
		a.saveNow(ctx, sv)
		return runErr
	}

	stats := sched.Stats()
	if opts.NoMerge {
		a.deleteCheckpoint(ctx, logger, p.task.ID)
		logger.Info().
			Str(xglog.FieldEvent, "archive.done").
			Str(xglog.FieldTempDir, dir).
			Int("dropped", stats.Dropped).
			Msg("segments downloaded, merge skipped")
		a.rt.events.emit(Event{Kind: EventFinished, Finished: a.finished(), Total: p.total, Bytes: a.bytes.Load(), Output: dir})
		return nil
	}

	if err := conc.WaitAllFilesWritten(ctx); err != nil {
		if ctx.Err() != nil {
			return a.interrupted(ctx, logger, nil, sv)
		}
		a.saveNow(ctx, sv)
		return fmt.Errorf("%w: assemble output: %v", ErrMerge, err)
	}
	outputs := conc.Outputs()
	if len(outputs) == 0 {
		a.saveNow(ctx, sv)
		return fmt.Errorf("%w: no segment was downloaded", ErrMerge)
	}

	finals := finalNames(opts.Output, len(outputs))
	for i, out := range outputs {
		if err := a.rt.merger.Merge(ctx, []string{out}, finals[i]); err != nil {
			a.saveNow(ctx, sv)
			logger.Error().Err(err).
				Str(xglog.FieldEvent, "archive.merge_failed").
				Str(xglog.FieldTempDir, dir).
				Msg("merge failed, temp files kept")
			return err
		}
		a.rt.events.emit(Event{Kind: EventMerged, Output: finals[i]})
	}

	a.deleteCheckpoint(ctx, logger, p.task.ID)
	if !opts.Keep {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str(xglog.FieldTempDir, dir).Msg("remove temp dir")
		}
	}
	logger.Info().
		Str(xglog.FieldEvent, "archive.done").
		Strs(xglog.FieldOutput, finals).
		Int(xglog.FieldFinished, a.finished()).
		Int("dropped", stats.Dropped).
		Int64("bytes", a.bytes.Load()).
		Msg("archive download finished")
	a.rt.events.emit(Event{Kind: EventFinished, Finished: a.finished(), Total: p.total, Bytes: a.bytes.Load(), Output: finals[0]})
	return nil
}

func (a *Archive) schedulerHooks(p *plan, feed *feeder, sv *saver) scheduler.Hooks {
	dir := p.task.TempDir
	return scheduler.Hooks{
		OnSuccess: func(t *scheduler.Task, _ time.Duration) {
			if feed != nil {
				feed.add(concentrator.Task{Path: filepath.Join(dir, t.Name), Index: t.Index})
			}
			a.mu.Lock()
			a.done++
			a.seconds += t.Segment.Duration
			done := a.done
			a.mu.Unlock()
			a.rt.events.emit(Event{
				Kind:     EventSegmentDone,
				Segment:  t.Name,
				Attempt:  t.Retries + 1,
				Finished: done,
				Total:    p.total,
				Bytes:    a.bytes.Load(),
			})
			sv.mark()
		},
		OnRetry: func(t *scheduler.Task, err error) {
			a.rt.events.emit(Event{Kind: EventSegmentRetry, Segment: t.Name, Attempt: t.Retries, Err: err})
		},
		OnDrop: func(t *scheduler.Task, err error) {
			if feed != nil {
				feed.drop(t.Index)
			}
			a.rt.events.emit(Event{Kind: EventSegmentDropped, Segment: t.Name, Attempt: t.Retries, Err: err})
			sv.mark()
		},
	}
}

func (a *Archive) finished() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// snapshot is the checkpoint of the run as it stands. Pending is every
// segment not finished yet, independent of where the scheduler holds it.
func (a *Archive) snapshot(p *plan, sched *scheduler.Scheduler) *checkpoint.Task {
	t := *p.task
	if sched != nil {
		t.Finished = sched.Finished()
	} else {
		t.Finished = append([]string(nil), p.names...)
	}
	a.mu.Lock()
	if a.initDone && p.init != nil && !slices.Contains(t.Finished, p.init.Name) {
		t.Finished = append(t.Finished, p.init.Name)
	}
	t.DownloadedSeconds = a.seconds
	a.mu.Unlock()
	sort.Strings(t.Finished)

	finished := make(map[string]bool, len(t.Finished))
	for _, n := range t.Finished {
		finished[n] = true
	}
	t.Pending = checkpoint.BuildPending(mainUnits(t.AllSegments), finished)
	t.DownloadedBytes = p.task.DownloadedBytes + a.bytes.Load()
	t.Keys = a.rt.keys.Snapshot()
	return &t
}

// mainUnits drops the initialization segment from all.
func mainUnits(all []checkpoint.Unit) []checkpoint.Unit {
	out := make([]checkpoint.Unit, 0, len(all))
	for _, u := range all {
		if isInitUnit(u) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func isInitUnit(u checkpoint.Unit) bool {
	return !u.Group && len(u.Segments) == 1 && u.Segments[0].Initial
}

func (a *Archive) saveNow(ctx context.Context, sv *saver) {
	if sv == nil {
		return
	}
	_ = sv.save(context.WithoutCancel(ctx))
}

// interrupted flushes what was received, writes the checkpoint and reports
// the interruption.
func (a *Archive) interrupted(ctx context.Context, logger zerolog.Logger, conc *concentrator.Concentrator, sv *saver) error {
	a.closeConcentrator(logger, conc)
	a.saveNow(ctx, sv)
	if a.rt.store == nil {
		logger.Warn().Str(xglog.FieldEvent, "archive.interrupted").Msg("download interrupted, no checkpoint store configured")
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	logger.Info().
		Str(xglog.FieldEvent, "archive.interrupted").
		Int(xglog.FieldFinished, a.finished()).
		Msg("download interrupted, progress saved")
	return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
}

func (a *Archive) closeConcentrator(logger zerolog.Logger, conc *concentrator.Concentrator) {
	if conc == nil {
		return
	}
	if err := conc.WaitAllFilesWritten(context.Background()); err != nil {
		logger.Debug().Err(err).Msg("partial output discarded")
	}
}

func (a *Archive) deleteCheckpoint(ctx context.Context, logger zerolog.Logger, id string) {
	if a.rt.store == nil {
		return
	}
	if err := a.rt.store.Delete(ctx, id); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		logger.Warn().Err(err).Msg("delete checkpoint")
	}
}

// finalNames maps n assembled outputs onto the requested path. More than one
// output means breakpoints split the recording; parts are numbered from 1.
func finalNames(output string, n int) []string {
	if n == 1 {
		return []string{output}
	}
	ext := filepath.Ext(output)
	base := output[:len(output)-len(ext)]
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s_%d%s", base, i+1, ext)
	}
	return out
}

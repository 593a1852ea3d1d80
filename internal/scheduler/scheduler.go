// Package scheduler runs segment downloads with bounded concurrency, owning
// retry and requeue policy for single segments and segment groups.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/Last-Order/Minyami-sub000/internal/telemetry"
)

// Worker downloads one task, decrypting it when needed. It must honour ctx
// and the per-attempt timeout.
type Worker interface {
	Fetch(ctx context.Context, t *Task, timeout time.Duration) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, t *Task, timeout time.Duration) error

func (f WorkerFunc) Fetch(ctx context.Context, t *Task, timeout time.Duration) error {
	return f(ctx, t, timeout)
}

type Config struct {
	Concurrency int
	// MaxRetries > 0 drops a task after MaxRetries+1 failed attempts.
	// Zero retries until success or cancellation.
	MaxRetries  int
	TimeoutBase time.Duration
	// Live runs end on End() instead of on the expected count.
	Live bool
}

// Hooks observe task transitions. They run on the scheduler goroutine and
// must not block.
type Hooks struct {
	OnStart   func(t *Task)
	OnSuccess func(t *Task, elapsed time.Duration)
	OnRetry   func(t *Task, err error)
	OnDrop    func(t *Task, err error)
}

type Option func(*Scheduler)

func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithFinished seeds names already completed in an earlier run.
func WithFinished(names []string) Option {
	return func(s *Scheduler) {
		for _, n := range names {
			s.finished[n] = true
		}
		s.preFinished = len(names)
	}
}

// Stats is a point-in-time view of scheduler progress.
type Stats struct {
	Expected int
	Finished int
	Dropped  int
	InFlight int
	Queued   int
}

type result struct {
	task    *Task
	group   *Group
	err     error
	elapsed time.Duration
}

// Scheduler is an event loop: one goroutine owns the queue, counters and
// finished set; workers report back over a channel.
type Scheduler struct {
	cfg    Config
	worker Worker
	hooks  Hooks
	logger zerolog.Logger
	tracer trace.Tracer

	// inbox is written by Push/End/SetExpected and drained by the loop.
	inboxMu  sync.Mutex
	inbox    []Unit
	ended    bool
	expected int
	wake     chan struct{}

	// loop state, readable under stateMu by Pending/Stats.
	stateMu     sync.RWMutex
	queue       []Unit
	finished    map[string]bool
	preFinished int
	nFinished   int
	nDropped    int
	inFlight    int
	running     map[*Task]struct{}
	pushed      int

	results chan result
	started bool
}

func New(cfg Config, w Worker, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.TimeoutBase <= 0 {
		cfg.TimeoutBase = 60 * time.Second
	}
	s := &Scheduler{
		cfg:      cfg,
		worker:   w,
		logger:   xglog.WithComponent("scheduler"),
		tracer:   telemetry.Tracer("github.com/Last-Order/Minyami-sub000/internal/scheduler"),
		expected: -1,
		wake:     make(chan struct{}, 1),
		finished: make(map[string]bool),
		running:  make(map[*Task]struct{}),
		results:  make(chan result, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends units to the queue. Safe before and during Run.
func (s *Scheduler) Push(units ...Unit) {
	if len(units) == 0 {
		return
	}
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, units...)
	s.inboxMu.Unlock()
	s.notify()
}

// SetExpected sets the number of tasks whose completion ends an archive
// run. Without it the run ends when every pushed task is finished or dropped.
func (s *Scheduler) SetExpected(n int) {
	s.inboxMu.Lock()
	s.expected = n
	s.inboxMu.Unlock()
	s.notify()
}

// End declares that no more units will be pushed to a live run.
func (s *Scheduler) End() {
	s.inboxMu.Lock()
	s.ended = true
	s.inboxMu.Unlock()
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns a deep copy of the queued units plus tasks in flight.
// A task between a failed attempt and its requeue is not included.
func (s *Scheduler) Pending() []Unit {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	units := append([]Unit(nil), s.queue...)
	running := make([]*Task, 0, len(s.running))
	for t := range s.running {
		running = append(running, t)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Index < running[j].Index })
	for _, t := range running {
		if t.group != nil && len(t.group.Actions) > 0 {
			units = append(units, &Group{Tasks: []*Task{t}, Actions: t.group.Actions})
			continue
		}
		units = append(units, t)
	}
	return Clone(append(units, s.inbox...))
}

// Finished returns the names completed so far.
func (s *Scheduler) Finished() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]string, 0, len(s.finished))
	for n := range s.finished {
		out = append(out, n)
	}
	return out
}

func (s *Scheduler) Stats() Stats {
	s.inboxMu.Lock()
	expected := s.expected
	s.inboxMu.Unlock()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if expected < 0 {
		expected = s.pushed
	}
	return Stats{
		Expected: expected,
		Finished: s.nFinished,
		Dropped:  s.nDropped,
		InFlight: s.inFlight,
		Queued:   Count(s.queue),
	}
}

// Run drives the queue until completion or ctx cancellation. On
// cancellation it waits for running attempts to return, requeues them
// without counting a retry and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if s.started {
		return errors.New("scheduler: Run called twice")
	}
	s.started = true

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		s.drainInbox()

		if ctx.Err() == nil {
			s.startAvailable(workCtx)
		}
		metrics.SetSchedulerDepth(s.inFlight, len(s.queue))

		if s.inFlight == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.complete() {
				s.logger.Info().
					Str(xglog.FieldEvent, "scheduler.complete").
					Int(xglog.FieldFinished, s.nFinished).
					Int("dropped", s.nDropped).
					Msg("all segments processed")
				return nil
			}
		}

		select {
		case r := <-s.results:
			s.handle(ctx, r)
		case <-s.wake:
		case <-ctx.Done():
			// Wake the loop so that in-flight attempts are collected.
			cancel()
			if s.inFlight == 0 {
				return ctx.Err()
			}
			r := <-s.results
			s.handle(ctx, r)
		}
	}
}

// drainInbox moves pushed units into the queue. Both locks are held so that
// Pending never observes a unit that left the inbox but is not queued yet.
func (s *Scheduler) drainInbox() {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if len(s.inbox) == 0 {
		return
	}
	units := s.inbox
	s.inbox = nil

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, u := range units {
		switch v := u.(type) {
		case *Task:
			if s.finished[v.Name] {
				continue
			}
			s.queue = append(s.queue, v)
			s.pushed++
		case *Group:
			kept := make([]*Task, 0, len(v.Tasks))
			for _, t := range v.Tasks {
				if s.finished[t.Name] {
					continue
				}
				t.group = v
				kept = append(kept, t)
			}
			v.Tasks = kept
			if len(kept) == 0 {
				continue
			}
			v.drained = false
			v.replay = len(v.Actions) > 0
			s.queue = append(s.queue, v)
			s.pushed += len(kept)
		}
	}
}

func (s *Scheduler) complete() bool {
	if len(s.queue) > 0 {
		return false
	}
	s.inboxMu.Lock()
	ended, expected := s.ended, s.expected
	s.inboxMu.Unlock()

	if s.cfg.Live {
		return ended
	}
	if expected < 0 {
		return s.nFinished+s.nDropped >= s.pushed
	}
	return s.preFinished+s.nFinished+s.nDropped >= expected
}

// startAvailable starts work while slots are free. A group at the head
// blocks the queue while its actions run.
func (s *Scheduler) startAvailable(ctx context.Context) {
	for s.inFlight < s.cfg.Concurrency && len(s.queue) > 0 {
		switch head := s.queue[0].(type) {
		case *Task:
			s.stateMu.Lock()
			s.queue = s.queue[1:]
			s.inFlight++
			s.stateMu.Unlock()
			s.start(ctx, head)

		case *Group:
			if head.running {
				return
			}
			if head.replay && len(head.Actions) > 0 {
				head.running = true
				s.stateMu.Lock()
				s.inFlight++
				s.stateMu.Unlock()
				go s.runActions(ctx, head)
				return
			}
			t := head.Tasks[0]
			s.stateMu.Lock()
			head.Tasks = head.Tasks[1:]
			if len(head.Tasks) == 0 {
				head.drained = true
				s.queue = s.queue[1:]
			}
			s.inFlight++
			s.stateMu.Unlock()
			s.start(ctx, t)
		}
	}
}

func (s *Scheduler) start(ctx context.Context, t *Task) {
	s.stateMu.Lock()
	s.running[t] = struct{}{}
	s.stateMu.Unlock()

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(t)
	}
	timeout := s.timeoutFor(t)
	go func() {
		ctx, span := s.tracer.Start(ctx, "scheduler.fetch", trace.WithAttributes(
			telemetry.SegmentAttributes(t.Name, t.Segment.Sequence, t.Retries, t.Segment.Encrypted())...,
		))
		begin := time.Now()
		err := s.worker.Fetch(ctx, t, timeout)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.results <- result{task: t, err: err, elapsed: time.Since(begin)}
	}()
}

func (s *Scheduler) runActions(ctx context.Context, g *Group) {
	var err error
	for _, a := range g.Actions {
		if err = a(ctx); err != nil {
			break
		}
	}
	s.results <- result{group: g, err: err}
}

// timeoutFor grows the attempt timeout with the retry count, capped at 5x.
func (s *Scheduler) timeoutFor(t *Task) time.Duration {
	factor := t.Retries + 1
	if factor > 5 {
		factor = 5
	}
	return s.cfg.TimeoutBase * time.Duration(factor)
}

func (s *Scheduler) handle(ctx context.Context, r result) {
	s.stateMu.Lock()
	s.inFlight--
	s.stateMu.Unlock()

	if r.group != nil {
		r.group.running = false
		if r.err != nil && ctx.Err() == nil {
			s.logger.Warn().
				Str(xglog.FieldEvent, "group.action_failed").
				Err(r.err).
				Int("members", len(r.group.Tasks)).
				Msg("group action failed, continuing with segments")
		}
		if ctx.Err() == nil {
			r.group.replay = false
		}
		return
	}

	t := r.task
	s.stateMu.Lock()
	delete(s.running, t)
	s.stateMu.Unlock()

	if r.err == nil {
		s.stateMu.Lock()
		s.finished[t.Name] = true
		s.nFinished++
		s.stateMu.Unlock()
		metrics.RecordSegment("done")
		if s.hooks.OnSuccess != nil {
			s.hooks.OnSuccess(t, r.elapsed)
		}
		return
	}

	// Cancelled attempts go back without consuming a retry.
	if ctx.Err() != nil {
		s.requeue(t)
		return
	}

	s.stateMu.Lock()
	t.Retries++
	drop := s.cfg.MaxRetries > 0 && t.Retries > s.cfg.MaxRetries
	if drop {
		s.nDropped++
	}
	s.stateMu.Unlock()
	if drop {
		metrics.RecordSegment("dropped")
		s.logger.Error().
			Str(xglog.FieldEvent, "segment.dropped").
			Str(xglog.FieldSegment, t.Name).
			Int(xglog.FieldAttempt, t.Retries).
			Err(r.err).
			Msg("segment dropped after exhausting retries")
		if s.hooks.OnDrop != nil {
			s.hooks.OnDrop(t, r.err)
		}
		return
	}

	metrics.RecordSegment("retry")
	s.logger.Warn().
		Str(xglog.FieldEvent, "segment.retry").
		Str(xglog.FieldSegment, t.Name).
		Int(xglog.FieldAttempt, t.Retries).
		Err(r.err).
		Msg("segment failed, requeued")
	if s.hooks.OnRetry != nil {
		s.hooks.OnRetry(t, r.err)
	}
	s.requeue(t)
}

// requeue applies the group rules: a task of a drained group gets a fresh
// single-member group with the same actions, a task of a live group goes
// back into it and forces an action replay, a bare task goes to the tail.
func (s *Scheduler) requeue(t *Task) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	g := t.group
	switch {
	case g == nil:
		s.queue = append(s.queue, t)
	case g.drained:
		ng := NewGroup([]*Task{t}, g.Actions)
		t.group = ng
		s.queue = append(s.queue, ng)
	default:
		g.Tasks = append(g.Tasks, t)
		g.replay = len(g.Actions) > 0
	}
}

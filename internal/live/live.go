// Package live polls a sliding-window media playlist and feeds newly seen
// segments to a sink until the stream ends or the poller is stopped.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrAborted is returned by Run after a second Stop.
var ErrAborted = errors.New("live download aborted")

type State int32

const (
	Idle State = iota
	Polling
	Draining
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Source returns the current playlist window.
type Source interface {
	Fetch(ctx context.Context) (*hls.MediaPlaylist, error)
}

// Notifier is implemented by sources that can signal a change before the
// poll interval elapses.
type Notifier interface {
	Changes() <-chan struct{}
}

// Sink receives discovered segments in playlist order.
type Sink interface {
	Push(segs []hls.Segment)
	// Gap reports sequence numbers from..to (inclusive) that slid out of the
	// window before they were seen.
	Gap(from, to int)
	// End is called once when no more segments will follow.
	End()
}

const (
	defaultMaxInterval      = 5 * time.Second
	defaultMaxFetchFailures = 10
)

type Option func(*Poller)

// WithIdentity sets the dedupe key of a segment. Default: its URL.
func WithIdentity(fn func(hls.Segment) string) Option {
	return func(p *Poller) { p.identity = fn }
}

// WithMaxFetchFailures ends Run after n consecutive failed refreshes.
func WithMaxFetchFailures(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithMaxInterval caps the sleep between polls.
func WithMaxInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.maxInterval = d
		}
	}
}

// WithOnPlaylist runs fn on every fetched playlist before its segments are
// pushed. An error from fn ends Run.
func WithOnPlaylist(fn func(ctx context.Context, pl *hls.MediaPlaylist) error) Option {
	return func(p *Poller) { p.onPlaylist = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

type Poller struct {
	src         Source
	sink        Sink
	identity    func(hls.Segment) string
	onPlaylist  func(ctx context.Context, pl *hls.MediaPlaylist) error
	maxFailures int
	maxInterval time.Duration
	logger      zerolog.Logger

	state  atomic.Int32
	stops  atomic.Int32
	stopCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool

	seen    map[string]struct{}
	lastSeq int
}

func New(src Source, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		src:         src,
		sink:        sink,
		identity:    func(s hls.Segment) string { return s.URL },
		maxFailures: defaultMaxFetchFailures,
		maxInterval: defaultMaxInterval,
		logger:      xglog.WithComponent("live"),
		stopCh:      make(chan struct{}),
		seen:        make(map[string]struct{}),
		lastSeq:     -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Debug().
			Str(xglog.FieldEvent, "live.state").
			Str(xglog.FieldState, s.String()).
			Str("from", old.String()).
			Msg("live state changed")
	}
}

// Stop requests a drain on the first call: the current cycle completes and
// the sink is ended. A second call aborts Run immediately.
func (p *Poller) Stop() {
	switch p.stops.Add(1) {
	case 1:
		if p.State() != Finished {
			p.setState(Draining)
		}
		close(p.stopCh)
	case 2:
		p.mu.Lock()
		p.aborted = true
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (p *Poller) isAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

func (p *Poller) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Run polls until the playlist ends, Stop is called or ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	aborted := p.aborted
	p.mu.Unlock()
	if aborted {
		return ErrAborted
	}

	if !p.stopping() {
		p.setState(Polling)
	}

	var changes <-chan struct{}
	if n, ok := p.src.(Notifier); ok {
		changes = n.Changes()
	}

	failures := 0
	for {
		pl, err := p.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return p.exitErr(ctx)
			}
			if errors.Is(err, hls.ErrParse) {
				metrics.RecordLivePoll(false, 0)
				p.logger.Error().
					Str(xglog.FieldEvent, "live.parse_failed").
					Err(err).
					Msg("playlist refresh is malformed")
				p.setState(Finished)
				return fmt.Errorf("live playlist: %w", err)
			}
			failures++
			metrics.RecordLivePoll(false, 0)
			p.logger.Warn().
				Str(xglog.FieldEvent, "live.poll_failed").
				Int(xglog.FieldAttempt, failures).
				Err(err).
				Msg("playlist refresh failed")
			if failures >= p.maxFailures {
				p.setState(Finished)
				return fmt.Errorf("live playlist: %d consecutive failures: %w", failures, err)
			}
		} else {
			failures = 0
			if err := p.cycle(ctx, pl); err != nil {
				if ctx.Err() != nil {
					return p.exitErr(ctx)
				}
				p.setState(Finished)
				return err
			}
			if pl.IsEnd {
				p.logger.Info().Str(xglog.FieldEvent, "live.ended").Msg("playlist declared end of stream")
				return p.finish()
			}
		}

		if p.stopping() {
			return p.finish()
		}

		interval := p.maxInterval
		if pl != nil {
			if avg := time.Duration(pl.AverageDuration() * float64(time.Second)); avg > 0 && avg < interval {
				interval = avg
			}
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-changes:
			timer.Stop()
		case <-p.stopCh:
			timer.Stop()
			return p.finish()
		case <-ctx.Done():
			timer.Stop()
			return p.exitErr(ctx)
		}
	}
}

func (p *Poller) exitErr(ctx context.Context) error {
	p.setState(Finished)
	if p.isAborted() {
		return ErrAborted
	}
	return ctx.Err()
}

func (p *Poller) finish() error {
	p.sink.End()
	p.setState(Finished)
	return nil
}

// cycle dedupes one playlist window against everything seen so far.
func (p *Poller) cycle(ctx context.Context, pl *hls.MediaPlaylist) error {
	if p.onPlaylist != nil {
		if err := p.onPlaylist(ctx, pl); err != nil {
			return err
		}
	}

	var fresh []hls.Segment
	for _, seg := range pl.Segments {
		id := p.identity(seg)
		if _, dup := p.seen[id]; dup {
			continue
		}
		p.seen[id] = struct{}{}
		if p.lastSeq >= 0 && seg.Sequence > p.lastSeq+1 {
			p.logger.Warn().
				Str(xglog.FieldEvent, "live.gap").
				Int("from", p.lastSeq+1).
				Int("to", seg.Sequence-1).
				Msg("playlist window moved past unseen segments")
			if len(fresh) > 0 {
				p.sink.Push(fresh)
				fresh = nil
			}
			p.sink.Gap(p.lastSeq+1, seg.Sequence-1)
		}
		if seg.Sequence > p.lastSeq {
			p.lastSeq = seg.Sequence
		}
		fresh = append(fresh, seg)
	}

	metrics.RecordLivePoll(true, len(fresh))
	p.logger.Debug().
		Str(xglog.FieldEvent, "live.poll").
		Int("window", len(pl.Segments)).
		Int("new", len(fresh)).
		Msg("playlist refreshed")
	if len(fresh) > 0 {
		p.sink.Push(fresh)
	}
	return nil
}

package download

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
)

const defaultSaveInterval = 2 * time.Second

// saver coalesces checkpoint writes. mark is cheap and never blocks, so it
// can be called from scheduler hooks. At most one save runs per interval.
type saver struct {
	store    checkpoint.Store
	snapshot func() *checkpoint.Task
	interval time.Duration
	logger   zerolog.Logger

	dirty chan struct{}
}

func newSaver(store checkpoint.Store, snapshot func() *checkpoint.Task, logger zerolog.Logger) *saver {
	return &saver{
		store:    store,
		snapshot: snapshot,
		interval: defaultSaveInterval,
		logger:   logger,
		dirty:    make(chan struct{}, 1),
	}
}

func (s *saver) mark() {
	if s == nil {
		return
	}
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// run saves after every mark, throttled to the interval, until ctx is done.
// Save failures are logged and never end the download.
func (s *saver) run(ctx context.Context) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.dirty:
		}
		if wait := s.interval - time.Since(last); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		_ = s.save(ctx)
		last = time.Now()
	}
}

// save writes the current snapshot now.
func (s *saver) save(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.store.Save(ctx, s.snapshot())
}

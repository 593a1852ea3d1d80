package download

import (
	"context"
	"sync"

	"github.com/Last-Order/Minyami-sub000/internal/concentrator"
)

// feeder hands completions from the scheduler goroutine to the
// concentrator. Scheduler hooks must not block, the concentrator may, so
// completions are buffered here and forwarded by run.
type feeder struct {
	conc *concentrator.Concentrator

	mu     sync.Mutex
	tasks  []concentrator.Task
	drops  []int
	closed bool
	wake   chan struct{}
}

func newFeeder(c *concentrator.Concentrator) *feeder {
	return &feeder{conc: c, wake: make(chan struct{}, 1)}
}

func (f *feeder) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feeder) add(t concentrator.Task) {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	f.signal()
}

func (f *feeder) drop(indices ...int) {
	f.mu.Lock()
	f.drops = append(f.drops, indices...)
	f.mu.Unlock()
	f.signal()
}

// close lets run return once everything buffered has been forwarded.
func (f *feeder) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()
}

func (f *feeder) run(ctx context.Context) error {
	for {
		f.mu.Lock()
		tasks, drops, closed := f.tasks, f.drops, f.closed
		f.tasks, f.drops = nil, nil
		f.mu.Unlock()

		if len(drops) > 0 {
			if err := f.conc.Drop(drops...); err != nil {
				return err
			}
		}
		if len(tasks) > 0 {
			if err := f.conc.AddTasks(tasks...); err != nil {
				return err
			}
		}
		if closed {
			f.mu.Lock()
			empty := len(f.tasks) == 0 && len(f.drops) == 0
			f.mu.Unlock()
			if empty {
				return nil
			}
			continue
		}

		select {
		case <-f.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

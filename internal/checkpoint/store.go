package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
)

// ErrNotFound is returned by Load when no checkpoint exists for an id.
var ErrNotFound = errors.New("checkpoint: not found")

// Backend names accepted by NewStore.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Store persists tasks keyed by Task.ID. Save is an upsert.
type Store interface {
	Save(ctx context.Context, t *Task) error
	Load(ctx context.Context, id string) (*Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Task, error)
	Close() error
}

// NewStore opens the store for backend at path. For json and sqlite path is
// a file, for badger a directory. An empty backend selects json.
func NewStore(backend, path string) (Store, error) {
	if backend == "" {
		backend = BackendJSON
	}

	var (
		s   Store
		err error
	)
	switch backend {
	case BackendJSON:
		s, err = NewJSONStore(path)
	case BackendSQLite:
		s, err = NewSQLiteStore(path)
	case BackendBadger:
		s, err = NewBadgerStore(path)
	case BackendMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s (supported: json, sqlite, badger, memory)", backend)
	}
	if err != nil {
		return nil, err
	}
	return &instrumented{
		Store:   s,
		backend: backend,
		logger:  xglog.WithComponent("checkpoint"),
		now:     time.Now,
	}, nil
}

// instrumented stamps timestamps on save and records save outcomes.
type instrumented struct {
	Store
	backend string
	logger  zerolog.Logger
	now     func() time.Time
}

func (s *instrumented) Save(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("checkpoint: task id is required")
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	err := s.Store.Save(ctx, t)
	metrics.RecordCheckpointSave(s.backend, err == nil)
	if err != nil {
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "checkpoint.save_failed").
			Str(xglog.FieldTaskID, t.ID).
			Msg("checkpoint save failed")
		return err
	}
	s.logger.Debug().
		Str(xglog.FieldEvent, "checkpoint.saved").
		Str(xglog.FieldTaskID, t.ID).
		Int(xglog.FieldFinished, len(t.Finished)).
		Int(xglog.FieldTotal, t.TotalSegments).
		Msg("checkpoint saved")
	return nil
}

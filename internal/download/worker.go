package download

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/fsutil"
	"github.com/Last-Order/Minyami-sub000/internal/keystore"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
)

// segmentWorker downloads one segment into dir and decrypts it in place when
// it carries a key.
type segmentWorker struct {
	dir       string
	fetcher   *httpx.Fetcher
	decrypter decrypt.Decrypter
	keys      *keystore.Store
	resolve   keystore.ResolveFunc
	// ivOverride replaces every segment IV when set.
	ivOverride string
	// onBytes reports the size of each successful download.
	onBytes func(t *scheduler.Task, n int64)
}

// path is the staged file of t, confined to dir.
func (w *segmentWorker) path(t *scheduler.Task) (string, error) {
	p, err := fsutil.ConfineRelPath(w.dir, t.Name)
	if err != nil {
		return "", fmt.Errorf("staged file %q: %w", t.Name, err)
	}
	return p, nil
}

func (w *segmentWorker) Fetch(ctx context.Context, t *scheduler.Task, timeout time.Duration) error {
	begin := time.Now()
	n, err := w.fetch(ctx, t, timeout)
	if err != nil {
		if ctx.Err() == nil {
			metrics.RecordSegmentFailure(classify(err))
		}
		return err
	}
	metrics.ObserveSegmentFetch(time.Since(begin), n)
	if w.onBytes != nil {
		w.onBytes(t, n)
	}
	return nil
}

func (w *segmentWorker) fetch(ctx context.Context, t *scheduler.Task, timeout time.Duration) (int64, error) {
	dest, err := w.path(t)
	if err != nil {
		return 0, err
	}
	seg := t.Segment
	if !seg.Encrypted() {
		return w.fetcher.Download(ctx, seg.URL, dest, timeout)
	}

	ivAttr := seg.Key.IV
	if w.ivOverride != "" {
		ivAttr = w.ivOverride
	}
	if ivAttr == "" && seg.Initial {
		return 0, errInitWithoutIV
	}

	raw := dest + ".enc"
	n, err := w.fetcher.Download(ctx, seg.URL, raw, timeout)
	if err != nil {
		return 0, err
	}
	defer os.Remove(raw)

	key, err := w.keys.Key(ctx, seg.Key.URI, w.resolve)
	if err != nil {
		return 0, err
	}
	iv, err := decrypt.IV(ivAttr, seg.Sequence)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", decrypt.ErrDecrypt, err)
	}
	if err := w.decrypter.Decrypt(ctx, raw, dest, key, iv); err != nil {
		return 0, err
	}
	xglog.FromContext(ctx).Trace().
		Str(xglog.FieldSegment, t.Name).
		Str(xglog.FieldKeyURI, seg.Key.URI).
		Msg("segment decrypted")
	return n, nil
}

// fetchOnce runs the worker outside the scheduler with a bounded number of
// attempts, for the initialization segment.
func (w *segmentWorker) fetchOnce(ctx context.Context, t *scheduler.Task, timeout time.Duration, attempts int) error {
	if attempts < 1 {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.Fetch(ctx, t, timeout*time.Duration(min(i+1, 5))); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("initialization segment %s: %w", t.Name, err)
}

package keystore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f"

func TestEnsure_ResolvesOnlyMissing(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(ctx, "https://k/a", testKey)

	var got []string
	err := s.Ensure(ctx, []string{"https://k/a", "https://k/b", "https://k/b"}, func(_ context.Context, missing []string, save func(string, string)) error {
		got = append(got, missing...)
		for _, m := range missing {
			save(m, "FFEEDDCCBBAA99887766554433221100")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://k/b"}, got)

	v, ok := s.Get("https://k/b")
	require.True(t, ok)
	assert.Equal(t, "ffeeddccbbaa99887766554433221100", v, "keys are normalised to lower case")
}

func TestEnsure_ConcurrentCallersShareOneResolution(t *testing.T) {
	s := New()
	var calls atomic.Int32
	release := make(chan struct{})

	resolve := func(_ context.Context, missing []string, save func(string, string)) error {
		calls.Add(1)
		<-release
		for _, m := range missing {
			save(m, testKey)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Key(context.Background(), "https://k/live", resolve)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnsure_ResolverLeavesLocatorUnset(t *testing.T) {
	s := New()
	err := s.Ensure(context.Background(), []string{"https://k/x"}, func(context.Context, []string, func(string, string)) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolved))
	assert.Contains(t, err.Error(), "https://k/x")
}

func TestEnsure_ResolverError(t *testing.T) {
	s := New()
	err := s.Ensure(context.Background(), []string{"https://k/x"}, func(context.Context, []string, func(string, string)) error {
		return errors.New("forbidden")
	})
	assert.True(t, errors.Is(err, ErrUnresolved))
}

func TestPut_WriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(ctx, "l", testKey)
	s.Put(ctx, "l", "ffffffffffffffffffffffffffffffff")
	v, _ := s.Get("l")
	assert.Equal(t, testKey, v)
}

func TestMirror_RestoresWithoutResolving(t *testing.T) {
	ctx := context.Background()
	mirror := cache.NewMemoryCache(0)
	defer mirror.Close()

	first := New(WithMirror(mirror, 0))
	first.Put(ctx, "https://k/a", testKey)

	second := New(WithMirror(mirror, 0))
	err := second.Ensure(ctx, []string{"https://k/a"}, func(context.Context, []string, func(string, string)) error {
		t.Fatal("resolver should not run when the mirror has the key")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"https://k/a": testKey}, second.Snapshot())
}

// Package keystore maps absolute key locator URLs to hex encoded AES keys.
//
// Entries are written once and never evicted for the lifetime of a run.
// Concurrent requests for the same unresolved locators collapse into a single
// resolver call.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnresolved reports locators still without a key after resolution ran.
var ErrUnresolved = errors.New("key resolution failed")

// ResolveFunc acquires keys for missing locators and saves them through save.
type ResolveFunc func(ctx context.Context, missing []string, save func(locator, hexKey string)) error

type Store struct {
	keys   sync.Map // locator -> hex key
	group  singleflight.Group
	mirror cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

type Option func(*Store)

// WithMirror copies every saved key into c and consults c before resolving.
func WithMirror(c cache.Cache, ttl time.Duration) Option {
	return func(s *Store) {
		s.mirror = c
		s.ttl = ttl
	}
}

func New(opts ...Option) *Store {
	s := &Store{logger: xglog.WithComponent("keystore")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the key for locator if it has been resolved.
func (s *Store) Get(locator string) (string, bool) {
	v, ok := s.keys.Load(locator)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Put records a key. A locator that already has a different key keeps the first.
func (s *Store) Put(ctx context.Context, locator, hexKey string) {
	hexKey = strings.ToLower(strings.TrimSpace(hexKey))
	prev, loaded := s.keys.LoadOrStore(locator, hexKey)
	if loaded {
		if prev.(string) != hexKey {
			s.logger.Warn().
				Str(xglog.FieldKeyURI, locator).
				Msg("ignoring conflicting key for already resolved locator")
		}
		return
	}
	if s.mirror != nil {
		s.mirror.Set(ctx, locator, hexKey, s.ttl)
	}
}

// Missing returns the locators without a key, in input order, after
// consulting the mirror.
func (s *Store) Missing(ctx context.Context, locators []string) []string {
	var missing []string
	seen := make(map[string]bool, len(locators))
	for _, loc := range locators {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		if _, ok := s.Get(loc); ok {
			continue
		}
		if s.mirror != nil {
			if v, ok := s.mirror.Get(ctx, loc); ok {
				s.keys.LoadOrStore(loc, v)
				s.logger.Debug().Str(xglog.FieldKeyURI, loc).Msg("key restored from cache")
				continue
			}
		}
		missing = append(missing, loc)
	}
	return missing
}

// Ensure resolves every locator in locators that has no key yet. Callers
// racing on the same missing set share one invocation of resolve.
func (s *Store) Ensure(ctx context.Context, locators []string, resolve ResolveFunc) error {
	missing := s.Missing(ctx, locators)
	if len(missing) == 0 {
		return nil
	}

	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	_, err, _ := s.group.Do(strings.Join(sorted, "\n"), func() (any, error) {
		// Another flight may have finished between Missing and Do.
		still := s.Missing(ctx, missing)
		if len(still) == 0 {
			return nil, nil
		}
		s.logger.Info().
			Str(xglog.FieldEvent, "key.resolve").
			Strs("locators", still).
			Msg("resolving encryption keys")
		return nil, resolve(ctx, still, func(locator, hexKey string) {
			s.Put(ctx, locator, hexKey)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	if left := s.Missing(ctx, missing); len(left) > 0 {
		return fmt.Errorf("%w: no key for %s", ErrUnresolved, strings.Join(left, ", "))
	}
	return nil
}

// Key returns the key for locator, resolving it first when needed.
func (s *Store) Key(ctx context.Context, locator string, resolve ResolveFunc) (string, error) {
	if v, ok := s.Get(locator); ok {
		return v, nil
	}
	if err := s.Ensure(ctx, []string{locator}, resolve); err != nil {
		return "", err
	}
	v, _ := s.Get(locator)
	return v, nil
}

// Snapshot copies the resolved keys.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string)
	s.keys.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

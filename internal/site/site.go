// Package site selects the per-site capabilities of a download: key
// acquisition, segment naming and group actions.
package site

import (
	"context"
	"sort"
	"sync"

	"github.com/Last-Order/Minyami-sub000/internal/fsutil"
	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
)

// KeyUpdate is handed to Hooks.OnKeyUpdated whenever a playlist reveals key
// locators that have no key yet.
type KeyUpdate struct {
	Locators     []string
	ExplicitKeys map[string]string
	PlaylistURL  string
	SaveKey      func(locator, hexKey string)
}

// Hooks are fixed for the lifetime of a download.
type Hooks struct {
	// Keys are known up front, keyed by locator.
	Keys map[string]string
	// SegmentName overrides hls.Segment.DefaultName for staged files.
	SegmentName  func(hls.Segment) string
	OnKeyUpdated func(ctx context.Context, u KeyUpdate) error
	// GroupSize > 0 batches consecutive segments into groups sharing GroupActions.
	GroupSize    int
	GroupActions []func(ctx context.Context) error
}

// Name returns the staged file name of seg, reduced to a single path element.
func (h Hooks) Name(seg hls.Segment) string {
	if h.SegmentName != nil {
		return fsutil.SanitizeName(h.SegmentName(seg))
	}
	return fsutil.SanitizeName(seg.DefaultName())
}

// Request carries what a parser needs to prepare its hooks.
type Request struct {
	URL     string
	Fetcher *httpx.Fetcher
	// Key is a user supplied hex key applied to every locator.
	Key string
	// PingURL is requested before every segment group when set.
	PingURL   string
	GroupSize int
}

type Parser interface {
	Name() string
	Match(rawURL string) bool
	Prepare(ctx context.Context, req Request) (Hooks, error)
}

type entry struct {
	parser   Parser
	priority int
	order    int
}

// Registry picks the first matching parser by priority, falling back to a
// generic implementation.
type Registry struct {
	mu       sync.RWMutex
	entries  []entry
	fallback Parser
}

func NewRegistry(fallback Parser) *Registry {
	if fallback == nil {
		fallback = Generic{}
	}
	return &Registry{fallback: fallback}
}

// Register adds p. Higher priority is evaluated first; equal priorities keep
// registration order.
func (r *Registry) Register(p Parser, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{parser: p, priority: priority, order: len(r.entries)})
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].priority != r.entries[j].priority {
			return r.entries[i].priority > r.entries[j].priority
		}
		return r.entries[i].order < r.entries[j].order
	})
}

func (r *Registry) Lookup(rawURL string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.parser.Match(rawURL) {
			return e.parser
		}
	}
	return r.fallback
}

// DefaultRegistry holds the built-in parsers.
func DefaultRegistry() *Registry {
	return NewRegistry(Generic{})
}

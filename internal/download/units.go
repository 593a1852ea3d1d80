package download

import (
	"context"
	"fmt"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/scheduler"
	"github.com/Last-Order/Minyami-sub000/internal/site"
)

func groupActions(h site.Hooks) []scheduler.Action {
	if len(h.GroupActions) == 0 {
		return nil
	}
	out := make([]scheduler.Action, 0, len(h.GroupActions))
	for _, fn := range h.GroupActions {
		out = append(out, scheduler.Action(fn))
	}
	return out
}

// buildUnits turns segments into queue entries. index(i) gives the output
// position of segs[i]. With a group size, consecutive segments are batched
// into groups carrying the site's group actions.
func buildUnits(segs []hls.Segment, h site.Hooks, index func(i int, s hls.Segment) int) []scheduler.Unit {
	tasks := make([]*scheduler.Task, 0, len(segs))
	for i, s := range segs {
		tasks = append(tasks, &scheduler.Task{
			Name:    h.Name(s),
			Segment: s,
			Index:   index(i, s),
		})
	}

	if h.GroupSize <= 0 {
		out := make([]scheduler.Unit, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, t)
		}
		return out
	}

	actions := groupActions(h)
	var out []scheduler.Unit
	for start := 0; start < len(tasks); start += h.GroupSize {
		end := min(start+h.GroupSize, len(tasks))
		out = append(out, scheduler.NewGroup(tasks[start:end:end], actions))
	}
	return out
}

// keyResolver adapts the site key hook to the key store.
func keyResolver(h site.Hooks, playlistURL string) func(ctx context.Context, missing []string, save func(string, string)) error {
	return func(ctx context.Context, missing []string, save func(string, string)) error {
		if h.OnKeyUpdated == nil {
			return errNoKeyHook
		}
		return h.OnKeyUpdated(ctx, site.KeyUpdate{
			Locators:     missing,
			ExplicitKeys: h.Keys,
			PlaylistURL:  playlistURL,
			SaveKey:      save,
		})
	}
}

// checkEncryption rejects key methods that cannot be decrypted and an
// encrypted initialization segment without an IV.
func checkEncryption(segs []hls.Segment, ivOverride string) error {
	for _, s := range segs {
		if s.Key != nil && s.Key.Method != hls.MethodNone && s.Key.Method != hls.MethodAES128 {
			return &unsupportedError{method: s.Key.Method}
		}
		if s.Initial && s.Encrypted() && s.Key.IV == "" && ivOverride == "" {
			return errInitWithoutIV
		}
	}
	return nil
}

// keyLocators lists the distinct key URIs of segs in first-seen order.
func keyLocators(segs []hls.Segment) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range segs {
		if !s.Encrypted() || seen[s.Key.URI] {
			continue
		}
		seen[s.Key.URI] = true
		out = append(out, s.Key.URI)
	}
	return out
}

// prepareHooks asks the site parser matching playlistURL for its hooks.
func (r *runtime) prepareHooks(ctx context.Context, playlistURL string) (site.Hooks, error) {
	p := r.registry.Lookup(playlistURL)
	h, err := p.Prepare(ctx, site.Request{
		URL:       playlistURL,
		Fetcher:   r.fetcher,
		Key:       r.opts.Key,
		PingURL:   r.opts.PingURL,
		GroupSize: r.opts.GroupSize,
	})
	if err != nil {
		return site.Hooks{}, fmt.Errorf("site %s: %w", p.Name(), err)
	}
	r.logger.Debug().
		Str("site", p.Name()).
		Int("group_size", h.GroupSize).
		Msg("site hooks prepared")
	return h, nil
}

// unitSegments flattens queue entries back to their segments.
func unitSegments(units []scheduler.Unit) []hls.Segment {
	var out []hls.Segment
	for _, u := range units {
		switch v := u.(type) {
		case *scheduler.Task:
			out = append(out, v.Segment)
		case *scheduler.Group:
			for _, t := range v.Tasks {
				out = append(out, t.Segment)
			}
		}
	}
	return out
}

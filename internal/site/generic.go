package site

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/validate"
)

// Generic fetches key locators over HTTP and hex encodes the 16 byte body.
type Generic struct{}

func (Generic) Name() string { return "generic" }

func (Generic) Match(string) bool { return true }

func (Generic) Prepare(_ context.Context, req Request) (Hooks, error) {
	h := Hooks{GroupSize: req.GroupSize}
	v := validate.New()
	v.HexBytes("key", req.Key, 16)
	if err := v.Err(); err != nil {
		return Hooks{}, err
	}

	h.OnKeyUpdated = func(ctx context.Context, u KeyUpdate) error {
		logger := xglog.WithComponentFromContext(ctx, "site")
		for _, loc := range u.Locators {
			if k, ok := u.ExplicitKeys[loc]; ok {
				u.SaveKey(loc, k)
				continue
			}
			if req.Key != "" {
				u.SaveKey(loc, req.Key)
				continue
			}
			key, err := fetchKey(ctx, req, loc)
			if err != nil {
				return err
			}
			logger.Debug().Str(xglog.FieldKeyURI, loc).Msg("key fetched")
			u.SaveKey(loc, key)
		}
		return nil
	}

	if req.PingURL != "" && req.Fetcher != nil {
		ping := req.PingURL
		h.GroupActions = append(h.GroupActions, func(ctx context.Context) error {
			_, err := req.Fetcher.Get(ctx, ping)
			return err
		})
	}
	return h, nil
}

func fetchKey(ctx context.Context, req Request, locator string) (string, error) {
	var raw []byte
	switch {
	case strings.HasPrefix(locator, "data:"):
		i := strings.Index(locator, ",")
		if i < 0 || !strings.Contains(locator[:i], ";base64") {
			return "", fmt.Errorf("unsupported data key locator")
		}
		b, err := base64.StdEncoding.DecodeString(locator[i+1:])
		if err != nil {
			return "", fmt.Errorf("decode data key: %w", err)
		}
		raw = b
	default:
		if req.Fetcher == nil {
			return "", fmt.Errorf("no fetcher to retrieve key %s", locator)
		}
		resp, err := req.Fetcher.Get(ctx, locator)
		if err != nil {
			return "", fmt.Errorf("fetch key %s: %w", locator, err)
		}
		raw = resp.Body
	}
	if len(raw) != 16 {
		return "", fmt.Errorf("key %s: expected 16 bytes, got %d", locator, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

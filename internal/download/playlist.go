package download

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/Last-Order/Minyami-sub000/internal/download")

// isRemote reports whether src is fetched over HTTP rather than read from disk.
func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// loadMediaPlaylist fetches or reads src and follows a master playlist to
// its best variant.
func (r *runtime) loadMediaPlaylist(ctx context.Context, src, baseURL string) (pl *hls.MediaPlaylist, err error) {
	ctx, span := tracer.Start(ctx, "download.load_playlist")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(telemetry.PlaylistAttributes(pl.URL, pl.IsLive(), len(pl.Segments))...)
		}
		span.End()
	}()

	text, base, err := r.readPlaylist(ctx, src, baseURL)
	if err != nil {
		return nil, err
	}
	parsed, err := hls.Parse(text, base)
	if err != nil {
		return nil, fmt.Errorf("parse playlist %s: %w", src, err)
	}

	switch v := parsed.(type) {
	case *hls.MediaPlaylist:
		return v, nil
	case *hls.MasterPlaylist:
		best, err := v.Best()
		if err != nil {
			return nil, err
		}
		xglog.FromContext(ctx).Info().
			Str(xglog.FieldEvent, "playlist.variant").
			Str(xglog.FieldURL, best.URL).
			Int64("bandwidth", best.Bandwidth).
			Str("resolution", best.Resolution).
			Msg("selected variant")
		trace.SpanFromContext(ctx).AddEvent("variant selected")
		text, base, err := r.readPlaylist(ctx, best.URL, "")
		if err != nil {
			return nil, err
		}
		media, err := hls.ParseMedia(text, base)
		if err != nil {
			return nil, fmt.Errorf("parse playlist %s: %w", best.URL, err)
		}
		return media, nil
	}
	return nil, fmt.Errorf("unexpected playlist type %T", parsed)
}

func (r *runtime) readPlaylist(ctx context.Context, src, baseURL string) (text, base string, err error) {
	if isRemote(src) {
		resp, err := r.fetcher.Get(ctx, src)
		if err != nil {
			return "", "", err
		}
		return string(resp.Body), resp.FinalURL, nil
	}
	// #nosec G304 -- the playlist path is chosen by the operator
	b, err := os.ReadFile(src)
	if err != nil {
		return "", "", fmt.Errorf("read playlist %s: %w", src, err)
	}
	return string(b), baseURL, nil
}

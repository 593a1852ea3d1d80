package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrFetch classifies network and transport failures.
var ErrFetch = errors.New("fetch failed")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrFetch
}

// Fetcher performs GET requests with shared headers, pacing and retries.
type Fetcher struct {
	client  *http.Client
	headers http.Header
	retries int
	timeout time.Duration
	limiter *rate.Limiter
	backoff func(attempt int) time.Duration
	logger  zerolog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHeaders sets headers sent with every request.
func WithHeaders(h http.Header) FetcherOption {
	return func(f *Fetcher) { f.headers = h.Clone() }
}

// WithRetries sets how many times Get retries after the first attempt.
func WithRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n >= 0 {
			f.retries = n
		}
	}
}

// WithTimeout bounds each Get attempt.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithRateLimit paces requests to the origin. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) FetcherOption {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBackoff overrides the delay between Get attempts.
func WithBackoff(fn func(attempt int) time.Duration) FetcherOption {
	return func(f *Fetcher) { f.backoff = fn }
}

// NewFetcher wraps client. Defaults: 3 retries, 10s per attempt, quadratic backoff.
func NewFetcher(client *http.Client, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:  client,
		headers: http.Header{},
		retries: 3,
		timeout: 10 * time.Second,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt*500) * time.Millisecond
		},
		logger: xglog.WithComponent("httpx"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Response is a fully read body together with the final URL after redirects.
type Response struct {
	Body     []byte
	FinalURL string
}

// Get fetches url with retries. After the last attempt the error wraps ErrFetch.
func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			f.logger.Debug().
				Str(xglog.FieldEvent, "fetch.retry").
				Str(xglog.FieldURL, url).
				Int(xglog.FieldAttempt, attempt+1).
				Err(lastErr).
				Msg("retrying request")
		}

		resp, err := f.getOnce(ctx, url)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrFetch, url, f.retries+1, lastErr)
}

func (f *Fetcher) getOnce(ctx context.Context, url string) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, finalURL, err := f.open(reqCtx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return &Response{Body: data, FinalURL: finalURL}, nil
}

// Download performs a single attempt of GET url into dest, bounded by timeout.
// The body is staged in dest+".part" and renamed on success. Retry policy is
// owned by the caller.
func (f *Fetcher) Download(ctx context.Context, url, dest string, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, _, err := f.open(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer body.Close()

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("%w: read %s: %v", ErrFetch, url, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("close %s: %w", part, closeErr)
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

func (f *Fetcher) open(ctx context.Context, url string) (io.ReadCloser, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request for %s: %w", url, err)
	}
	for k, vs := range f.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, "", &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.Request.URL.String(), nil
}

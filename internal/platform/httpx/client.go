package httpx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/proxy"
)

const (
	defaultClientTimeout         = 5 * time.Second
	defaultDialTimeout           = 3 * time.Second
	defaultResponseHeaderTimeout = 3 * time.Second
	defaultIdleConnTimeout       = 30 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultMaxIdleConns          = 64
	defaultMaxIdleConnsPerHost   = 16
)

// ClientOptions configures a download client.
type ClientOptions struct {
	// Timeout bounds dial and response headers. The overall request deadline
	// is left to the caller's context so that segment timeouts can grow per attempt.
	Timeout time.Duration
	// Proxy is an http(s):// or socks5(h):// URL. Empty means the environment proxy.
	Proxy string
	// Trace wraps the transport with OpenTelemetry client spans.
	Trace bool
}

// NewClient returns a hardened HTTP client for playlist and key requests.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	transport := newTransport(timeout)
	transport.Proxy = http.ProxyFromEnvironment
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NewDownloadClient returns a client without an overall timeout, honoring the
// configured proxy. Callers bound each request with a context deadline.
func NewDownloadClient(opts ClientOptions) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	transport := newTransport(timeout)
	// Segment bodies may take long to start on slow CDNs; only the dial is capped.
	transport.ResponseHeaderTimeout = timeout

	if err := applyProxy(transport, opts.Proxy, timeout); err != nil {
		return nil, err
	}

	var rt http.RoundTripper = transport
	if opts.Trace {
		rt = otelhttp.NewTransport(transport)
	}
	return &http.Client{Transport: rt}, nil
}

func newTransport(timeout time.Duration) *http.Transport {
	dialTimeout := timeout
	if dialTimeout > defaultDialTimeout {
		dialTimeout = defaultDialTimeout
	}

	responseHeaderTimeout := timeout
	if responseHeaderTimeout > defaultResponseHeaderTimeout {
		responseHeaderTimeout = defaultResponseHeaderTimeout
	}

	return &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
	}
}

func applyProxy(transport *http.Transport, rawProxy string, timeout time.Duration) error {
	if rawProxy == "" {
		transport.Proxy = http.ProxyFromEnvironment
		return nil
	}
	u, err := ParseProxy(rawProxy)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second})
		if err != nil {
			return fmt.Errorf("socks proxy %s: %w", u.Redacted(), err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	}
	return nil
}

// ParseProxy validates a proxy URL. A bare host:port is treated as http.
func ParseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
		}
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("invalid proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy %q: missing host", raw)
	}
	return u, nil
}

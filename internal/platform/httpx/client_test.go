package httpx

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_DefaultTimeoutAndTransport(t *testing.T) {
	client := NewClient(0)
	if client.Timeout != defaultClientTimeout {
		t.Fatalf("timeout = %v, want %v", client.Timeout, defaultClientTimeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport type = %T, want *http.Transport", client.Transport)
	}
	if transport.MaxIdleConnsPerHost != defaultMaxIdleConnsPerHost {
		t.Fatalf("MaxIdleConnsPerHost = %d, want %d", transport.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost)
	}
	if transport.IdleConnTimeout != defaultIdleConnTimeout {
		t.Fatalf("IdleConnTimeout = %v, want %v", transport.IdleConnTimeout, defaultIdleConnTimeout)
	}
}

func TestNewClient_CapsDialAndHeaderTimeouts(t *testing.T) {
	client := NewClient(10 * time.Second)
	transport := client.Transport.(*http.Transport)
	if transport.TLSHandshakeTimeout != defaultDialTimeout {
		t.Fatalf("TLSHandshakeTimeout = %v, want %v", transport.TLSHandshakeTimeout, defaultDialTimeout)
	}
	if transport.ResponseHeaderTimeout != defaultResponseHeaderTimeout {
		t.Fatalf("ResponseHeaderTimeout = %v, want %v", transport.ResponseHeaderTimeout, defaultResponseHeaderTimeout)
	}
}

func TestNewDownloadClient_HTTPProxy(t *testing.T) {
	client, err := NewDownloadClient(ClientOptions{Timeout: 8 * time.Second, Proxy: "127.0.0.1:8080"})
	require.NoError(t, err)
	assert.Zero(t, client.Timeout, "download client must rely on per-request deadlines")

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, transport.ResponseHeaderTimeout)

	req := &http.Request{URL: &url.URL{Scheme: "https", Host: "cdn.example.com"}}
	proxyURL, err := transport.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", proxyURL.String())
}

func TestNewDownloadClient_SocksProxy(t *testing.T) {
	client, err := NewDownloadClient(ClientOptions{Proxy: "socks5://127.0.0.1:1080"})
	require.NoError(t, err)

	transport := client.Transport.(*http.Transport)
	assert.Nil(t, transport.Proxy)
	assert.NotNil(t, transport.DialContext)
}

func TestNewDownloadClient_TraceWrapsTransport(t *testing.T) {
	client, err := NewDownloadClient(ClientOptions{Trace: true})
	require.NoError(t, err)
	_, isPlain := client.Transport.(*http.Transport)
	assert.False(t, isPlain, "trace option should wrap the transport")
}

func TestParseProxy(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "http://proxy:3128", want: "http://proxy:3128"},
		{raw: "proxy:3128", want: "http://proxy:3128"},
		{raw: "socks5h://user:pw@proxy:1080", want: "socks5h://user:pw@proxy:1080"},
		{raw: "ftp://proxy:21", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseProxy(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

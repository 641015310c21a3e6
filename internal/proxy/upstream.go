package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultUpstreamHost is the fixed Messages API upstream.
	DefaultUpstreamHost = "api.anthropic.com"

	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 600 * time.Second
)

// UpstreamOption configures the upstream client.
type UpstreamOption func(*Upstream)

// WithBaseURL overrides the upstream base URL. Tests point this at a local
// httptest server.
func WithBaseURL(baseURL string) UpstreamOption {
	return func(u *Upstream) {
		u.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithConnectTimeout bounds the upstream dial.
func WithConnectTimeout(d time.Duration) UpstreamOption {
	return func(u *Upstream) {
		u.connectTimeout = d
	}
}

// WithReadTimeout bounds the whole upstream exchange, including the time the
// response stream stays open.
func WithReadTimeout(d time.Duration) UpstreamOption {
	return func(u *Upstream) {
		u.readTimeout = d
	}
}

// Upstream is the HTTP client for the fixed upstream host. Redirects are
// never followed and response bodies are never decoded in flight, so the
// bytes handed back are exactly the bytes the upstream sent.
type Upstream struct {
	baseURL        string
	client         *http.Client
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// NewUpstream builds the upstream client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL:        "https://" + DefaultUpstreamHost,
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.client == nil {
		u.client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: u.connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   u.connectTimeout,
				ResponseHeaderTimeout: u.readTimeout,
				// The capture pipeline parses bodies itself; automatic
				// gzip transparency would change the bytes on the wire.
				DisableCompression: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return u
}

// URLFor maps an inbound request path and query onto the upstream.
func (u *Upstream) URLFor(path, rawQuery string) string {
	target := u.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Host returns the upstream host for Host-header rewriting.
func (u *Upstream) Host() string {
	if i := strings.Index(u.baseURL, "://"); i >= 0 {
		return u.baseURL[i+3:]
	}
	return u.baseURL
}

// Do executes the request.
func (u *Upstream) Do(req *http.Request) (*http.Response, error) {
	return u.client.Do(req)
}

// ReadTimeout exposes the exchange deadline for the forwarder's context.
func (u *Upstream) ReadTimeout() time.Duration {
	return u.readTimeout
}

// hopByHopHeaders are connection-scoped and must not cross the proxy hop in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
}

// copyHeaders copies all headers from src to dst, skipping hop-by-hop ones.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

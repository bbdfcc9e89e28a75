// Package httpkit builds the HTTP clients used for every outbound call
// Parley makes: model providers, embeddings, the speech gateway health
// check, and screen perception. Clients share dial and TLS timeouts,
// stamp a Parley User-Agent plus any per-provider credentials on every
// request, and can retry dial failures.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*options)

type options struct {
	timeout        time.Duration
	responseHeader time.Duration
	header         http.Header
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it and
// leaves deadlines to the request context, which streaming model calls
// need.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithResponseHeaderTimeout bounds the wait for response headers. Hosted
// models can take well over the default to start answering.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.responseHeader = d }
}

// WithHeader adds a header sent on every request that does not already
// carry it. Use it for API keys and bearer tokens.
func WithHeader(key, value string) ClientOption {
	return func(o *options) { o.header.Set(key, value) }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return WithHeader("User-Agent", ua)
}

// WithRetry retries requests that fail before reaching the server.
// The Nth retry waits N times delay. Requests with a body are retried
// only when GetBody can rewind it.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewTransport creates an http.Transport with the package defaults.
func NewTransport(responseHeader time.Duration) *http.Transport {
	if responseHeader <= 0 {
		responseHeader = DefaultResponseHeader
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: responseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with the shared defaults.
func NewClient(opts ...ClientOption) *http.Client {
	o := &options{
		timeout: 30 * time.Second,
		header:  http.Header{"User-Agent": {buildinfo.UserAgent()}},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	var rt http.RoundTripper = &headerTransport{
		base:   NewTransport(o.responseHeader),
		header: o.header,
	}
	if o.retries > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  o.retries,
			delay:  o.retryDelay,
			logger: o.logger,
		}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// headerTransport fills in default headers the request left unset.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := false
	for key, values := range t.header {
		if req.Header.Get(key) != "" {
			continue
		}
		if !cloned {
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[key] = values
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for an error message,
// then drains and closes the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// Package httpkit builds the outbound HTTP clients ai-persona uses for
// provider calls, webhook deliveries and health probes, plus small
// helpers for JSON requests and bounded body reads.
//
// Every client shares one transport shape: short dial and TLS limits,
// a bounded idle pool and the ai-persona User-Agent. Options layer
// tracing and dial-failure retry on top.
package httpkit

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nugget/ai-persona/internal/buildinfo"
)

// Transport limits.
const (
	DialTimeout           = 5 * time.Second
	KeepAlive             = 30 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 20 * time.Second
	IdleConnTimeout       = 90 * time.Second
	MaxIdleConns          = 20
	MaxIdleConnsPerHost   = 5

	// MaxResponseBody caps how much of a provider or webhook response
	// is buffered in memory.
	MaxResponseBody = 8 << 20
)

// DefaultTimeout is the whole-request limit when WithTimeout is not given.
const DefaultTimeout = 30 * time.Second

type options struct {
	timeout        time.Duration
	userAgent      string
	base           http.RoundTripper
	responseHeader time.Duration
	traced         bool
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// ClientOption configures NewClient.
type ClientOption func(*options)

// WithTimeout sets http.Client.Timeout. Zero means no limit, which
// streaming callers need; they bound the call with a context instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the ai-persona User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport replaces the shared transport, typically with a test
// double.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *options) { o.base = rt }
}

// WithResponseHeaderTimeout changes how long the shared transport waits
// for response headers. Ignored with WithTransport.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.responseHeader = d }
}

// WithTracing wraps the transport so every request gets a client span
// and propagates trace context.
func WithTracing() ClientOption {
	return func(o *options) { o.traced = true }
}

// WithRetry retries requests that failed to connect (host or network
// unreachable, connection refused) up to count times. The wait starts
// at delay and doubles per attempt. Requests whose body cannot be
// rewound are not retried.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger receives retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the package limits applied.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DialTimeout, KeepAlive: KeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client. Layers, outermost first: retry, tracing,
// User-Agent, transport.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{
		timeout:   DefaultTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	rt := o.base
	if rt == nil {
		t := NewTransport()
		if o.responseHeader > 0 {
			t.ResponseHeaderTimeout = o.responseHeader
		}
		rt = t
	}
	if o.userAgent != "" {
		rt = &userAgent{next: rt, value: o.userAgent}
	}
	if o.traced {
		rt = otelhttp.NewTransport(rt)
	}
	if o.retries > 0 {
		rt = &dialRetry{next: rt, attempts: o.retries, delay: o.retryDelay, logger: o.logger}
	}

	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// userAgent sets the User-Agent header when the caller left it empty.
type userAgent struct {
	next  http.RoundTripper
	value string
}

func (t *userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", t.value)
	return t.next.RoundTrip(out)
}

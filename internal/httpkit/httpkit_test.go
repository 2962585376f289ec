package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

// echoUA starts a server that answers with the request's User-Agent.
func echoUA(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.UserAgent())
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func fetch(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestNewClient_UserAgentHeader(t *testing.T) {
	url := echoUA(t)
	tests := []struct {
		name   string
		opts   []ClientOption
		preset string
		check  func(string) bool
	}{
		{"default", nil, "", func(ua string) bool { return strings.HasPrefix(ua, "ai-persona/") }},
		{"override", []ClientOption{WithUserAgent("persona-probe/0.1")}, "", func(ua string) bool { return ua == "persona-probe/0.1" }},
		{"caller header wins", nil, "webhook-test", func(ua string) bool { return ua == "webhook-test" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			if ua := fetch(t, NewClient(tt.opts...), req); !tt.check(ua) {
				t.Errorf("User-Agent = %q", ua)
			}
		})
	}
}

// countingTransport records calls without touching the network.
type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Request:    req,
	}, nil
}

func TestNewClient_WithTransport(t *testing.T) {
	ct := &countingTransport{}
	c := NewClient(WithTransport(ct))

	resp, err := c.Get("http://example.invalid/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ct.calls != 1 {
		t.Errorf("calls = %d, want 1", ct.calls)
	}
}

func TestNewJSONRequest(t *testing.T) {
	req, body, err := NewJSONRequest(context.Background(), http.MethodPost, "http://example.invalid/x", map[string]int{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"a":1}` {
		t.Errorf("body = %s", body)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if req.GetBody == nil {
		t.Error("GetBody should be set for retries")
	}
}

func TestReadBody_Limit(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 1000)))
	got, err := ReadBody(rc, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}
	rc := io.NopCloser(strings.NewReader("error details here"))
	if got := ReadErrorBody(rc, 512); got != "error details here" {
		t.Errorf("got %q", got)
	}
	rc = io.NopCloser(brokenReader{})
	if got := ReadErrorBody(rc, 512); !strings.Contains(got, "failed to read") {
		t.Errorf("expected failure message, got %q", got)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset mid-body") }

var errRefused = &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED}}

// refusing returns a transport that refuses the first n dials and
// then answers 200, along with a pointer to its call count.
func refusing(n int) (http.RoundTripper, *int) {
	calls := new(int)
	return roundTripFunc(func(*http.Request) (*http.Response, error) {
		*calls++
		if *calls <= n {
			return nil, errRefused
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}), calls
}

func TestDialRetry_Attempts(t *testing.T) {
	tests := []struct {
		name      string
		refusals  int
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{"first dial works", 0, 2, false, 1},
		{"recovers on retry", 1, 2, false, 2},
		{"gives up", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, calls := refusing(tt.refusals)
			rt := &dialRetry{next: next, attempts: tt.attempts, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://ollama.invalid/api/tags", nil)

			resp, err := rt.RoundTrip(req)
			if err == nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestDialRetry_StopsOnCancel(t *testing.T) {
	next, calls := refusing(100)
	rt := &dialRetry{next: next, attempts: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://ollama.invalid/", nil)

	start := time.Now()
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry wait ignored the context")
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestRetryableDialError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("tls: bad certificate"), false},
		{syscall.ECONNRESET, false},
		{context.DeadlineExceeded, false},
		{syscall.ECONNREFUSED, true},
		{syscall.EHOSTUNREACH, true},
		{syscall.ENETUNREACH, true},
		{fmt.Errorf("dial: %w", syscall.ENETUNREACH), true},
		{errRefused, true},
	}
	for _, tt := range tests {
		if got := retryableDialError(tt.err); got != tt.want {
			t.Errorf("retryableDialError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDialRetry_BodyWithoutGetBodyNotRetried(t *testing.T) {
	next, calls := refusing(1)
	rt := &dialRetry{next: next, attempts: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.com", io.NopCloser(strings.NewReader("payload")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected the connect error to surface")
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1 for a body that cannot be rewound", *calls)
	}
}

func TestDialRetry_RewindsJSONBody(t *testing.T) {
	var bodies []string
	calls := 0
	rt := &dialRetry{
		next: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			b, _ := io.ReadAll(req.Body)
			bodies = append(bodies, string(b))
			if calls == 1 {
				return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
			}
			return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody}, nil
		}),
		attempts: 2,
		delay:    time.Millisecond,
	}

	req, _, err := NewJSONRequest(context.Background(), http.MethodPost, "http://example.com", map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"k":"v"}` {
		t.Errorf("bodies = %q, want the same JSON twice", bodies)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestNewClient_Layers(t *testing.T) {
	url := echoUA(t)
	c := NewClient(WithTracing(), WithRetry(1, time.Millisecond))
	if _, ok := c.Transport.(*dialRetry); !ok {
		t.Errorf("outermost transport = %T, want *dialRetry", c.Transport)
	}
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if ua := fetch(t, c, req); !strings.HasPrefix(ua, "ai-persona/") {
		t.Errorf("User-Agent through traced client = %q", ua)
	}
}

func TestNewClient_ResponseHeaderTimeout(t *testing.T) {
	c := NewClient(WithResponseHeaderTimeout(time.Minute))
	ua, ok := c.Transport.(*userAgent)
	if !ok {
		t.Fatalf("transport = %T, want *userAgent", c.Transport)
	}
	tr, ok := ua.next.(*http.Transport)
	if !ok {
		t.Fatalf("base = %T, want *http.Transport", ua.next)
	}
	if tr.ResponseHeaderTimeout != time.Minute {
		t.Errorf("ResponseHeaderTimeout = %v, want 1m", tr.ResponseHeaderTimeout)
	}
}

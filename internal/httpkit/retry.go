package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"
)

// maxRetryDelay caps the doubling wait between connect attempts.
const maxRetryDelay = 10 * time.Second

// dialRetry repeats a request whose connection attempt failed. Only
// failures that happen before any byte reaches the server qualify, so
// a retried POST is never delivered twice.
type dialRetry struct {
	next     http.RoundTripper
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (t *dialRetry) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if !retryableDialError(err) || !rewindable(req) {
		return resp, err
	}

	wait := t.delay
	for attempt := 1; attempt <= t.attempts; attempt++ {
		t.debug("connect failed, retrying", req, "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxRetryDelay)

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			again.Body = body
		}

		resp, err = t.next.RoundTrip(again)
		if err == nil {
			t.debug("connected after retry", req, "attempts", attempt+1)
			return resp, nil
		}
		if !retryableDialError(err) {
			return resp, err
		}
	}
	return resp, err
}

func (t *dialRetry) debug(msg string, req *http.Request, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Debug(msg, append([]any{"method", req.Method, "host", req.URL.Host}, args...)...)
}

// rewindable reports whether req can be sent again: it has no body, or
// GetBody can produce a fresh copy.
func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// retryableDialError reports whether err means the connection was never
// established. ECONNRESET does not qualify: the peer may already have
// acted on the request.
func retryableDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

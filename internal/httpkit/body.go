package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// NewJSONRequest encodes payload and returns a request carrying it,
// along with the encoded bytes for logging. GetBody is set, so the
// request can be retried.
func NewJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, body, nil
}

// ReadBody returns at most limit bytes of rc and closes it.
func ReadBody(rc io.ReadCloser, limit int64) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer DrainAndClose(rc, 1024)
	return io.ReadAll(io.LimitReader(rc, limit))
}

// DrainAndClose discards up to limit unread bytes so the connection
// can go back to the pool, then closes rc.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response for use
// in messages. A read failure is described rather than returned.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := ReadBody(rc, limit)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

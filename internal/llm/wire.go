package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nugget/ai-persona/internal/httpkit"
)

// exchange is a completed HTTP round trip.
type exchange struct {
	status int
	body   []byte
}

// postJSON sends payload to endpoint and reads the whole response. A
// non-nil error means the request never completed (DNS, connect, TLS,
// timeout, read failure).
func (b *baseProvider) postJSON(ctx context.Context, endpoint string, headers map[string]string, payload any) (exchange, error) {
	req, body, err := httpkit.NewJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return exchange{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	b.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	resp, err := b.client.Do(req)
	if err != nil {
		return exchange{}, err
	}
	data, err := httpkit.ReadBody(resp.Body, httpkit.MaxResponseBody)
	if err != nil {
		return exchange{}, fmt.Errorf("read response: %w", err)
	}

	b.logger.Log(ctx, LevelTrace, "response payload", "status", resp.StatusCode, "json", string(data))
	return exchange{status: resp.StatusCode, body: data}, nil
}

// transportError renders err without the request URL, which may carry
// an API key in its query string.
func transportError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		err = uerr.Err
	}
	return err.Error()
}

// isObject reports whether body is a JSON object.
func isObject(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) > 0 && body[0] == '{' && json.Valid(body)
}

// rawJSON returns body as a RawMessage when it is valid JSON.
func rawJSON(body []byte) json.RawMessage {
	if !json.Valid(body) {
		return nil
	}
	return json.RawMessage(bytes.Clone(body))
}

// backendError extracts an error message reported in the body. Both
// {"error": {"message": "..."}} and {"error": "..."} are recognized.
func backendError(body []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 || string(env.Error) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(env.Error)
}

// failure builds an error Result.
func failure(provider, msg string) Result {
	return Result{Provider: provider, Error: msg}
}

func missingKey(provider, display string) Result {
	return failure(provider, fmt.Sprintf("Missing %s API key.", display))
}

func invalidResponse(provider, display string) Result {
	return failure(provider, fmt.Sprintf("Invalid response from %s.", display))
}

// interpret maps an exchange to a Result. extract pulls the assistant
// text from a decoded success body and reports false when the body does
// not have the expected shape.
func interpret(provider, display string, ex exchange, extract func([]byte) (string, bool)) Result {
	if !isObject(ex.body) {
		return invalidResponse(provider, display)
	}
	if msg := backendError(ex.body); msg != "" {
		return Result{Provider: provider, Error: msg, Raw: rawJSON(ex.body)}
	}
	if ex.status >= http.StatusBadRequest {
		return Result{
			Provider: provider,
			Error:    fmt.Sprintf("%s returned HTTP %d.", display, ex.status),
			Raw:      rawJSON(ex.body),
		}
	}
	text, ok := extract(ex.body)
	if !ok {
		return invalidResponse(provider, display)
	}
	return Result{Provider: provider, Output: text, Raw: rawJSON(ex.body)}
}

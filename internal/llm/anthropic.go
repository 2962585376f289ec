package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/ai-persona/internal/httpkit"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 1024
)

// AnthropicProvider calls the Anthropic Messages API. The system prompt
// travels in the top-level system field, and streaming consumes the
// API's server-sent events directly.
type AnthropicProvider struct {
	baseProvider
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Delta *anthropicDelta `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// request builds the Messages API body. Anthropic rejects an empty
// message list, so a bare system prompt is sent as the user turn.
func (p *AnthropicProvider) request(systemPrompt string, in Input, stream bool) anthropicRequest {
	msgs := turns(in)
	system := systemPrompt
	if len(msgs) == 0 && strings.TrimSpace(systemPrompt) != "" {
		msgs = []Message{{Role: "user", Content: systemPrompt}}
		system = ""
	}
	return anthropicRequest{
		Model:     p.cfg.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, systemPrompt string, in Input) Result {
	if p.cfg.APIKey == "" {
		return missingKey(ProviderAnthropic, "Anthropic")
	}

	ctx, cancel := context.WithTimeout(ctx, hostedTimeout)
	defer cancel()

	ex, err := p.postJSON(ctx, p.cfg.BaseURL+"/messages", p.headers(), p.request(systemPrompt, in, false))
	if err != nil {
		p.logger.Warn("request failed", "error", transportError(err))
		return failure(ProviderAnthropic, transportError(err))
	}

	return interpret(ProviderAnthropic, "Anthropic", ex, func(body []byte) (string, bool) {
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.Content == nil {
			return "", false
		}
		var sb strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				sb.WriteString(c.Text)
			}
		}
		return sb.String(), true
	})
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback) {
	defer emit(StreamEvent{Kind: KindDone})

	if p.cfg.APIKey == "" {
		emit(StreamEvent{Kind: KindError, Text: missingKey(ProviderAnthropic, "Anthropic").Error})
		return
	}

	req, body, err := httpkit.NewJSONRequest(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", p.request(systemPrompt, in, true))
	if err != nil {
		emit(StreamEvent{Kind: KindError, Text: err.Error()})
		return
	}
	for k, v := range p.headers() {
		req.Header.Set(k, v)
	}
	p.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("stream request failed", "error", transportError(err))
			emit(StreamEvent{Kind: KindError, Text: transportError(err)})
		}
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 0)

	if resp.StatusCode != http.StatusOK {
		data, _ := httpkit.ReadBody(resp.Body, 64*1024)
		msg := backendError(data)
		if msg == "" {
			msg = fmt.Sprintf("Anthropic returned HTTP %d.", resp.StatusCode)
		}
		p.logger.Error("API error", "status", resp.StatusCode, "message", msg)
		emit(StreamEvent{Kind: KindError, Text: msg})
		return
	}

	p.handleStreaming(ctx, resp, emit)
}

// handleStreaming reads "data:" lines until message_stop or EOF. The
// "event:" lines are redundant with each payload's type field.
func (p *AnthropicProvider) handleStreaming(ctx context.Context, resp *http.Response, emit StreamCallback) {
	scanner := bufio.NewScanner(resp.Body)
	// Increase scanner buffer for large events
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tokens := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				tokens++
				emit(StreamEvent{Kind: KindToken, Text: event.Delta.Text})
			}
		case "error":
			msg := "Anthropic stream error."
			if event.Error != nil && event.Error.Message != "" {
				msg = event.Error.Message
			}
			emit(StreamEvent{Kind: KindError, Text: msg})
		case "message_stop":
			p.logger.Debug("stream complete", "tokens", tokens)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			p.logger.Debug("stream cancelled", "tokens", tokens)
			return
		}
		emit(StreamEvent{Kind: KindError, Text: transportError(err)})
	}
}

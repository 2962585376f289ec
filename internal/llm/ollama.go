package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/ai-persona/internal/httpkit"
)

// OllamaProvider talks to a local (or cloud-proxied) Ollama daemon over
// /api/chat. It is the only backend that needs no credential, and it
// streams token by token as newline-delimited JSON.
type OllamaProvider struct {
	baseProvider
}

// ollamaRequest is the request format for Ollama chat API.
type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// ollamaChunk covers both /api/chat (message.content) and
// /api/generate (response) shapes, streamed or not.
type ollamaChunk struct {
	Message  *Message        `json:"message,omitempty"`
	Response *string         `json:"response,omitempty"`
	Done     bool            `json:"done"`
	Error    json.RawMessage `json:"error,omitempty"`
}

func (c ollamaChunk) text() (string, bool) {
	if c.Message != nil {
		return c.Message.Content, true
	}
	if c.Response != nil {
		return *c.Response, true
	}
	return "", false
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return ProviderOllama }

func (p *OllamaProvider) request(systemPrompt string, in Input, stream bool) ollamaRequest {
	return ollamaRequest{
		Model:    p.cfg.Model,
		Messages: chatMessages(systemPrompt, in),
		Stream:   stream,
	}
}

// Generate implements Provider.
func (p *OllamaProvider) Generate(ctx context.Context, systemPrompt string, in Input) Result {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	ex, err := p.postJSON(ctx, p.cfg.BaseURL+"/api/chat", nil, p.request(systemPrompt, in, false))
	if err != nil {
		p.logger.Warn("request failed", "error", err)
		return failure(ProviderOllama, transportError(err))
	}

	return interpret(ProviderOllama, "Ollama", ex, func(body []byte) (string, bool) {
		var chunk ollamaChunk
		if err := json.Unmarshal(body, &chunk); err != nil {
			return "", false
		}
		return chunk.text()
	})
}

// Stream implements Provider. Lines are decoded as they complete; a
// partial trailing line stays buffered until its newline arrives.
func (p *OllamaProvider) Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback) {
	done := false
	finish := func() {
		if !done {
			done = true
			emit(StreamEvent{Kind: KindDone})
		}
	}
	defer finish()

	req, _, err := httpkit.NewJSONRequest(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", p.request(systemPrompt, in, true))
	if err != nil {
		emit(StreamEvent{Kind: KindError, Text: err.Error()})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("stream request failed", "error", err)
			emit(StreamEvent{Kind: KindError, Text: transportError(err)})
		}
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 0)

	if resp.StatusCode != http.StatusOK {
		body, _ := httpkit.ReadBody(resp.Body, 64*1024)
		msg := backendError(body)
		if msg == "" {
			msg = fmt.Sprintf("Ollama returned HTTP %d.", resp.StatusCode)
		}
		emit(StreamEvent{Kind: KindError, Text: msg})
		return
	}

	var (
		lines  LineBuffer
		buf    = make([]byte, 4096)
		tokens int
	)
	for {
		n, readErr := resp.Body.Read(buf)
		for _, line := range lines.Push(buf[:n]) {
			var chunk ollamaChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				p.logger.Debug("skipping undecodable stream line", "error", err, "len", len(line))
				continue
			}
			if msg := backendError([]byte(line)); msg != "" {
				emit(StreamEvent{Kind: KindError, Text: msg})
			}
			if text, ok := chunk.text(); ok && text != "" {
				tokens++
				emit(StreamEvent{Kind: KindToken, Text: text})
			}
			if chunk.Done {
				p.logger.Debug("stream complete", "tokens", tokens)
				finish()
				return
			}
		}

		if readErr != nil {
			switch {
			case errors.Is(readErr, io.EOF):
				if lines.Pending() > 0 {
					p.logger.Debug("discarding unterminated stream tail", "bytes", lines.Pending())
				}
			case ctx.Err() != nil:
				// Client went away; closing the body aborts the upstream request.
				p.logger.Debug("stream cancelled", "tokens", tokens)
			default:
				emit(StreamEvent{Kind: KindError, Text: transportError(readErr)})
			}
			return
		}
	}
}

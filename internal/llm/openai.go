package llm

import (
	"context"
	"encoding/json"
)

// OpenAIProvider calls the OpenAI Chat Completions API. Streaming uses
// the synchronous fallback.
type OpenAIProvider struct {
	baseProvider
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message *Message `json:"message"`
	} `json:"choices"`
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt string, in Input) Result {
	return p.chatCompletion(ctx, ProviderOpenAI, "OpenAI", nil, systemPrompt, in)
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback) {
	syncStream(ctx, p, systemPrompt, in, emit)
}

// chatCompletion performs one /chat/completions call. It is shared by
// every OpenAI-compatible backend.
func (b *baseProvider) chatCompletion(ctx context.Context, provider, display string, extra map[string]string, systemPrompt string, in Input) Result {
	if b.cfg.APIKey == "" {
		return missingKey(provider, display)
	}

	ctx, cancel := context.WithTimeout(ctx, hostedTimeout)
	defer cancel()

	headers := map[string]string{"Authorization": "Bearer " + b.cfg.APIKey}
	for k, v := range extra {
		headers[k] = v
	}

	ex, err := b.postJSON(ctx, b.cfg.BaseURL+"/chat/completions", headers, chatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    chatMessages(systemPrompt, in),
		Temperature: 0.7,
	})
	if err != nil {
		b.logger.Warn("request failed", "error", transportError(err))
		return failure(provider, transportError(err))
	}

	return interpret(provider, display, ex, func(body []byte) (string, bool) {
		var resp chatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			return "", false
		}
		return resp.Choices[0].Message.Content, true
	})
}

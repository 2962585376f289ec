package llm

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// GeminiProvider calls Google's generateContent endpoint. The API key
// is passed as a query parameter, so request URLs must never be logged.
type GeminiProvider struct {
	baseProvider
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return ProviderGemini }

// contents maps turns onto Gemini roles; assistant becomes "model".
func geminiContents(in Input) []geminiContent {
	msgs := turns(in)
	out := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out = append(out, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return out
}

func (p *GeminiProvider) endpoint() string {
	return p.cfg.BaseURL + "/models/" + url.PathEscape(p.cfg.Model) +
		":generateContent?key=" + url.QueryEscape(p.cfg.APIKey)
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, systemPrompt string, in Input) Result {
	if p.cfg.APIKey == "" {
		return missingKey(ProviderGemini, "Google Gemini")
	}

	req := geminiRequest{Contents: geminiContents(in)}
	if len(req.Contents) == 0 {
		return failure(ProviderGemini, "Prompt content is required.")
	}
	req.GenerationConfig.Temperature = 0.7
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	ctx, cancel := context.WithTimeout(ctx, hostedTimeout)
	defer cancel()

	ex, err := p.postJSON(ctx, p.endpoint(), nil, req)
	if err != nil {
		p.logger.Warn("request failed", "error", transportError(err))
		return failure(ProviderGemini, transportError(err))
	}

	return interpret(ProviderGemini, "Google Gemini", ex, func(body []byte) (string, bool) {
		var resp geminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", false
		}
		// A response without candidates (e.g. fully safety-blocked) is
		// a success with empty output.
		if len(resp.Candidates) == 0 {
			return "", true
		}
		var texts []string
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != nil && *part.Text != "" {
				texts = append(texts, *part.Text)
			}
		}
		return strings.Join(texts, "\n\n"), true
	})
}

// Stream implements Provider.
func (p *GeminiProvider) Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback) {
	syncStream(ctx, p, systemPrompt, in, emit)
}

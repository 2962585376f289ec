package llm

import "context"

// OpenRouterProvider calls OpenRouter's OpenAI-compatible endpoint.
// The optional site URL and name are forwarded as the attribution
// headers OpenRouter uses for its rankings.
type OpenRouterProvider struct {
	baseProvider
}

// Name implements Provider.
func (p *OpenRouterProvider) Name() string { return ProviderOpenRouter }

// Generate implements Provider.
func (p *OpenRouterProvider) Generate(ctx context.Context, systemPrompt string, in Input) Result {
	headers := map[string]string{}
	if p.cfg.SiteURL != "" {
		headers["HTTP-Referer"] = p.cfg.SiteURL
	}
	if p.cfg.SiteName != "" {
		headers["X-Title"] = p.cfg.SiteName
	}
	return p.chatCompletion(ctx, ProviderOpenRouter, "OpenRouter", headers, systemPrompt, in)
}

// Stream implements Provider.
func (p *OpenRouterProvider) Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback) {
	syncStream(ctx, p, systemPrompt, in, emit)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/ai-persona/internal/httpkit"
)

// Provider is the interface every LLM backend implements.
//
// Generate never returns a Go error: configuration, transport, decoding
// and backend failures are all reported through [Result.Error].
//
// Stream emits zero or more KindToken events and exactly one KindDone,
// which is always last. KindError events, if any, precede KindDone.
// Stream returns only after KindDone has been emitted.
type Provider interface {
	Name() string
	Generate(ctx context.Context, systemPrompt string, in Input) Result
	Stream(ctx context.Context, systemPrompt string, in Input, emit StreamCallback)
}

// Provider names accepted in configuration.
const (
	ProviderOllama     = "ollama"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderNull       = "null"
)

// ErrUnknownProvider is returned by [New] for an unrecognized name.
var ErrUnknownProvider = errors.New("unknown provider")

// Request timeouts for Generate. Streams are bounded by the caller's
// context instead.
const (
	localTimeout  = 15 * time.Second
	hostedTimeout = 20 * time.Second
)

// responseHeaderTimeout is how long the default client waits for a
// backend to start answering. Ollama sends no headers until the model
// is loaded and a busy Anthropic can be slow to the first byte, so
// streams need far longer than the shared transport default.
var responseHeaderTimeout = 120 * time.Second

func defaultHTTPClient() *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(responseHeaderTimeout),
		httpkit.WithTracing(),
	)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	// SiteURL and SiteName identify the calling application to
	// OpenRouter (HTTP-Referer and X-Title headers). Optional.
	SiteURL  string
	SiteName string
}

type providerDefaults struct {
	baseURL string
	model   string
}

var defaults = map[string]providerDefaults{
	ProviderOllama:     {"http://localhost:11434", "minimax-m2:cloud"},
	ProviderOpenAI:     {"https://api.openai.com/v1", "gpt-4o-mini"},
	ProviderAnthropic:  {"https://api.anthropic.com/v1", "claude-3-haiku-20240307"},
	ProviderGemini:     {"https://generativelanguage.googleapis.com/v1beta", "gemini-1.5-flash"},
	ProviderOpenRouter: {"https://openrouter.ai/api/v1", "openai/gpt-4o-mini"},
}

// Names returns the provider names [New] accepts.
func Names() []string {
	return []string{ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOpenRouter, ProviderNull}
}

// Resolved returns c with the provider name lowercased (empty means
// ollama), defaults filled in and any trailing slash removed from the
// base URL.
func (c Config) Resolved() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.Model = strings.TrimSpace(c.Model)

	if d, ok := defaults[c.Provider]; ok {
		if c.BaseURL == "" {
			c.BaseURL = d.baseURL
		}
		if c.Model == "" {
			c.Model = d.model
		}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Option customizes provider construction.
type Option func(*options)

type options struct {
	client *http.Client
	logger *slog.Logger
}

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger; providers scope it with a provider attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New constructs the provider selected by cfg.Provider. It performs no
// I/O; credential checks happen when a request is made.
func New(cfg Config, opts ...Option) (Provider, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.client == nil {
		// No global timeout: streams can be long-lived. Generate applies
		// its own context deadline.
		o.client = defaultHTTPClient()
	}

	cfg = cfg.Resolved()
	base := baseProvider{
		cfg:    cfg,
		client: o.client,
		logger: o.logger.With("provider", cfg.Provider),
	}

	switch cfg.Provider {
	case ProviderOllama:
		return &OllamaProvider{baseProvider: base}, nil
	case ProviderOpenAI:
		return &OpenAIProvider{baseProvider: base}, nil
	case ProviderAnthropic:
		return &AnthropicProvider{baseProvider: base}, nil
	case ProviderGemini:
		return &GeminiProvider{baseProvider: base}, nil
	case ProviderOpenRouter:
		return &OpenRouterProvider{baseProvider: base}, nil
	case ProviderNull:
		return NullProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownProvider, cfg.Provider, strings.Join(Names(), ", "))
	}
}

// baseProvider carries what every HTTP-backed provider shares.
type baseProvider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

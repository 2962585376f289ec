// Package generate coordinates a single generation: it resolves the
// persona, selects the system prompt, builds the configured provider,
// dispatches the call and notifies observers of the outcome.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/llm"
	"github.com/nugget/ai-persona/internal/observability"
	"github.com/nugget/ai-persona/internal/persona"
)

// ErrPersonaNotFound is returned by Prepare when the request names a
// persona that does not exist. No provider is contacted.
var ErrPersonaNotFound = errors.New("persona not found")

// Request is one generation request as received from a client.
type Request struct {
	// Prompt is used as the system prompt when no persona is named.
	Prompt string `json:"prompt,omitempty"`

	PersonaID string            `json:"persona_id,omitempty"`
	UserInput string            `json:"user_input"`
	History   []llm.Message     `json:"conversation_history,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Completion is what observers receive after a successful generation.
type Completion struct {
	RequestID      string
	Request        Request
	Persona        *persona.Record // nil when no persona was named
	CompiledPrompt string
	Result         llm.Result
	Streamed       bool
	Duration       time.Duration
}

// PromptFilter may rewrite the effective system prompt before dispatch.
type PromptFilter func(ctx context.Context, prompt string, req Request) string

// Observer is notified after every successful generation. Observe runs
// on the request goroutine; implementations that do I/O should hand
// off to their own goroutine.
type Observer interface {
	Observe(ctx context.Context, c Completion)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(ctx context.Context, c Completion)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, c Completion) { f(ctx, c) }

// Hooks are the extension points of a Service.
type Hooks struct {
	PromptFilters []PromptFilter
	Observers     []Observer
}

// PersonaLookup reads personas by id. [persona.Store] satisfies it.
type PersonaLookup interface {
	Get(ctx context.Context, id string) (persona.Record, error)
}

// ProviderFactory builds a provider from a config snapshot.
type ProviderFactory func(cfg llm.Config) (llm.Provider, error)

// Service runs generations. It holds no per-request state and is safe
// for concurrent use.
type Service struct {
	personas PersonaLookup
	config   *config.Source
	factory  ProviderFactory
	hooks    Hooks
	bus      *events.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithProviderFactory replaces the default factory ([llm.New]).
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Service) { s.factory = f }
}

// WithHooks sets the prompt filters and observers.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithBus publishes lifecycle events to b.
func WithBus(b *events.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service reading personas from personas and provider
// settings from cfg.
func New(personas PersonaLookup, cfg *config.Source, opts ...Option) *Service {
	s := &Service{
		personas: personas,
		config:   cfg,
		logger:   slog.Default(),
		tracer:   observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		logger := s.logger
		s.factory = func(c llm.Config) (llm.Provider, error) {
			return llm.New(c, llm.WithLogger(logger))
		}
	}
	s.logger = s.logger.With("component", "generate")
	return s
}

// Call is a prepared generation: everything that can fail before
// output starts has been resolved.
type Call struct {
	ID       string
	Request  Request
	Persona  *persona.Record
	Prompt   string
	Provider llm.Provider

	svc    *Service
	logger *slog.Logger
}

// Prepare resolves the persona, the system prompt and the provider.
// It returns ErrPersonaNotFound (wrapped) for an unknown persona id.
func (s *Service) Prepare(ctx context.Context, req Request) (*Call, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate request id: %w", err)
	}

	call := &Call{ID: id.String(), Request: req, svc: s}
	call.logger = s.logger.With("request_id", call.ID)

	// One snapshot per request: a reload mid-request does not switch
	// providers under it.
	cfg := s.config.Current()

	if pid := strings.TrimSpace(req.PersonaID); pid != "" {
		rec, err := s.personas.Get(ctx, pid)
		if errors.Is(err, persona.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, pid)
		}
		if err != nil {
			return nil, fmt.Errorf("load persona %s: %w", pid, err)
		}
		call.Persona = &rec
		call.Prompt = persona.Compile(rec, persona.Context{Variables: contextVariables(cfg, req.Variables)})
	} else {
		call.Prompt = req.Prompt
	}

	for _, filter := range s.hooks.PromptFilters {
		call.Prompt = filter(ctx, call.Prompt, req)
	}

	provider, err := s.factory(cfg.Provider.LLM())
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	call.Provider = provider

	call.logger.Debug("generation prepared",
		"persona_id", req.PersonaID,
		"provider", provider.Name(),
		"prompt_len", len(call.Prompt),
		"history", len(req.History),
	)
	return call, nil
}

// contextVariables merges the configured site details with the
// request's variables. Request values win on a name clash.
func contextVariables(cfg *config.Config, req map[string]string) map[string]string {
	site := map[string]string{
		"site.name": cfg.Provider.SiteName,
		"site.url":  cfg.Provider.SiteURL,
	}
	vars := make(map[string]string, len(site)+len(req))
	for k, v := range site {
		if strings.TrimSpace(v) != "" {
			vars[k] = v
		}
	}
	maps.Copy(vars, req)
	return vars
}

// Generate prepares and runs a non-streaming generation.
func (s *Service) Generate(ctx context.Context, req Request) (llm.Result, error) {
	call, err := s.Prepare(ctx, req)
	if err != nil {
		return llm.Result{}, err
	}
	return call.Generate(ctx), nil
}

// Stream prepares and runs a streaming generation.
func (s *Service) Stream(ctx context.Context, req Request, emit llm.StreamCallback) error {
	call, err := s.Prepare(ctx, req)
	if err != nil {
		return err
	}
	call.Stream(ctx, emit)
	return nil
}

func (c *Call) input() llm.Input {
	return llm.Input{
		History:   llm.CleanHistory(c.Request.History),
		UserInput: c.Request.UserInput,
	}
}

func (c *Call) start(ctx context.Context, streamed bool) (context.Context, trace.Span) {
	ctx, span := c.svc.tracer.Start(ctx, "generate",
		trace.WithAttributes(
			attribute.String("request.id", c.ID),
			attribute.String("persona.id", c.Request.PersonaID),
			attribute.String("llm.provider", c.Provider.Name()),
			attribute.Bool("llm.streamed", streamed),
			attribute.Int("prompt.length", len(c.Prompt)),
		),
	)
	c.svc.bus.Emit(events.SourceGenerate, events.KindGenerateStart, map[string]any{
		"request_id": c.ID,
		"persona_id": c.Request.PersonaID,
		"provider":   c.Provider.Name(),
		"streamed":   streamed,
	})
	return ctx, span
}

// Generate runs the call and returns the provider's result. Provider
// failures are reported in the result, never as a Go error.
func (c *Call) Generate(ctx context.Context) llm.Result {
	began := time.Now()
	ctx, span := c.start(ctx, false)
	defer span.End()

	res := c.Provider.Generate(ctx, c.Prompt, c.input())
	c.finish(ctx, span, res, false, time.Since(began))
	return res
}

// Stream runs the call, forwarding every provider event to emit. The
// event sequence follows the [llm.Provider] streaming contract.
func (c *Call) Stream(ctx context.Context, emit llm.StreamCallback) {
	began := time.Now()
	ctx, span := c.start(ctx, true)
	defer span.End()

	var (
		aggregate strings.Builder
		firstErr  string
		tokens    int
	)
	c.Provider.Stream(ctx, c.Prompt, c.input(), func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			aggregate.WriteString(ev.Text)
			tokens++
		case llm.KindError:
			if firstErr == "" {
				firstErr = ev.Text
			}
		}
		emit(ev)
	})

	if ctx.Err() != nil {
		c.logger.Info("stream abandoned by client", "tokens", tokens, "elapsed", time.Since(began).Round(time.Millisecond))
		c.svc.bus.Emit(events.SourceStream, events.KindClientGone, map[string]any{
			"request_id": c.ID,
			"tokens":     tokens,
		})
		span.SetStatus(codes.Error, "client disconnected")
		return
	}

	res := llm.Result{Output: aggregate.String(), Provider: c.Provider.Name(), Error: firstErr}
	if res.Failed() {
		res.Output = ""
	}
	c.finish(ctx, span, res, true, time.Since(began))
}

func (c *Call) finish(ctx context.Context, span trace.Span, res llm.Result, streamed bool, elapsed time.Duration) {
	span.SetAttributes(attribute.Int("output.length", len(res.Output)))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
		c.logger.WarnContext(ctx, "generation failed",
			"provider", res.Provider,
			"error", res.Error,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	} else {
		c.logger.InfoContext(ctx, "generation complete",
			"provider", res.Provider,
			"persona_id", c.Request.PersonaID,
			"output_len", len(res.Output),
			"streamed", streamed,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}

	c.svc.bus.Emit(events.SourceGenerate, events.KindGenerateComplete, map[string]any{
		"request_id": c.ID,
		"persona_id": c.Request.PersonaID,
		"provider":   res.Provider,
		"ok":         !res.Failed(),
		"error":      res.Error,
		"output_len": len(res.Output),
		"elapsed_ms": elapsed.Milliseconds(),
	})

	if res.Failed() {
		return
	}
	c.svc.notify(ctx, Completion{
		RequestID:      c.ID,
		Request:        c.Request,
		Persona:        c.Persona,
		CompiledPrompt: c.Prompt,
		Result:         res,
		Streamed:       streamed,
		Duration:       elapsed,
	})
}

func (s *Service) notify(ctx context.Context, comp Completion) {
	for _, o := range s.hooks.Observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panicked", "request_id", comp.RequestID, "panic", r)
				}
			}()
			o.Observe(ctx, comp)
		}()
	}
}

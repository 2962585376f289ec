// Package webhook delivers a JSON notification to every configured
// endpoint after a successful generation.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/generate"
	"github.com/nugget/ai-persona/internal/httpkit"
	"github.com/nugget/ai-persona/internal/llm"
	"github.com/nugget/ai-persona/internal/observability"
)

const (
	retryDelay     = 500 * time.Millisecond
	errorBodyLimit = 512
)

// Payload is the JSON body POSTed to each endpoint.
type Payload struct {
	PersonaID      *string        `json:"persona_id"` // null without a persona
	UserInput      string         `json:"user_input"`
	CompiledPrompt string         `json:"compiled_prompt"`
	Provider       string         `json:"provider"`
	Output         string         `json:"output"`
	Context        RequestContext `json:"context"`
	RawResponse    llm.Result     `json:"raw_response"`
}

// RequestContext echoes the request that produced the generation.
type RequestContext struct {
	RequestID string            `json:"request_id"`
	PersonaID string            `json:"persona_id,omitempty"`
	UserInput string            `json:"user_input"`
	History   []llm.Message     `json:"conversation_history,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Streamed  bool              `json:"streamed"`
}

// Filter may rewrite the payload in place. Returning false skips
// delivery to every endpoint.
type Filter func(ctx context.Context, p *Payload) bool

// Delivery is the outcome of one POST.
type Delivery struct {
	Endpoint string
	Status   int
	Err      error
	Duration time.Duration
}

// OK reports whether the endpoint accepted the payload.
func (d Delivery) OK() bool {
	return d.Err == nil && d.Status >= 200 && d.Status < 300
}

// Dispatcher implements [generate.Observer]. Deliveries run on their
// own goroutines so a slow endpoint never delays the response.
type Dispatcher struct {
	cfg    *config.Source
	client *http.Client
	filter Filter
	bus    *events.Bus
	logger *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFilter installs a payload filter.
func WithFilter(f Filter) Option {
	return func(d *Dispatcher) { d.filter = f }
}

// WithBus publishes a delivered event per POST.
func WithBus(b *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New creates a Dispatcher. Endpoints and the per-POST timeout are read
// from cfg on every generation, so reloads take effect immediately; the
// retry count is fixed when the client is built.
func New(cfg *config.Source, opts ...Option) *Dispatcher {
	d := &Dispatcher{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "webhook")
	if d.client == nil {
		d.client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTracing(),
			httpkit.WithRetry(cfg.Current().Webhooks.Retries, retryDelay),
			httpkit.WithLogger(d.logger),
		)
	}
	return d
}

// CleanEndpoints trims the configured list and keeps only absolute
// http and https URLs, preserving order.
func CleanEndpoints(raw []string) []string {
	var out []string
	for _, ep := range raw {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		u, err := url.Parse(ep)
		if err != nil || u.Host == "" {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		out = append(out, u.String())
	}
	return out
}

// BuildPayload assembles the notification body for a completion.
func BuildPayload(c generate.Completion) Payload {
	p := Payload{
		UserInput:      c.Request.UserInput,
		CompiledPrompt: c.CompiledPrompt,
		Provider:       c.Result.Provider,
		Output:         c.Result.Output,
		Context: RequestContext{
			RequestID: c.RequestID,
			PersonaID: c.Request.PersonaID,
			UserInput: c.Request.UserInput,
			History:   c.Request.History,
			Variables: c.Request.Variables,
			Streamed:  c.Streamed,
		},
		RawResponse: c.Result,
	}
	if c.Request.PersonaID != "" {
		id := c.Request.PersonaID
		p.PersonaID = &id
	}
	if p.Provider == "" {
		p.Provider = "unknown"
	}
	return p
}

// Observe implements generate.Observer.
func (d *Dispatcher) Observe(ctx context.Context, c generate.Completion) {
	cfg := d.cfg.Current().Webhooks
	endpoints := CleanEndpoints(cfg.Endpoints)
	if len(endpoints) == 0 {
		return
	}

	payload := BuildPayload(c)
	if d.filter != nil && !d.filter(ctx, &payload) {
		d.logger.DebugContext(ctx, "webhook payload skipped by filter", "request_id", c.RequestID)
		return
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	detached := observability.DetachTraceContext(ctx)
	for _, ep := range endpoints {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			res := d.deliver(detached, ep, payload, timeout)
			d.report(c.RequestID, res)
		}()
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, endpoint string, payload Payload, timeout time.Duration) Delivery {
	began := time.Now()
	res := Delivery{Endpoint: endpoint}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, _, err := httpkit.NewJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		res.Err = err
		return res
	}

	resp, err := d.client.Do(req)
	res.Duration = time.Since(began)
	if err != nil {
		res.Err = err
		return res
	}
	res.Status = resp.StatusCode
	if resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, errorBodyLimit))
		return res
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return res
}

func (d *Dispatcher) report(requestID string, res Delivery) {
	if res.OK() {
		d.logger.Debug("webhook delivered",
			"request_id", requestID,
			"endpoint", res.Endpoint,
			"status", res.Status,
			"elapsed", res.Duration.Round(time.Millisecond),
		)
	} else {
		d.logger.Warn("webhook delivery failed",
			"request_id", requestID,
			"endpoint", res.Endpoint,
			"status", res.Status,
			"error", res.Err,
		)
	}

	data := map[string]any{
		"request_id":  requestID,
		"endpoint":    res.Endpoint,
		"status":      res.Status,
		"ok":          res.OK(),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	d.bus.Emit(events.SourceWebhook, events.KindDelivered, data)
}

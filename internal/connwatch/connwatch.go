// Package connwatch tracks whether the service's outbound dependencies
// (the configured LLM provider, the MQTT broker) are reachable.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial failures inside a single request. connwatch covers
// outages that last seconds to minutes: a local Ollama restarting, a
// broker going away, a network partition.
//
// Each target is probed in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Steady state: one probe per poll interval (60s)
//
// Transitions are logged and published on the event bus, and
// [Monitor.Status] feeds the /health endpoint.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/httpkit"
	"github.com/nugget/ai-persona/internal/llm"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if it is.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the
// [DefaultBackoff] value.
type Backoff struct {
	Initial         time.Duration // first startup retry delay
	Max             time.Duration // ceiling for startup delay growth
	Factor          float64       // delay multiplier per failed attempt
	StartupAttempts int           // probes before falling back to polling
	Poll            time.Duration // steady-state interval
	Timeout         time.Duration // per-probe limit
}

// DefaultBackoff returns the production schedule: 2s doubling to 60s
// over ten startup attempts, then polling every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Factor:          2.0,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		Timeout:         10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor <= 1 {
		b.Factor = d.Factor
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Target is one dependency to watch.
type Target struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
}

// Status is the health of one target, shaped for the /health response.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	target Target
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Monitor runs one watcher goroutine per target. The zero value is not
// usable; call [NewMonitor].
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	cancels  []context.CancelFunc
}

// NewMonitor creates a monitor publishing transitions to bus, which
// may be nil.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing t until ctx is cancelled or [Monitor.Stop] is
// called.
func (m *Monitor) Watch(ctx context.Context, t Target) error {
	if t.Name == "" {
		return errors.New("connwatch: target name is required")
	}
	if t.Probe == nil {
		return fmt.Errorf("connwatch: target %s has no probe", t.Name)
	}
	t.Backoff = t.Backoff.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[t.Name]; dup {
		return fmt.Errorf("connwatch: target %s already watched", t.Name)
	}

	w := &watcher{
		target: t,
		done:   make(chan struct{}),
		status: Status{Name: t.Name},
	}
	wctx, cancel := context.WithCancel(ctx)
	m.watchers[t.Name] = w
	m.cancels = append(m.cancels, cancel)

	go m.run(wctx, w)
	return nil
}

// Status returns every target's health, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every target answered its last probe. A
// target that has not been probed yet counts as healthy.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if s.Checked && !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	watchers := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
}

func (m *Monitor) run(ctx context.Context, w *watcher) {
	defer close(w.done)

	b := w.target.Backoff
	delay := b.Initial
	startup := true

	for attempt := 1; ; attempt++ {
		err := m.check(ctx, w)
		if ctx.Err() != nil {
			return
		}

		next := b.Poll
		if startup {
			switch {
			case err == nil:
				startup = false
			case attempt >= b.StartupAttempts:
				startup = false
				m.logger.Info("startup probes exhausted, polling in background",
					"service", w.target.Name, "attempts", attempt, "error", err)
			default:
				m.logger.Debug("startup probe failed, retrying",
					"service", w.target.Name, "attempt", attempt, "next_delay", delay, "error", err)
				next = delay
				delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result, announcing transitions.
func (m *Monitor) check(ctx context.Context, w *watcher) error {
	pctx, cancel := context.WithTimeout(ctx, w.target.Backoff.Timeout)
	err := w.target.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasReady, wasChecked := w.status.Ready, w.status.Checked
	w.status.Checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	name := w.target.Name
	switch {
	case err == nil && !wasReady:
		m.logger.Info("service reachable", "service", name)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{"service": name})
	case err != nil && wasReady:
		m.logger.Warn("service became unreachable", "service", name, "error", err)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": name,
			"error":   err.Error(),
		})
	case err != nil && !wasChecked:
		m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": name,
			"error":   err.Error(),
		})
	}
	return err
}

// HTTPProbe checks that the URL returned by target answers. Any
// response below 500 counts: a 401 or 404 still proves the server is
// up. An empty URL means there is nothing to reach.
func HTTPProbe(client *http.Client, target func() string) ProbeFunc {
	return func(ctx context.Context) error {
		u := target()
		if u == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned %d", u, resp.StatusCode)
		}
		return nil
	}
}

// ProviderProbe probes the base URL of whichever provider the current
// config selects, so a reload that switches providers switches the
// probe too. The null provider is always reachable.
func ProviderProbe(src *config.Source, client *http.Client) ProbeFunc {
	return HTTPProbe(client, func() string {
		c := src.Current().Provider.LLM().Resolved()
		if c.Provider == llm.ProviderNull {
			return ""
		}
		return c.BaseURL
	})
}

package connwatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/events"
)

// fastBackoff returns a backoff schedule short enough for tests.
func fastBackoff() Backoff {
	return Backoff{
		Initial:         time.Millisecond,
		Max:             5 * time.Millisecond,
		Factor:          2,
		StartupAttempts: 5,
		Poll:            5 * time.Millisecond,
		Timeout:         100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoff(t *testing.T) {
	got := Backoff{}.withDefaults()
	if got != DefaultBackoff() {
		t.Errorf("zero Backoff with defaults = %+v, want %+v", got, DefaultBackoff())
	}

	custom := Backoff{Initial: time.Second, Factor: 0.5}.withDefaults()
	if custom.Initial != time.Second {
		t.Errorf("Initial = %v, want 1s kept", custom.Initial)
	}
	if custom.Factor != 2 {
		t.Errorf("Factor = %v, want non-growing factor replaced by 2", custom.Factor)
	}
}

func TestWatch_Validation(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Stop()
	ctx := context.Background()
	ok := func(context.Context) error { return nil }

	if err := m.Watch(ctx, Target{Probe: ok}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := m.Watch(ctx, Target{Name: "x"}); err == nil {
		t.Error("expected error for nil probe")
	}
	if err := m.Watch(ctx, Target{Name: "x", Probe: ok, Backoff: fastBackoff()}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := m.Watch(ctx, Target{Name: "x", Probe: ok, Backoff: fastBackoff()}); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestMonitor_ImmediateSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := events.New()
	ch := bus.Subscribe(8)
	m := NewMonitor(bus, nil)
	if err := m.Watch(context.Background(), Target{
		Name:    "provider",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Source != events.SourceConnwatch || ev.Kind != events.KindServiceUp || ev.Data["service"] != "provider" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no service_up event")
	}

	st := m.Status()
	if len(st) != 1 || !st[0].Ready || !st[0].Checked || st[0].LastError != "" {
		t.Errorf("status = %+v", st)
	}
	if !m.Healthy() {
		t.Error("Healthy() = false, want true")
	}
	m.Stop()
}

func TestMonitor_BackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(nil, nil)
	defer m.Stop()

	_ = m.Watch(context.Background(), Target{
		Name: "flaky",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})

	waitFor(t, "flaky to become ready", func() bool {
		st := m.Status()
		return len(st) == 1 && st[0].Ready
	})
	if n := calls.Load(); n < 3 {
		t.Errorf("probe calls = %d, want at least 3", n)
	}
}

func TestMonitor_GoesDown(t *testing.T) {
	var fail atomic.Bool
	bus := events.New()
	ch := bus.Subscribe(16)
	m := NewMonitor(bus, nil)
	defer m.Stop()

	_ = m.Watch(context.Background(), Target{
		Name: "broker",
		Probe: func(context.Context) error {
			if fail.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})

	waitFor(t, "broker ready", m.Healthy)
	fail.Store(true)
	waitFor(t, "broker down", func() bool { return !m.Healthy() })

	var sawDown bool
	for !sawDown {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindServiceDown {
				sawDown = true
				if ev.Data["error"] != "broker gone" {
					t.Errorf("down event data = %v", ev.Data)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no service_down event")
		}
	}

	st := m.Status()
	if st[0].LastError != "broker gone" {
		t.Errorf("LastError = %q", st[0].LastError)
	}
}

func TestMonitor_StatusSorted(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Stop()
	block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	for _, name := range []string{"provider", "mqtt"} {
		_ = m.Watch(context.Background(), Target{Name: name, Probe: block, Backoff: Backoff{Timeout: time.Hour}})
	}

	st := m.Status()
	if len(st) != 2 || st[0].Name != "mqtt" || st[1].Name != "provider" {
		t.Errorf("status = %+v, want mqtt then provider", st)
	}
	// Nothing has been probed to completion, which counts as healthy.
	if !m.Healthy() {
		t.Error("unchecked targets should not make the monitor unhealthy")
	}
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), func() string { return srv.URL })
	if err := probe(context.Background()); err != nil {
		t.Errorf("404 should count as reachable: %v", err)
	}

	status.Store(http.StatusBadGateway)
	if err := probe(context.Background()); err == nil {
		t.Error("502 should count as unreachable")
	}

	empty := HTTPProbe(srv.Client(), func() string { return "" })
	if err := empty(context.Background()); err != nil {
		t.Errorf("empty target: %v", err)
	}

	srv.Close()
	if err := probe(context.Background()); err == nil {
		t.Error("closed server should be unreachable")
	}
}

func TestProviderProbe_FollowsConfig(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Provider.Name = "null"
	if err := ProviderProbe(config.Static(cfg), srv.Client())(context.Background()); err != nil {
		t.Errorf("null provider probe: %v", err)
	}
	if hits.Load() != 0 {
		t.Error("null provider should not be probed over HTTP")
	}

	cfg = config.Default()
	cfg.Provider.BaseURL = srv.URL + "/"
	if err := ProviderProbe(config.Static(cfg), srv.Client())(context.Background()); err != nil {
		t.Errorf("ollama probe: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

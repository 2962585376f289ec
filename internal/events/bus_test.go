package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// recv reads one event or fails the test.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func TestBus_NilReceiver(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceGenerate, Kind: KindGenerateStart})
	b.Emit(SourceConfig, KindReloaded, nil)
	b.Unsubscribe(nil)

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	if n := b.Dropped(); n != 0 {
		t.Errorf("Dropped = %d, want 0", n)
	}
	if _, ok := <-b.Subscribe(1); ok {
		t.Error("nil bus subscription should be closed")
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	want := Event{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:    SourcePersona,
		Kind:      KindSaved,
		Data:      map[string]any{"persona_id": "tutor"},
	}
	b.Publish(want)

	for i, ch := range subs {
		if diff := cmp.Diff(want, recv(t, ch)); diff != "" {
			t.Errorf("subscriber %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestBus_FullBufferDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)

	for _, k := range []string{"a", "b", "c"} {
		b.Publish(Event{Kind: k})
	}

	if got := recv(t, slow).Kind; got != "a" {
		t.Errorf("slow subscriber got %q, want a", got)
	}
	select {
	case ev := <-slow:
		t.Errorf("slow subscriber should have missed later events, got %q", ev.Kind)
	default:
	}
	for _, k := range []string{"a", "b", "c"} {
		if got := recv(t, fast).Kind; got != k {
			t.Errorf("fast subscriber got %q, want %q", got, k)
		}
	}
	if n := b.Dropped(); n != 2 {
		t.Errorf("Dropped = %d, want 2", n)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	keep := b.Subscribe(2)
	gone := b.Subscribe(2)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	b.Unsubscribe(gone)
	b.Unsubscribe(gone)
	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}

	b.Publish(Event{Kind: KindDelivered})
	if got := recv(t, keep).Kind; got != KindDelivered {
		t.Errorf("remaining subscriber got %q", got)
	}
}

func TestBus_EmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	before := time.Now()
	b.Emit(SourceConnwatch, KindServiceUp, map[string]any{"service": "provider"})

	ev := recv(t, ch)
	if ev.Timestamp.Before(before) || ev.Timestamp.After(time.Now()) {
		t.Errorf("Timestamp %v outside emit window", ev.Timestamp)
	}
	if ev.Source != SourceConnwatch || ev.Kind != KindServiceUp || ev.Data["service"] != "provider" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBus_SubscribeContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.SubscribeContext(ctx, 1)
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestBus_ConcurrentUse(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				ch := b.Subscribe(2)
				b.Unsubscribe(ch)
			}
		}()
	}
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				b.Emit(SourceStream, KindGenerateComplete, map[string]any{"p": p, "i": i})
			}
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after churn, want 0", n)
	}
}

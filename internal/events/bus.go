// Package events carries operational events (generations, streams,
// config reloads, webhook deliveries, persona changes, dependency
// health) from the components that produce them to the /v1/events
// feed. Every method is safe on a nil *Bus, so producers never check
// whether a bus was configured.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGenerate identifies events from the request orchestrator.
	SourceGenerate = "generate"
	// SourceStream identifies events from streaming handlers.
	SourceStream = "stream"
	// SourceConfig identifies events from the config watcher.
	SourceConfig = "config"
	// SourceWebhook identifies events from webhook delivery.
	SourceWebhook = "webhook"
	// SourcePersona identifies events from persona storage.
	SourcePersona = "persona"
	// SourceConnwatch identifies events from dependency health watchers.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindGenerateStart signals the beginning of a generation.
	// Data: request_id, persona_id, provider, streamed.
	KindGenerateStart = "generate_start"
	// KindGenerateComplete signals the end of a generation.
	// Data: request_id, persona_id, provider, ok, error,
	// output_len, elapsed_ms.
	KindGenerateComplete = "generate_complete"

	// KindClientGone signals a streaming client disconnected before
	// the stream completed. Data: request_id, tokens.
	KindClientGone = "client_gone"

	// KindReloaded signals a new configuration snapshot is live.
	// Data: path, provider.
	KindReloaded = "reloaded"
	// KindReloadFailed signals a reload was rejected and the previous
	// snapshot kept. Data: path, error.
	KindReloadFailed = "reload_failed"

	// KindDelivered signals a webhook POST finished.
	// Data: endpoint, status, ok, duration_ms.
	KindDelivered = "delivered"

	// KindSaved signals a persona was created or updated.
	// Data: persona_id.
	KindSaved = "saved"
	// KindDeleted signals a persona was removed. Data: persona_id.
	KindDeleted = "deleted"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans each event out to every subscriber without blocking. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive side handed to the subscriber; the value
	// is the same channel's send side.
	subs map[<-chan Event]chan Event

	dropped atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with buffer room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Pair
// it with Unsubscribe, or use SubscribeContext.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// SubscribeContext subscribes until ctx is done, then closes the
// channel.
func (b *Bus) SubscribeContext(ctx context.Context, bufSize int) <-chan Event {
	ch := b.Subscribe(bufSize)
	if b != nil {
		context.AfterFunc(ctx, func() { b.Unsubscribe(ch) })
	}
	return ch
}

// Unsubscribe removes ch and closes it. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

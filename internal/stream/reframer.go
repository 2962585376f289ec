// Package stream re-frames provider stream events into a client-facing
// event protocol. A [Reframer] tracks the aggregate output and the
// terminal state; a [Sink] does the actual writing (server-sent events
// or WebSocket frames).
package stream

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/ai-persona/internal/llm"
)

// Client-facing event names.
const (
	EventMessage  = "message"
	EventError    = "error"
	EventComplete = "complete"
)

// Comments written at the edges of every stream.
const (
	commentStart = "stream-start"
	commentEnd   = "stream-end"
)

// Sink writes framed output to a client.
type Sink interface {
	// Comment writes a non-data line (SSE comment, WebSocket ping).
	Comment(text string) error

	// Event writes one named event. data may contain newlines.
	Event(name, data string) error
}

// Reframer converts [llm.StreamEvent] values into sink events:
//
//	token → "message" with the token text
//	error → "error" (only the first one)
//	done  → "complete" with every token concatenated
//
// "complete" is written exactly once per stream, even if the provider
// never signals done; nothing is written after it except the closing
// comment. A Reframer is driven from one goroutine.
type Reframer struct {
	sink   Sink
	cancel context.CancelFunc
	logger *slog.Logger

	aggregate strings.Builder
	tokens    int
	errorSent bool
	completed bool
	closed    bool
	firstErr  string

	// writeErr is the first sink failure. Once set, the client is gone
	// and further writes are skipped.
	writeErr error
}

// NewReframer returns a Reframer writing to sink. cancel is invoked on
// the first sink write failure so the upstream request is aborted; it
// may be nil.
func NewReframer(sink Sink, cancel context.CancelFunc, logger *slog.Logger) *Reframer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reframer{sink: sink, cancel: cancel, logger: logger}
}

// Open writes the opening comment. Call it once before the first
// Handle so the client sees the stream is live before any token.
func (r *Reframer) Open() error {
	r.comment(commentStart)
	return r.writeErr
}

// Handle consumes one provider event. Its signature matches
// [llm.StreamCallback].
func (r *Reframer) Handle(ev llm.StreamEvent) {
	if r.completed {
		return
	}

	switch ev.Kind {
	case llm.KindToken:
		r.aggregate.WriteString(ev.Text)
		r.tokens++
		r.event(EventMessage, ev.Text)
	case llm.KindError:
		if r.errorSent {
			r.logger.Debug("suppressing additional stream error", "error", ev.Text)
			return
		}
		r.errorSent = true
		r.firstErr = ev.Text
		r.event(EventError, ev.Text)
	case llm.KindDone:
		r.complete()
	}
}

// Close ends the stream: it writes "complete" if the provider never
// did, then the closing comment. It returns the first sink failure.
func (r *Reframer) Close() error {
	if r.closed {
		return r.writeErr
	}
	r.closed = true
	r.complete()
	r.comment(commentEnd)
	r.logger.Debug("stream closed", "tokens", r.tokens, "bytes", r.aggregate.Len(), "error", r.firstErr)
	return r.writeErr
}

// Aggregate returns the concatenation of every token seen so far.
func (r *Reframer) Aggregate() string {
	return r.aggregate.String()
}

// Err returns the first error event forwarded, or "".
func (r *Reframer) Err() string {
	return r.firstErr
}

// Completed reports whether "complete" has been emitted.
func (r *Reframer) Completed() bool {
	return r.completed
}

// WriteErr returns the first sink failure, if any.
func (r *Reframer) WriteErr() error {
	return r.writeErr
}

func (r *Reframer) complete() {
	if r.completed {
		return
	}
	r.completed = true
	r.event(EventComplete, r.aggregate.String())
}

func (r *Reframer) event(name, data string) {
	if r.writeErr != nil {
		return
	}
	r.fail(r.sink.Event(name, data))
}

func (r *Reframer) comment(text string) {
	if r.writeErr != nil {
		return
	}
	r.fail(r.sink.Comment(text))
}

func (r *Reframer) fail(err error) {
	if err == nil {
		return
	}
	r.writeErr = err
	r.logger.Debug("stream sink write failed, cancelling upstream", "error", err)
	if r.cancel != nil {
		r.cancel()
	}
}

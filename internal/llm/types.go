// Package llm provides the provider abstraction: one [Provider]
// implementation per LLM backend, a shared request/result shape, and
// the streaming event contract consumed by the stream reframer.
package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is everything a provider needs besides the system prompt.
type Input struct {
	// History holds prior turns, oldest first. Roles are "user" or
	// "assistant"; see [CleanHistory].
	History []Message

	// UserInput is the new user message. It is sent last.
	UserInput string
}

// Result is the outcome of a single generation. When Error is non-empty
// the request failed and Output must be ignored.
type Result struct {
	Output   string          `json:"output"`
	Provider string          `json:"provider"`
	Error    string          `json:"error,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is the token for KindToken and the message for KindError.
	Text string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindError reports a failure. A KindDone always follows.
	KindError

	// KindDone is the terminal event. Exactly one is emitted per stream.
	KindDone
)

// String returns the lowercase kind name used in logs.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// CleanHistory drops turns with an empty role or blank content and maps
// every role other than "assistant" to "user". System turns are not
// accepted from callers; the system prompt travels separately.
func CleanHistory(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}

// chatMessages builds the OpenAI/Ollama style message list: the system
// prompt first (if any), then history, then the new user input (if any).
func chatMessages(systemPrompt string, in Input) []Message {
	msgs := make([]Message, 0, len(in.History)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, in.History...)
	if strings.TrimSpace(in.UserInput) != "" {
		msgs = append(msgs, Message{Role: "user", Content: in.UserInput})
	}
	return msgs
}

// turns is chatMessages without the system prompt, for backends that
// carry it in a separate field.
func turns(in Input) []Message {
	return chatMessages("", in)
}

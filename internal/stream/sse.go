package stream

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// WriteTimeout bounds each write to a streaming client. It is reset
// after every event so long generations do not trip the server's
// global write timeout.
const WriteTimeout = 120 * time.Second

// SSEWriter is a [Sink] that writes server-sent events to an HTTP
// response.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers on w. The status line is
// sent with the first write.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Comment implements Sink.
func (s *SSEWriter) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

// Event implements Sink. Each line of data becomes its own "data:"
// field, so a client reassembles the original text joined by LF.
func (s *SSEWriter) Event(name, data string) error {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(name)
	sb.WriteByte('\n')
	for _, line := range strings.Split(normalizeNewlines(data), "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return s.write(sb.String())
}

func (s *SSEWriter) write(frame string) error {
	// Reset write deadline before every frame to prevent timeout
	// during long generations.
	if err := s.rc.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// normalizeNewlines converts CRLF and lone CR to LF.
func normalizeNewlines(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

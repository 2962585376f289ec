package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader accepts any origin: the API carries no cookies or other
// ambient credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame is the JSON message written for every event.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// WebSocketSink is a [Sink] that writes one JSON [Frame] per event and
// turns comments into ping control frames.
type WebSocketSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	closeMu  sync.Once
	watching bool
	done     chan struct{}
}

// UpgradeWebSocket upgrades the request. On failure the upgrader has
// already written an HTTP error response.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*WebSocketSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(64 * 1024)
	return &WebSocketSink{conn: conn, logger: logger, done: make(chan struct{})}, nil
}

// Watch starts a reader that calls cancel when the peer closes the
// connection or it breaks. Client messages are discarded. The reader
// exits once the sink is closed.
func (s *WebSocketSink) Watch(cancel context.CancelFunc) {
	s.watching = true
	go func() {
		defer close(s.done)
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket closed by client")
				} else if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				cancel()
				return
			}
		}
	}()
}

// Comment implements Sink.
func (s *WebSocketSink) Comment(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, []byte(text), time.Now().Add(WriteTimeout))
}

// Event implements Sink.
func (s *WebSocketSink) Event(name, data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(Frame{Event: name, Data: data})
}

// Close sends a normal close frame, closes the connection and waits for
// the reader started by Watch, if any.
func (s *WebSocketSink) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Wait blocks until the reader started by Watch has exited. It returns
// immediately if Watch was never called.
func (s *WebSocketSink) Wait() {
	if s.watching {
		<-s.done
	}
}

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nugget/ai-persona/internal/llm"
)

func dialTest(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebSocketSink_Frames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := UpgradeWebSocket(w, r, nil)
		if err != nil {
			return
		}
		_, cancel := context.WithCancel(r.Context())
		defer cancel()
		sink.Watch(cancel)

		rf := NewReframer(sink, cancel, nil)
		_ = rf.Open()
		rf.Handle(llm.StreamEvent{Kind: llm.KindToken, Text: "Hel"})
		rf.Handle(llm.StreamEvent{Kind: llm.KindToken, Text: "lo"})
		rf.Handle(llm.StreamEvent{Kind: llm.KindDone})
		_ = rf.Close()
		_ = sink.Close()
		sink.Wait()
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	var pings []string
	conn.SetPingHandler(func(data string) error {
		pings = append(pings, data)
		return nil
	})

	var frames []Frame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}

	want := []Frame{
		{Event: "message", Data: "Hel"},
		{Event: "message", Data: "lo"},
		{Event: "complete", Data: "Hello"},
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"stream-start", "stream-end"}, pings); diff != "" {
		t.Errorf("pings mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketSink_ClientCloseCancels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cancelled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := UpgradeWebSocket(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sink.Watch(cancel)

		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
		_ = sink.Close()
		sink.Wait()
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("client close did not cancel the stream")
	}
}

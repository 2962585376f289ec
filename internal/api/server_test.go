package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/ai-persona/internal/analytics"
	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/connwatch"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/generate"
	"github.com/nugget/ai-persona/internal/llm"
	"github.com/nugget/ai-persona/internal/persona"
	"github.com/nugget/ai-persona/internal/stream"
)

// echoProvider answers with the user input and streams it as two
// tokens. An input of "fail" produces a provider error.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Generate(_ context.Context, systemPrompt string, in llm.Input) llm.Result {
	if in.UserInput == "fail" {
		return llm.Result{Provider: "echo", Error: "Echo returned HTTP 500."}
	}
	return llm.Result{Provider: "echo", Output: "[" + systemPrompt + "] " + in.UserInput}
}

func (echoProvider) Stream(_ context.Context, _ string, in llm.Input, emit llm.StreamCallback) {
	if in.UserInput == "fail" {
		emit(llm.StreamEvent{Kind: llm.KindError, Text: "Echo returned HTTP 500."})
		emit(llm.StreamEvent{Kind: llm.KindDone})
		return
	}
	emit(llm.StreamEvent{Kind: llm.KindToken, Text: "line one\n"})
	emit(llm.StreamEvent{Kind: llm.KindToken, Text: in.UserInput})
	emit(llm.StreamEvent{Kind: llm.KindDone})
}

type testEnv struct {
	srv       *httptest.Server
	store     *persona.Store
	bus       *events.Bus
	analytics *analytics.Log
}

func newTestEnv(t *testing.T, withAnalytics bool) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := persona.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store, bus: events.New()}
	var hooks generate.Hooks
	if withAnalytics {
		env.analytics = analytics.NewLog(filepath.Join(t.TempDir(), "analytics.jsonl"), nil)
		hooks.Observers = append(hooks.Observers, env.analytics)
	}

	cfg := config.Static(config.Default())
	gen := generate.New(store, cfg,
		generate.WithHooks(hooks),
		generate.WithBus(env.bus),
		generate.WithProviderFactory(func(llm.Config) (llm.Provider, error) { return echoProvider{}, nil }),
	)

	s := NewServer(cfg, gen, store, nil)
	s.SetEventBus(env.bus)
	if withAnalytics {
		s.SetAnalytics(env.analytics)
	}
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil {
		t.Fatalf("decode error body %s: %v", data, err)
	}
	return eb
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t, false)
	if _, err := env.store.Save(context.Background(), persona.Record{ID: "tutor", Role: "You are a tutor."}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantOutput string
		wantError  string
		wantType   string
	}{
		{"persona", `{"persona_id":"tutor","user_input":"hi"}`, 200, "[You are a tutor.] hi", "", ""},
		{"override prompt", `{"prompt":"Be terse.","user_input":"hi"}`, 200, "[Be terse.] hi", "", ""},
		{"provider failure is a 200 result", `{"user_input":"fail"}`, 200, "", "Echo returned HTTP 500.", ""},
		{"unknown persona", `{"persona_id":"ghost","user_input":"hi"}`, 404, "", "persona not found", "not_found_error"},
		{"missing user_input", `{"persona_id":"tutor"}`, 400, "", "user_input is required", "invalid_request_error"},
		{"bad json", `{"user_input":`, 400, "", "invalid request body", "invalid_request_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, "/v1/generate", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, data)
			}
			if tt.wantStatus != http.StatusOK {
				eb := decodeError(t, data)
				if eb.Error.Message != tt.wantError || eb.Error.Type != tt.wantType || eb.Error.Code != tt.wantStatus {
					t.Errorf("error body = %+v", eb)
				}
				return
			}
			var res llm.Result
			if err := json.Unmarshal(data, &res); err != nil {
				t.Fatal(err)
			}
			if res.Output != tt.wantOutput || res.Error != tt.wantError {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestStream_SSE(t *testing.T) {
	env := newTestEnv(t, false)

	resp, data := env.do(t, http.MethodGet, "/v1/stream?user_input=two", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	want := ": stream-start\n\n" +
		"event: message\ndata: line one\ndata: \n\n" +
		"event: message\ndata: two\n\n" +
		"event: complete\ndata: line one\ndata: two\n\n" +
		": stream-end\n\n"
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("SSE body mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_SSEProviderError(t *testing.T) {
	env := newTestEnv(t, false)

	_, data := env.do(t, http.MethodGet, "/v1/stream?user_input=fail", "")
	body := string(data)
	if strings.Count(body, "event: error") != 1 || strings.Count(body, "event: complete") != 1 {
		t.Errorf("body = %q", body)
	}
	if strings.Index(body, "event: complete") < strings.Index(body, "event: error") {
		t.Error("complete must come after error")
	}
}

func TestStream_RejectedBeforeStart(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"missing user_input", "persona_id=x", http.StatusBadRequest},
		{"bad history", "user_input=hi&conversation_history=" + url.QueryEscape("{not json"), http.StatusBadRequest},
		{"bad variables", "user_input=hi&variables=" + url.QueryEscape("[1]"), http.StatusBadRequest},
		{"unknown persona", "user_input=hi&persona_id=ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodGet, "/v1/stream?"+tt.query, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want JSON error before stream", ct)
			}
			decodeError(t, data)
		})
	}
}

func TestStreamRequest_History(t *testing.T) {
	history := `[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]`
	r := httptest.NewRequest(http.MethodGet, "/v1/stream?user_input=c&variables="+url.QueryEscape(`{"k":"v"}`)+
		"&conversation_history="+url.QueryEscape(history), nil)

	req, err := streamRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	want := generate.Request{
		UserInput: "c",
		History:   []llm.Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}},
		Variables: map[string]string{"k": "v"},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_WebSocket(t *testing.T) {
	env := newTestEnv(t, false)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/stream/ws?user_input=hey"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []stream.Frame
	for {
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}

	want := []stream.Frame{
		{Event: "message", Data: "line one\n"},
		{Event: "message", Data: "hey"},
		{Event: "complete", Data: "line one\nhey"},
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestPersonaCRUD(t *testing.T) {
	env := newTestEnv(t, false)
	ch := env.bus.Subscribe(16)
	defer env.bus.Unsubscribe(ch)

	// Legacy newline-string shape is normalized on the way in.
	resp, data := env.do(t, http.MethodPost, "/v1/personas",
		`{"id":"support","role":"<b>You are support.</b>","guidelines":"Be kind\nBe concise\n\n"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", resp.StatusCode, data)
	}
	var created persona.Record
	_ = json.Unmarshal(data, &created)
	if created.Role != "You are support." || len(created.Guidelines) != 2 {
		t.Errorf("created = %+v", created)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/personas/support", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPut, "/v1/personas/support", `{"role":"You are calm support."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/personas/support/prompt?variables="+url.QueryEscape(`{"order_id":"Order number"}`), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prompt status = %d", resp.StatusCode)
	}
	var prompt map[string]string
	_ = json.Unmarshal(data, &prompt)
	if !strings.HasPrefix(prompt["prompt"], "You are calm support.") || !strings.Contains(prompt["prompt"], "{{order_id}}") {
		t.Errorf("prompt = %q", prompt["prompt"])
	}

	_, data = env.do(t, http.MethodGet, "/v1/personas", "")
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(data, &list)
	if list.Count != 1 {
		t.Errorf("list count = %d, want 1", list.Count)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/personas/support", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	for _, path := range []string{"/v1/personas/support", "/v1/personas/support/prompt"} {
		if resp, _ := env.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s after delete = %d, want 404", path, resp.StatusCode)
		}
	}
	if resp, _ := env.do(t, http.MethodPut, "/v1/personas/support", `{"role":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("PUT missing persona = %d, want 404", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodDelete, "/v1/personas/support", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE missing persona = %d, want 404", resp.StatusCode)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if diff := cmp.Diff([]string{events.KindSaved, events.KindSaved, events.KindDeleted}, kinds); diff != "" {
		t.Errorf("persona events mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t, false)

	resp, data := env.do(t, http.MethodGet, "/v1/templates", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Templates []persona.Template `json:"templates"`
	}
	if err := json.Unmarshal(data, &list); err != nil || len(list.Templates) == 0 {
		t.Fatalf("templates = %s (%v)", data, err)
	}

	slug := list.Templates[0].Slug
	resp, data = env.do(t, http.MethodPost, "/v1/templates/"+slug+"/install?id=starter", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("install status = %d (%s)", resp.StatusCode, data)
	}
	rec, err := env.store.Get(context.Background(), "starter")
	if err != nil {
		t.Fatalf("installed persona not stored: %v", err)
	}
	if rec.Role == "" || rec.Title == "" {
		t.Errorf("installed record = %+v", rec)
	}

	if resp, _ := env.do(t, http.MethodPost, "/v1/templates/nope/install", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown template status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalytics(t *testing.T) {
	disabled := newTestEnv(t, false)
	if resp, _ := disabled.do(t, http.MethodGet, "/v1/analytics/summary", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("disabled summary status = %d, want 503", resp.StatusCode)
	}

	env := newTestEnv(t, true)
	env.do(t, http.MethodPost, "/v1/generate", `{"user_input":"one"}`)
	env.do(t, http.MethodGet, "/v1/stream?user_input=two", "")
	env.do(t, http.MethodPost, "/v1/generate", `{"user_input":"fail"}`)

	_, data := env.do(t, http.MethodGet, "/v1/analytics/summary", "")
	var sum analytics.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.TotalEvents != 2 || sum.Providers["echo"] != 2 {
		t.Errorf("summary = %+v", sum)
	}

	_, data = env.do(t, http.MethodGet, "/v1/analytics/recent?limit=1", "")
	var recent struct {
		Entries []analytics.Entry `json:"entries"`
	}
	_ = json.Unmarshal(data, &recent)
	if len(recent.Entries) != 1 || recent.Entries[0].UserInput != "two" || !recent.Entries[0].Streamed {
		t.Errorf("recent = %+v", recent.Entries)
	}
}

func TestEventsFeed(t *testing.T) {
	env := newTestEnv(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	// The opening comment confirms the subscription is live.
	if line, err := rd.ReadString('\n'); err != nil || line != ": events\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	env.bus.Emit(events.SourceConfig, events.KindReloaded, map[string]any{"path": "x"})

	var got []string
	for len(got) < 2 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "event: ") || strings.HasPrefix(line, "data: ") {
			got = append(got, strings.TrimSpace(line))
		}
	}
	if got[0] != "event: config" || !strings.Contains(got[1], `"kind":"reloaded"`) {
		t.Errorf("frame = %v", got)
	}
}

func TestHealthVersionRoot(t *testing.T) {
	env := newTestEnv(t, false)

	for _, path := range []string{"/health", "/v1/version", "/"} {
		resp, data := env.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			t.Errorf("GET %s body not JSON: %s", path, data)
		}
	}

	if resp, _ := env.do(t, http.MethodGet, "/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", resp.StatusCode)
	}
}

func TestHealth_Degraded(t *testing.T) {
	mon := connwatch.NewMonitor(nil, nil)
	t.Cleanup(mon.Stop)
	_ = mon.Watch(context.Background(), connwatch.Target{
		Name:    "provider",
		Probe:   func(context.Context) error { return errors.New("connection refused") },
		Backoff: connwatch.Backoff{Initial: time.Millisecond, Poll: time.Millisecond},
	})
	deadline := time.Now().Add(2 * time.Second)
	for mon.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never recorded the failed probe")
		}
		time.Sleep(time.Millisecond)
	}

	s := NewServer(config.Static(config.Default()), nil, nil, nil)
	s.SetHealthMonitor(mon)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string             `json:"status"`
		Services []connwatch.Status `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if len(body.Services) != 1 || body.Services[0].Name != "provider" || body.Services[0].LastError != "connection refused" {
		t.Errorf("services = %+v", body.Services)
	}
}

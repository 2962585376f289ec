// Package api implements the persona service HTTP API: generation,
// streaming, persona management, starter templates, analytics and an
// operational event feed.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nugget/ai-persona/internal/analytics"
	"github.com/nugget/ai-persona/internal/buildinfo"
	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/connwatch"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/generate"
	"github.com/nugget/ai-persona/internal/persona"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// PersonaStore is the persona persistence the API needs.
// [persona.Store] satisfies it.
type PersonaStore interface {
	Get(ctx context.Context, id string) (persona.Record, error)
	List(ctx context.Context) ([]persona.Record, error)
	Save(ctx context.Context, r persona.Record) (persona.Record, error)
	Delete(ctx context.Context, id string) error
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Source
	gen       *generate.Service
	personas  PersonaStore
	analytics *analytics.Log
	bus       *events.Bus
	health    *connwatch.Monitor
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg *config.Source, gen *generate.Service, personas PersonaStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		gen:      gen,
		personas: personas,
		logger:   logger.With("component", "api"),
	}
}

// SetAnalytics enables the analytics endpoints.
func (s *Server) SetAnalytics(l *analytics.Log) {
	s.analytics = l
}

// SetEventBus enables the /v1/events feed and persona change events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetHealthMonitor adds dependency status to /health.
func (s *Server) SetHealthMonitor(m *connwatch.Monitor) {
	s.health = m
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Generation
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stream/ws", s.handleStreamWebSocket)

	// Personas
	mux.HandleFunc("GET /v1/personas", s.handlePersonaList)
	mux.HandleFunc("POST /v1/personas", s.handlePersonaCreate)
	mux.HandleFunc("GET /v1/personas/{id}", s.handlePersonaGet)
	mux.HandleFunc("PUT /v1/personas/{id}", s.handlePersonaUpdate)
	mux.HandleFunc("DELETE /v1/personas/{id}", s.handlePersonaDelete)
	mux.HandleFunc("GET /v1/personas/{id}/prompt", s.handlePersonaPrompt)

	// Starter templates
	mux.HandleFunc("GET /v1/templates", s.handleTemplateList)
	mux.HandleFunc("POST /v1/templates/{slug}/install", s.handleTemplateInstall)

	// Analytics
	mux.HandleFunc("GET /v1/analytics/summary", s.handleAnalyticsSummary)
	mux.HandleFunc("GET /v1/analytics/recent", s.handleAnalyticsRecent)

	// Operational events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return otelhttp.NewHandler(s.withLogging(mux), "ai-persona",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start begins serving HTTP requests on the configured address. It
// returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	listen := s.cfg.Current().Listen
	s.server = &http.Server{
		Addr:        listen.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streaming handlers push the write deadline forward per frame.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logging. It
// unwraps for http.ResponseController and hijacks for WebSocket
// upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":     "ai-persona",
		"version":  buildinfo.Version,
		"provider": s.cfg.Current().Provider.Name,
		"status":   "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// handleHealth always answers 200 while the process serves requests. An
// unreachable dependency downgrades the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found_error"
	case code == http.StatusServiceUnavailable:
		return "unavailable_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

// internalError logs err and writes a generic 500 so internals never
// reach the client.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg, "path", r.URL.Path, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal error")
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

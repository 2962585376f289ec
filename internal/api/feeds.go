package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nugget/ai-persona/internal/stream"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500

	// eventsKeepalive keeps idle /v1/events connections inside the
	// server write deadline and proxy idle timeouts.
	eventsKeepalive = 15 * time.Second
)

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "analytics disabled")
		return
	}
	sum, err := s.analytics.Summary()
	if err != nil {
		s.internalError(w, r, "analytics summary failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sum, s.logger)
}

func (s *Server) handleAnalyticsRecent(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "analytics disabled")
		return
	}
	limit := min(parseIntParam(r, "limit", defaultRecentLimit), maxRecentLimit)
	entries, err := s.analytics.Recent(limit)
	if err != nil {
		s.internalError(w, r, "analytics recent failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)}, s.logger)
}

// handleEvents streams bus events as SSE frames named after the event
// source. The subscription ends when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed disabled")
		return
	}

	ctx := r.Context()
	ch := s.bus.SubscribeContext(ctx, 64)
	sse := stream.NewSSEWriter(w)
	if err := sse.Comment("events"); err != nil {
		return
	}

	ticker := time.NewTicker(eventsKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.Comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("failed to marshal bus event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := sse.Event(ev.Source, string(data)); err != nil {
				return
			}
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/ai-persona/internal/generate"
	"github.com/nugget/ai-persona/internal/llm"
	"github.com/nugget/ai-persona/internal/stream"
)

var errUserInputRequired = errors.New("user_input is required")

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generate.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		s.errorResponse(w, http.StatusBadRequest, errUserInputRequired.Error())
		return
	}

	res, err := s.gen.Generate(r.Context(), req)
	if err != nil {
		s.generateError(w, r, err)
		return
	}

	// Provider failures are a normal result with the error field set.
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// streamRequest reads a generation request from query parameters.
// conversation_history and variables are JSON-encoded.
func streamRequest(r *http.Request) (generate.Request, error) {
	q := r.URL.Query()
	req := generate.Request{
		Prompt:    q.Get("prompt"),
		PersonaID: q.Get("persona_id"),
		UserInput: q.Get("user_input"),
	}
	if raw := q.Get("conversation_history"); raw != "" {
		var history []llm.Message
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return req, fmt.Errorf("conversation_history must be a JSON array of {role, content}")
		}
		req.History = history
	}
	if raw := q.Get("variables"); raw != "" {
		var vars map[string]string
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return req, fmt.Errorf("variables must be a JSON object of strings")
		}
		req.Variables = vars
	}
	if strings.TrimSpace(req.UserInput) == "" {
		return req, errUserInputRequired
	}
	return req, nil
}

// prepareStream validates the query and resolves the call. Failures
// are written as JSON before any stream bytes.
func (s *Server) prepareStream(w http.ResponseWriter, r *http.Request) (*generate.Call, bool) {
	req, err := streamRequest(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	call, err := s.gen.Prepare(r.Context(), req)
	if err != nil {
		s.generateError(w, r, err)
		return nil, false
	}
	return call, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	call, ok := s.prepareStream(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With("request_id", call.ID)
	rf := stream.NewReframer(stream.NewSSEWriter(w), cancel, logger)
	if err := rf.Open(); err != nil {
		logger.Debug("stream client gone before start", "error", err)
		return
	}
	call.Stream(ctx, rf.Handle)
	if err := rf.Close(); err != nil {
		logger.Debug("stream ended with write failure", "error", err)
	}
}

func (s *Server) handleStreamWebSocket(w http.ResponseWriter, r *http.Request) {
	call, ok := s.prepareStream(w, r)
	if !ok {
		return
	}

	logger := s.logger.With("request_id", call.ID)
	ws, err := stream.UpgradeWebSocket(w, r, logger)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ws.Watch(cancel)

	rf := stream.NewReframer(ws, cancel, logger)
	if err := rf.Open(); err == nil {
		call.Stream(ctx, rf.Handle)
		_ = rf.Close()
	}
	_ = ws.Close()
	ws.Wait()
}

func (s *Server) generateError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, generate.ErrPersonaNotFound) {
		s.errorResponse(w, http.StatusNotFound, "persona not found")
		return
	}
	s.internalError(w, r, "generation setup failed", err)
}

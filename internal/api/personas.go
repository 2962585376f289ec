package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/persona"
)

// decodePersona reads a persona body in any shape the normalizer
// accepts (arrays, newline strings, index-keyed objects).
func decodePersona(w http.ResponseWriter, r *http.Request) (persona.Record, error) {
	var raw map[string]any
	if err := decodeBody(w, r, &raw); err != nil {
		return persona.Record{}, err
	}
	return persona.Normalize(raw), nil
}

func (s *Server) handlePersonaList(w http.ResponseWriter, r *http.Request) {
	list, err := s.personas.List(r.Context())
	if err != nil {
		s.internalError(w, r, "list personas failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"personas": list, "count": len(list)}, s.logger)
}

func (s *Server) handlePersonaGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadPersona(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

func (s *Server) handlePersonaCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := decodePersona(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.savePersona(w, r, rec, http.StatusCreated)
}

func (s *Server) handlePersonaUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.loadPersona(w, r); !ok {
		return
	}
	rec, err := decodePersona(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec.ID = id
	s.savePersona(w, r, rec, http.StatusOK)
}

func (s *Server) handlePersonaDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.personas.Delete(r.Context(), id)
	if errors.Is(err, persona.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "persona not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "delete persona failed", err)
		return
	}
	s.bus.Emit(events.SourcePersona, events.KindDeleted, map[string]any{"persona_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// handlePersonaPrompt compiles a stored persona. An optional
// ?variables= JSON object adds request-time variable tokens.
func (s *Server) handlePersonaPrompt(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadPersona(w, r)
	if !ok {
		return
	}

	var vars map[string]string
	if raw := r.URL.Query().Get("variables"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "variables must be a JSON object of strings")
			return
		}
	}

	prompt := persona.Compile(rec, persona.Context{Variables: vars})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"persona_id": rec.ID, "prompt": prompt}, s.logger)
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	list, err := persona.Templates()
	if err != nil {
		s.internalError(w, r, "load templates failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"templates": list, "count": len(list)}, s.logger)
}

// handleTemplateInstall copies a starter template into the store. The
// new persona gets a fresh id unless ?id= is given.
func (s *Server) handleTemplateInstall(w http.ResponseWriter, r *http.Request) {
	tpl, ok := persona.TemplateBySlug(r.PathValue("slug"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "template not found")
		return
	}
	rec := tpl.Record
	rec.ID = strings.TrimSpace(r.URL.Query().Get("id"))
	if rec.Title == "" {
		rec.Title = tpl.Name
	}
	s.savePersona(w, r, rec, http.StatusCreated)
}

func (s *Server) loadPersona(w http.ResponseWriter, r *http.Request) (persona.Record, bool) {
	rec, err := s.personas.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, persona.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "persona not found")
		return persona.Record{}, false
	}
	if err != nil {
		s.internalError(w, r, "load persona failed", err)
		return persona.Record{}, false
	}
	return rec, true
}

func (s *Server) savePersona(w http.ResponseWriter, r *http.Request, rec persona.Record, status int) {
	saved, err := s.personas.Save(r.Context(), rec)
	if err != nil {
		s.internalError(w, r, "save persona failed", err)
		return
	}
	s.bus.Emit(events.SourcePersona, events.KindSaved, map[string]any{"persona_id": saved.ID})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, saved, s.logger)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/scene"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListControllers(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.controllers.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	st, err := s.controllers.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.controllers.Resync(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "scene index must be an integer")
		return
	}

	if err := s.controllers.Activate(r.Context(), name, index); err != nil {
		writeServiceError(w, err)
		return
	}

	log.Info().Str("controller", name).Int("scene", index).Msg("Scene activated via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.controllers.History(chi.URLParam(r, "name"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleActivity lists recent activity of one kind across all controllers,
// e.g. /activity?kind=recovery to find echo timeouts.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	kind := scene.ActivityKind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be one of scene_activated, scene_restored, resync, recovery")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.controllers.Activity(kind, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseLimit reads ?limit=, writing a 400 and returning false when it is malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxHistoryLimit), true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownController):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scene.ErrSceneOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("API request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Status: status, Message: message})
}

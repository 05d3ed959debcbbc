package realtime

import (
	"encoding/json"
	"net/http"

	"brosh/internal/mcpsock"
	"brosh/internal/settings"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Arbiter == nil {
		writeJSON(w, http.StatusOK, mcpsock.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Arbiter.Status())
}

func (s *Server) handleMCPAttach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Arbiter == nil {
		writeError(w, http.StatusServiceUnavailable, "mcp socket disabled")
		return
	}
	if !s.cfg.Arbiter.Attach(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"attached": id})
}

func (s *Server) handleMCPDetach(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Arbiter != nil {
		s.cfg.Arbiter.Detach()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings())
}

// handlePutSettings replaces the settings with the request body. Keys the
// body leaves out keep their current values.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	next := s.cfg.Settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.cfg.Settings.Update(func(cur *settings.Settings) { *cur = next })
	if err != nil {
		s.log.Error("save settings", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

package proxy

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/store"
)

type preferencesResponse struct {
	Preferences chat.Preferences `json:"preferences"`
	Stored      bool             `json:"stored"`
}

func (s *Server) handleGetUserPreferences(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userIDHeader+" header required", "")
		return
	}
	s.getPreferences(w, r, store.ScopeUser, userID)
}

func (s *Server) handlePutUserPreferences(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userIDHeader+" header required", "")
		return
	}
	s.putPreferences(w, r, store.ScopeUser, userID)
}

func (s *Server) handleGetLecturePreferences(w http.ResponseWriter, r *http.Request) {
	s.getPreferences(w, r, store.ScopeLecture, strings.TrimSpace(chi.URLParam(r, "lectureID")))
}

func (s *Server) handlePutLecturePreferences(w http.ResponseWriter, r *http.Request) {
	s.putPreferences(w, r, store.ScopeLecture, strings.TrimSpace(chi.URLParam(r, "lectureID")))
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request, scope store.PreferenceScope, id string) {
	p, ok, err := s.sessions.GetPreferences(r.Context(), scope, id)
	if err != nil {
		slog.Error("load preferences failed", "scope", scope, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences", "")
		return
	}
	writeJSON(w, http.StatusOK, preferencesResponse{Preferences: p, Stored: ok})
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request, scope store.PreferenceScope, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "preference scope id required", "")
		return
	}
	var p chat.Preferences
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err := s.sessions.SetPreferences(r.Context(), scope, id, p); err != nil {
		slog.Error("save preferences failed", "scope", scope, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences", "")
		return
	}
	s.prefs.invalidate(scope, id)
	writeJSON(w, http.StatusOK, preferencesResponse{Preferences: p, Stored: true})
}

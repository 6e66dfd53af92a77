package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionHandler serves the caller's finished-session history.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session history handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session history routes on an authenticated /api router.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.List)
	r.Post("/sessions", h.Append)
}

// List returns the caller's sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.PastSession{}
	}
	JSON(w, http.StatusOK, sessions)
}

// Append stores one finished session for the caller.
func (h *SessionHandler) Append(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var session domain.PastSession
	if err := decodeJSON(w, r, &session); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := session.NormalizeDate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := session.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.AppendSession(r.Context(), userID, &session); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			Error(w, http.StatusConflict, "session already exists")
			return
		}
		slog.Error("Failed to save session", "error", err, "user_id", userID, "session_id", session.ID)
		Error(w, http.StatusInternalServerError, "failed to save session")
		return
	}

	slog.Info("Session saved", "user_id", userID, "session_id", session.ID)
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/go-chi/chi/v5"
)

// AuthHandler handles login, logout and identity lookups.
type AuthHandler struct {
	*Handler
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *Handler) *AuthHandler {
	return &AuthHandler{Handler: base}
}

// RegisterRoutes registers auth routes on an /api router.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/phone", h.Login)
		r.Post("/logout", h.Logout)
		r.With(identity.RequireAuth(h.gate)).Get("/me", h.Me)
	})
}

type loginRequest struct {
	Phone string `json:"phone"`
}

// Login issues a credential cookie for a phone-like identifier.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "Phone number required")
		return
	}

	claim, err := identity.NormalizeClaim(identity.Claim{Phone: req.Phone})
	if err != nil {
		Error(w, http.StatusBadRequest, "Phone number required")
		return
	}

	token, _, err := h.gate.Issue(claim)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidClaim) {
			Error(w, http.StatusBadRequest, "Phone number required")
			return
		}
		slog.Error("Failed to issue credential", "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue credential")
		return
	}

	prev, err := h.repo.GetUser(r.Context(), claim.ID)
	if err != nil {
		slog.Warn("Failed to look up user", "error", err, "user_id", claim.ID)
	}
	recent := prev != nil && prev.Seen(h.gate.TTL())

	now := time.Now()
	if err := h.repo.UpsertUser(r.Context(), &domain.User{
		UserID:     claim.ID,
		Phone:      claim.Phone,
		LastSeenAt: now,
		CreatedAt:  now,
	}); err != nil {
		// The credential alone is the identity; the users table is bookkeeping.
		slog.Warn("Failed to record login", "error", err, "user_id", claim.ID)
	}

	identity.SetCookie(w, token, h.gate.TTL(), h.isDevelopment())
	slog.Info("User logged in", "user_id", claim.ID, "ip", identity.IPFromRequest(r), "recent", recent)
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me returns the identity carried by the credential.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]string{
			"id":    identity.UserIDFromContext(r.Context()),
			"phone": identity.PhoneFromContext(r.Context()),
		},
	})
}

// Logout clears the credential cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, _ *http.Request) {
	identity.ClearCookie(w, h.isDevelopment())
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

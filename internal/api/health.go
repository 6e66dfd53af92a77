package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
	"github.com/ashureev/scenario-lab/internal/simulation"
	"github.com/go-chi/chi/v5"
)

const (
	healthCheckTimeout     = 5 * time.Second
	themeValidationTimeout = 15 * time.Second
)

// HealthHandler reports dependency health.
type HealthHandler struct {
	*Handler
	mgr *simulation.Manager
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler, mgr *simulation.Manager) *HealthHandler {
	return &HealthHandler{Handler: base, mgr: mgr}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mgr != nil {
		if hc, ok := h.mgr.Orchestrator().(orchestrator.HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				slog.Warn("Orchestrator health check failed", "error", err)
				status["status"] = "degraded"
				checks["orchestrator"] = "unreachable"
				statusCode = http.StatusServiceUnavailable
			} else {
				checks["orchestrator"] = "ok"
			}
		}
		status["active_simulations"] = h.mgr.Count()
	}

	JSON(w, statusCode, status)
}

// CatalogHandler serves the scenario picker catalogue and theme validation.
type CatalogHandler struct {
	*Handler
	validator orchestrator.ThemeValidator
}

// NewCatalogHandler creates a catalogue handler. validator may be nil, in
// which case every custom theme is accepted.
func NewCatalogHandler(base *Handler, validator orchestrator.ThemeValidator) *CatalogHandler {
	return &CatalogHandler{Handler: base, validator: validator}
}

type modeInfo struct {
	ID       domain.Mode `json:"id"`
	Label    string      `json:"label"`
	MaxTurns int         `json:"maxTurns"`
}

// GetConfig returns the picker catalogue and timer settings.
func (h *CatalogHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	modes := make([]modeInfo, 0, len(domain.Modes))
	for _, m := range domain.Modes {
		modes = append(modes, modeInfo{ID: m, Label: m.Label(), MaxTurns: m.MaxTurns()})
	}

	turnSeconds := simulation.DefaultTurnSeconds
	enforceHardCap := false
	if h.cfg != nil {
		turnSeconds = h.cfg.Simulation.TurnSeconds
		enforceHardCap = h.cfg.Simulation.EnforceHardCap
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"modes":          modes,
		"difficulties":   domain.Difficulties,
		"themes":         domain.Themes,
		"customTheme":    domain.CustomThemePlaceholder,
		"turnSeconds":    turnSeconds,
		"enforceHardCap": enforceHardCap,
	})
}

type themeRequest struct {
	Theme string `json:"theme"`
}

// ValidateTheme asks the model whether a custom theme is a workable product
// management scenario. Validator failures accept the theme.
func (h *CatalogHandler) ValidateTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	theme := strings.TrimSpace(req.Theme)
	if theme == "" || theme == domain.CustomThemePlaceholder {
		Error(w, http.StatusBadRequest, "theme is required")
		return
	}
	if domain.IsCatalogTheme(theme) || h.validator == nil {
		JSON(w, http.StatusOK, map[string]bool{"valid": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), themeValidationTimeout)
	defer cancel()
	valid, err := h.validator.ValidateTheme(ctx, theme)
	if err != nil {
		slog.Warn("Theme validation failed, accepting theme", "error", err)
		valid = true
	}
	JSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

package api

import (
	"net/http"

	"github.com/ashureev/scenario-lab/internal/config"
	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
	"github.com/ashureev/scenario-lab/internal/simulation"
	"github.com/ashureev/scenario-lab/internal/store"
	"github.com/go-chi/chi/v5"
)

// Deps are the services the API is built on.
type Deps struct {
	Config      *config.Config
	Repo        store.Repository
	Gate        *identity.Gate
	Simulations *simulation.Manager
	// RateLimit wraps routes that call the orchestrator. Optional.
	RateLimit func(http.Handler) http.Handler
	// SPA serves every non-API path. Optional.
	SPA http.Handler
}

// Mount registers the /api routes and the SPA fallback on r.
func Mount(r chi.Router, deps Deps) {
	base := NewHandler(deps.Repo, deps.Gate, deps.Config)

	var validator orchestrator.ThemeValidator
	if v, ok := deps.Simulations.Orchestrator().(orchestrator.ThemeValidator); ok {
		validator = v
	}

	authHandler := NewAuthHandler(base)
	sessionHandler := NewSessionHandler(base)
	catalogHandler := NewCatalogHandler(base, validator)
	healthHandler := NewHealthHandler(base, deps.Simulations)
	simulationHandler := NewSimulationHandler(base, deps.Simulations, deps.RateLimit)

	limit := deps.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.NotFound(NotFound)
		r.MethodNotAllowed(MethodNotAllowed)

		// Public routes.
		healthHandler.RegisterHealth(r)
		r.Get("/config", catalogHandler.GetConfig)
		authHandler.RegisterRoutes(r)

		// Credentialed routes.
		r.Group(func(r chi.Router) {
			r.Use(identity.RequireAuth(deps.Gate))
			sessionHandler.RegisterRoutes(r)
			r.With(limit).Post("/themes/validate", catalogHandler.ValidateTheme)
			simulationHandler.RegisterRoutes(r)
		})
	})

	if deps.SPA != nil {
		r.Handle("/*", deps.SPA)
	}
}

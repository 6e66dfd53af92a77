package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/simulation"
	"github.com/go-chi/chi/v5"
)

// SimulationHandler exposes live simulations over REST, WebSocket and SSE.
type SimulationHandler struct {
	*Handler
	mgr     *simulation.Manager
	limiter func(http.Handler) http.Handler
}

// NewSimulationHandler creates a simulation handler. limiter wraps the
// routes that call the orchestrator and may be nil.
func NewSimulationHandler(base *Handler, mgr *simulation.Manager, limiter func(http.Handler) http.Handler) *SimulationHandler {
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	return &SimulationHandler{Handler: base, mgr: mgr, limiter: limiter}
}

// RegisterRoutes registers simulation routes on an authenticated /api router.
func (h *SimulationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/simulations", func(r chi.Router) {
		r.With(h.limiter).Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.With(h.limiter).Post("/messages", h.Send)
			r.With(h.limiter).Post("/finish", h.Finish)
			r.Post("/cancel", h.RequestCancel)
			r.Post("/cancel/confirm", h.ConfirmCancel)
			r.Post("/cancel/dismiss", h.DismissCancel)
			r.Get("/ws", h.ServeWebSocket)
			r.Get("/events", h.ServeEvents)
		})
	})
}

// Create starts a simulation and runs its opening turn.
func (h *SimulationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var cfg domain.SimulationConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.mgr.Create(r.Context(), userID, cfg)
	if err != nil {
		writeSimulationError(w, err)
		return
	}
	JSON(w, http.StatusCreated, s.Snapshot())
}

// Get returns the current snapshot.
func (h *SimulationHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

// Delete forgets a live simulation.
func (h *SimulationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.mgr.Remove(s.ID())
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Content string `json:"content"`
}

// Send submits one user message and returns once the stakeholders replied.
func (h *SimulationHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Submit(r.Context(), req.Content); err != nil {
		writeSimulationError(w, err)
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

// Finish evaluates the simulation.
func (h *SimulationHandler) Finish(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	past, err := s.Finish(r.Context())
	if err != nil {
		writeSimulationError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"evaluation": past.Evaluation,
		"session":    past,
	})
}

// RequestCancel asks for cancel confirmation.
func (h *SimulationHandler) RequestCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*simulation.Session).RequestCancel)
}

// ConfirmCancel aborts the simulation without saving.
func (h *SimulationHandler) ConfirmCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*simulation.Session).ConfirmCancel)
}

// DismissCancel withdraws a pending cancel.
func (h *SimulationHandler) DismissCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*simulation.Session).DismissCancel)
}

func (h *SimulationHandler) transition(w http.ResponseWriter, r *http.Request, fn func(*simulation.Session) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := fn(s); err != nil {
		writeSimulationError(w, err)
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

// session resolves the {id} route parameter for the caller.
func (h *SimulationHandler) session(w http.ResponseWriter, r *http.Request) (*simulation.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	s, err := h.mgr.Get(userID, chi.URLParam(r, "id"))
	if err != nil {
		writeSimulationError(w, err)
		return nil, false
	}
	return s, true
}

func simulationStatus(err error) int {
	switch {
	case errors.Is(err, simulation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrEmptyMessage), errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, simulation.ErrBusy),
		errors.Is(err, simulation.ErrTurnLimit),
		errors.Is(err, simulation.ErrNotActive),
		errors.Is(err, simulation.ErrNoCancelPending):
		return http.StatusConflict
	case errors.Is(err, simulation.ErrEvaluationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSimulationError(w http.ResponseWriter, err error) {
	status := simulationStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Simulation request failed", "error", err)
		msg = "internal error"
	}
	if status == http.StatusBadGateway {
		// Provider details stay in the server log.
		msg = strings.SplitN(msg, ":", 2)[0]
	}
	Error(w, status, msg)
}

package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
)

// ErrNotFound is returned for unknown sessions and for sessions owned by
// another user.
var ErrNotFound = errors.New("simulation not found")

const (
	defaultTickInterval = time.Second
	defaultIdleTTL      = 60 * time.Minute
	defaultReapInterval = time.Minute
)

// ManagerConfig controls ticking and reaping.
type ManagerConfig struct {
	TickInterval time.Duration
	IdleTTL      time.Duration
	ReapInterval time.Duration
}

type entry struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager owns the live sessions of all users.
type Manager struct {
	orch     orchestrator.Orchestrator
	recorder Recorder
	opts     Options
	cfg      ManagerConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates a manager. Tickers and the reaper stop when ctx ends or
// Shutdown is called.
func NewManager(ctx context.Context, orch orchestrator.Orchestrator, recorder Recorder, opts Options, cfg ManagerConfig) *Manager {
	opts = opts.withDefaults()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		orch:     orch,
		recorder: recorder,
		opts:     opts,
		cfg:      cfg,
		logger:   opts.Logger,
		ctx:      mctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Orchestrator returns the backend sessions talk to.
func (m *Manager) Orchestrator() orchestrator.Orchestrator {
	return m.orch
}

// Create validates cfg, registers a new session for userID and runs its
// initialization turn before returning.
func (m *Manager) Create(ctx context.Context, userID string, cfg domain.SimulationConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := NewSession(userID, cfg, m.orch, m.recorder, m.opts)
	sctx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("manager stopped: %w", m.ctx.Err())
	}
	m.sessions[s.ID()] = &entry{session: s, cancel: cancel}
	m.mu.Unlock()

	m.logger.Info("Simulation created",
		"simulation_id", s.ID(),
		"user_id", userID,
		"mode", cfg.Mode,
		"difficulty", cfg.Difficulty,
		"time_pressure", cfg.TimePressure)

	if err := s.Initialize(ctx); err != nil {
		m.Remove(s.ID())
		return nil, err
	}
	if cfg.TimePressure {
		go m.runTicker(sctx, s)
	}
	return s, nil
}

// Get returns userID's session by id.
func (m *Manager) Get(userID, id string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || e.session.UserID() != userID {
		return nil, ErrNotFound
	}
	e.session.touch()
	return e.session, nil
}

// Remove stops and forgets a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	e.session.Close()
	m.logger.Info("Simulation removed", "simulation_id", id, "user_id", e.session.UserID())
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// runTicker drives the session countdown until the session ends.
func (m *Manager) runTicker(ctx context.Context, s *Session) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State().Terminal() {
				return
			}
			s.Tick(ctx)
		}
	}
}

// StartReaper runs a background goroutine that periodically removes
// sessions idle for longer than the configured TTL.
func (m *Manager) StartReaper() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Simulation reaper started", "interval", m.cfg.ReapInterval, "ttl", m.cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				m.reap(m.opts.Now())
			case <-m.ctx.Done():
				m.logger.Info("Simulation reaper shutting down", "reason", m.ctx.Err())
				return
			}
		}
	}()
}

// reap removes sessions idle since before now-IdleTTL and returns how many.
func (m *Manager) reap(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTTL)

	m.mu.RLock()
	var expired []string
	for id, e := range m.sessions {
		if e.session.State().busy() {
			continue
		}
		if e.session.idleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Remove(id)
	}
	if len(expired) > 0 {
		m.logger.Info("Simulation reaper cleanup completed", "cleaned", len(expired))
	}
	return len(expired)
}

// Shutdown stops all tickers and the reaper and closes every session.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Remove(id)
	}
}

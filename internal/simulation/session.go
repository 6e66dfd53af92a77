// Package simulation runs live scenario sessions: the turn and countdown state
// machine, its per-session ticker, and the idle reaper.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
)

// State is the lifecycle position of a session.
type State string

const (
	StateInitializing  State = "initializing"
	StateAwaitingInput State = "awaiting_input"
	StateAwaitingModel State = "awaiting_model"
	StateEvaluating    State = "evaluating"
	StateFinished      State = "finished"
	StateAborted       State = "aborted"
)

// busy reports whether an orchestrator call is outstanding.
func (s State) busy() bool {
	return s == StateInitializing || s == StateAwaitingModel || s == StateEvaluating
}

// Terminal reports whether the session can no longer change.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Fixed texts exchanged with the orchestrator and shown in the transcript.
const (
	BootstrapInstruction   = "BEGIN SCENARIO"
	TimeExpiredNotice      = "[SYSTEM]: Time expired for this turn. The stakeholders are waiting."
	TimeExpiredInstruction = "[SYSTEM]: The user ran out of time to respond. React accordingly as the stakeholders."
	InitErrorMessage       = "Error initializing scenario. Please try again."
	TurnErrorMessage       = "Error communicating with the simulation engine."
)

const (
	DefaultTurnSeconds    = 120
	defaultCallTimeout    = 90 * time.Second
	defaultPersistTimeout = 5 * time.Second
)

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrBusy             = errors.New("simulation is waiting for the orchestrator")
	ErrTurnLimit        = errors.New("turn limit reached")
	ErrNotActive        = errors.New("simulation is not active")
	ErrNoCancelPending  = errors.New("no cancel request pending")
	ErrEvaluationFailed = errors.New("evaluation failed")
)

// Recorder persists finished sessions.
type Recorder interface {
	AppendSession(ctx context.Context, userID string, session *domain.PastSession) error
}

// Options tune a session. Zero values fall back to defaults.
type Options struct {
	TurnSeconds     int
	EnforceHardCap  bool
	CallTimeout     time.Duration
	PersistTimeout  time.Duration
	Now             func() time.Time
	NewID           func() string
	Logger          *slog.Logger
	ConversationLog *ConversationLogger
}

func (o Options) withDefaults() Options {
	if o.TurnSeconds <= 0 {
		o.TurnSeconds = DefaultTurnSeconds
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = defaultPersistTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one live simulation owned by one user. All transcript and
// timer state is guarded by mu; orchestrator calls run without holding it.
type Session struct {
	id                string
	userID            string
	cfg               domain.SimulationConfig
	orch              orchestrator.Orchestrator
	recorder          Recorder
	opts              Options
	systemInstruction string
	logger            *slog.Logger
	createdAt         time.Time

	mu            sync.Mutex
	state         State
	initStarted   bool
	messages      []domain.Message
	history       []domain.Message
	turnCount     int
	timeLeft      int
	cancelPending bool
	evaluation    *domain.EvaluationResult
	lastActivity  time.Time
	subs          map[int]chan Event
	nextSub       int
	closed        bool
}

// NewSession creates a session in the initializing state. cfg must already
// be validated.
func NewSession(userID string, cfg domain.SimulationConfig, orch orchestrator.Orchestrator, recorder Recorder, opts Options) *Session {
	opts = opts.withDefaults()
	now := opts.Now()
	id := opts.NewID()
	return &Session{
		id:                id,
		userID:            userID,
		cfg:               cfg,
		orch:              orch,
		recorder:          recorder,
		opts:              opts,
		systemInstruction: orchestrator.SystemInstruction(cfg),
		logger:            opts.Logger.With("simulation_id", id, "user_id", userID),
		createdAt:         now,
		state:             StateInitializing,
		timeLeft:          opts.TurnSeconds,
		lastActivity:      now,
		subs:              make(map[int]chan Event),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the owner.
func (s *Session) UserID() string { return s.userID }

// Config returns the scenario configuration.
func (s *Session) Config() domain.SimulationConfig { return s.cfg }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize asks the orchestrator for the opening turn. A failure leaves a
// single system error message in the transcript; the session is usable
// either way.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initStarted || s.state != StateInitializing {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.initStarted = true
	s.mu.Unlock()

	reply, err := s.continueTurn(ctx, nil, BootstrapInstruction)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotActive
	}
	now := s.opts.Now()
	if err != nil {
		s.logger.Error("Scenario initialization failed", "error", err)
		s.appendLocked(domain.NewMessage(domain.RoleSystem, InitErrorMessage, now))
	} else {
		s.appendLocked(domain.NewMessage(domain.RoleModel, reply, now))
		s.history = append(s.history,
			domain.NewMessage(domain.RoleUser, BootstrapInstruction, now),
			domain.NewMessage(domain.RoleModel, reply, now),
		)
		s.turnCount = 1
	}
	s.enterAwaitingInputLocked()
	return nil
}

// Submit sends user text to the orchestrator. Orchestrator failures are
// recorded inline as a system message and do not return an error.
func (s *Session) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if err := s.checkAwaitingInputLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.capReachedLocked() {
		s.mu.Unlock()
		return ErrTurnLimit
	}
	s.cancelPending = false
	s.appendLocked(domain.NewMessage(domain.RoleUser, text, s.opts.Now()))
	history := s.beginTurnLocked()
	s.mu.Unlock()

	s.completeTurn(ctx, history, text)
	return nil
}

// Tick advances the countdown by one unit. When it reaches zero the session
// takes a time-expired turn on the user's behalf. Tick reports whether that
// turn was taken.
func (s *Session) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if !s.timerActiveLocked() {
		s.mu.Unlock()
		return false
	}
	if s.timeLeft > 1 {
		s.timeLeft--
		s.publishLocked(Event{Type: EventTick, TimeLeft: s.timeLeft})
		s.mu.Unlock()
		return false
	}

	s.timeLeft = 0
	s.appendLocked(domain.NewMessage(domain.RoleSystem, TimeExpiredNotice, s.opts.Now()))
	history := s.beginTurnLocked()
	s.mu.Unlock()

	s.logger.Info("Turn timed out")
	s.completeTurn(ctx, history, TimeExpiredInstruction)
	return true
}

// beginTurnLocked moves to awaiting_model and returns a copy of the model
// history for the call.
func (s *Session) beginTurnLocked() []domain.Message {
	s.state = StateAwaitingModel
	s.timeLeft = s.opts.TurnSeconds
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
	return append([]domain.Message(nil), s.history...)
}

func (s *Session) completeTurn(ctx context.Context, history []domain.Message, text string) {
	reply, err := s.continueTurn(ctx, history, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.opts.Now()
	if err != nil {
		s.logger.Error("Orchestrator turn failed", "error", err)
		s.appendLocked(domain.NewMessage(domain.RoleSystem, TurnErrorMessage, now))
	} else {
		s.appendLocked(domain.NewMessage(domain.RoleModel, reply, now))
		s.history = append(s.history,
			domain.NewMessage(domain.RoleUser, text, now),
			domain.NewMessage(domain.RoleModel, reply, now),
		)
		s.turnCount++
	}
	s.enterAwaitingInputLocked()
}

// continueTurn calls the orchestrator detached from the caller's
// cancellation; in-flight turns are never cancelled.
func (s *Session) continueTurn(ctx context.Context, history []domain.Message, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallTimeout)
	defer cancel()
	reply, err := s.orch.ContinueTurn(callCtx, orchestrator.TurnRequest{
		SystemInstruction: s.systemInstruction,
		History:           history,
		Text:              text,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", orchestrator.ErrEmptyResponse
	}
	return reply, nil
}

func (s *Session) enterAwaitingInputLocked() {
	s.state = StateAwaitingInput
	s.timeLeft = s.opts.TurnSeconds
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
}

// Finish evaluates the transcript. On success the graded session is
// persisted through the recorder, where failures are logged and swallowed,
// and the session is finished. On failure the session stays in
// awaiting_input. A session closed while the evaluation runs returns
// ErrNotActive and nothing is saved.
func (s *Session) Finish(ctx context.Context) (*domain.PastSession, error) {
	s.mu.Lock()
	if err := s.checkAwaitingInputLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = StateEvaluating
	s.cancelPending = false
	s.lastActivity = s.opts.Now()
	transcript := domain.FormatTranscript(s.messages)
	s.publishSnapshotLocked()
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallTimeout)
	result, err := s.orch.Evaluate(callCtx, transcript)
	cancel()
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		s.logger.Error("Evaluation failed", "error", err)
		s.mu.Lock()
		if !s.closed {
			// Resume with the countdown where it stopped.
			s.state = StateAwaitingInput
			s.publishSnapshotLocked()
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	// A session removed mid-evaluation stays aborted and is not stored.
	// Otherwise it is finished before the write, so a later Close leaves it be.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Info("Session closed during evaluation, not saving")
		return nil, ErrNotActive
	}
	s.evaluation = result
	s.state = StateFinished
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
	s.mu.Unlock()

	past := &domain.PastSession{
		ID:         s.opts.NewID(),
		Date:       domain.FormatSessionDate(s.opts.Now()),
		Config:     s.cfg,
		Evaluation: result,
	}
	s.persist(ctx, past)

	s.opts.ConversationLog.Log(ConversationLogEvent{
		UserID:     s.userID,
		SessionID:  s.id,
		Direction:  DirectionSystem,
		EventType:  EventTypeEvaluation,
		ContentRaw: result.Summary,
		TurnCount:  s.turnCountSnapshot(),
	})
	return past, nil
}

func (s *Session) persist(ctx context.Context, past *domain.PastSession) {
	if s.recorder == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()
	if err := s.recorder.AppendSession(persistCtx, s.userID, past); err != nil {
		s.logger.Warn("Failed to save finished session", "session_id", past.ID, "error", err)
		return
	}
	s.logger.Info("Finished session saved", "session_id", past.ID, "overall_score", past.Evaluation.OverallScore)
}

// RequestCancel starts the two-step cancel. The countdown pauses until the
// request is confirmed or dismissed.
func (s *Session) RequestCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAwaitingInputLocked(); err != nil {
		return err
	}
	s.cancelPending = true
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
	return nil
}

// DismissCancel withdraws a pending cancel request.
func (s *Session) DismissCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelPending {
		return ErrNoCancelPending
	}
	s.cancelPending = false
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
	return nil
}

// ConfirmCancel aborts the session and discards its transcript. Nothing is
// persisted.
func (s *Session) ConfirmCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAwaitingInputLocked(); err != nil {
		return err
	}
	if !s.cancelPending {
		return ErrNoCancelPending
	}
	s.state = StateAborted
	s.cancelPending = false
	s.messages = nil
	s.history = nil
	s.lastActivity = s.opts.Now()
	s.publishSnapshotLocked()
	s.logger.Info("Simulation cancelled")
	s.opts.ConversationLog.Log(ConversationLogEvent{
		UserID:    s.userID,
		SessionID: s.id,
		Direction: DirectionSystem,
		EventType: EventTypeCancelled,
	})
	return nil
}

// Close releases subscribers. A session that has not finished is aborted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.state.Terminal() {
		s.state = StateAborted
		s.publishSnapshotLocked()
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Session) checkAwaitingInputLocked() error {
	switch {
	case s.closed || s.state.Terminal():
		return ErrNotActive
	case s.state.busy():
		return ErrBusy
	}
	return nil
}

// capReachedLocked reports whether the optional hard cap blocks more input.
// The opening turn counts, so turnCount never exceeds maxTurns.
func (s *Session) capReachedLocked() bool {
	return s.opts.EnforceHardCap && s.turnCount >= s.cfg.MaxTurns()
}

func (s *Session) timerActiveLocked() bool {
	return s.cfg.TimePressure &&
		!s.closed &&
		s.state == StateAwaitingInput &&
		!s.cancelPending &&
		!s.capReachedLocked()
}

func (s *Session) appendLocked(m domain.Message) {
	s.messages = append(s.messages, m)

	var direction, eventType string
	switch m.Role {
	case domain.RoleUser:
		direction, eventType = DirectionInbound, EventTypeUserMessage
	case domain.RoleModel:
		direction, eventType = DirectionOutbound, EventTypeModelMessage
	default:
		direction, eventType = DirectionSystem, EventTypeSystemMessage
	}
	s.opts.ConversationLog.Log(ConversationLogEvent{
		UserID:     s.userID,
		SessionID:  s.id,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: m.Content,
		TurnCount:  s.turnCount,
	})
}

func (s *Session) turnCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.opts.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

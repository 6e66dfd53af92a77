package simulation

import (
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
)

// MessageView is a transcript message as shown to clients. Model messages
// carry their parsed segments.
type MessageView struct {
	domain.Message
	Segments []domain.Segment `json:"segments,omitempty"`
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	ID            string                   `json:"id"`
	Config        domain.SimulationConfig  `json:"config"`
	State         State                    `json:"state"`
	TurnCount     int                      `json:"turnCount"`
	MaxTurns      int                      `json:"maxTurns"`
	NearTurnLimit bool                     `json:"nearTurnLimit"`
	InputDisabled bool                     `json:"inputDisabled"`
	TimeLeft      int                      `json:"timeLeft"`
	TimerActive   bool                     `json:"timerActive"`
	CancelPending bool                     `json:"cancelPending"`
	Messages      []MessageView            `json:"messages"`
	Evaluation    *domain.EvaluationResult `json:"evaluation,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
}

// EventType names a session event.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventTick     EventType = "tick"
)

// Event is pushed to subscribers on every state change and countdown tick.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	TimeLeft int       `json:"timeLeft,omitempty"`
}

const subscriberBuffer = 32

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	maxTurns := s.cfg.MaxTurns()
	views := make([]MessageView, 0, len(s.messages))
	for _, m := range s.messages {
		v := MessageView{Message: m}
		if m.Role == domain.RoleModel {
			v.Segments = domain.ParseSegments(m.Content)
		}
		views = append(views, v)
	}
	return &Snapshot{
		ID:            s.id,
		Config:        s.cfg,
		State:         s.state,
		TurnCount:     s.turnCount,
		MaxTurns:      maxTurns,
		NearTurnLimit: s.turnCount >= maxTurns-1,
		InputDisabled: s.state != StateAwaitingInput || s.closed || s.capReachedLocked(),
		TimeLeft:      s.timeLeft,
		TimerActive:   s.timerActiveLocked(),
		CancelPending: s.cancelPending,
		Messages:      views,
		Evaluation:    s.evaluation,
		CreatedAt:     s.createdAt,
	}
}

// Subscribe returns a channel of session events and a func to stop
// receiving them. The channel is closed when the session closes. Slow
// subscribers miss events rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Session) publishSnapshotLocked() {
	if len(s.subs) == 0 {
		return
	}
	s.publishLocked(Event{Type: EventSnapshot, Snapshot: s.snapshotLocked()})
}

func (s *Session) publishLocked(e Event) {
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

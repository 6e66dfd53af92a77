package simulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
)

type fakeOrchestrator struct {
	mu          sync.Mutex
	turnErr     error
	evalErr     error
	block       chan struct{}
	evalBlock   chan struct{}
	requests    []orchestrator.TurnRequest
	transcripts []string
	replies     int
}

func (f *fakeOrchestrator) ContinueTurn(_ context.Context, req orchestrator.TurnRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnErr != nil {
		return "", f.turnErr
	}
	f.replies++
	return fmt.Sprintf("Maya (Eng Lead): reply %d", f.replies), nil
}

func (f *fakeOrchestrator) Evaluate(_ context.Context, transcript string) (*domain.EvaluationResult, error) {
	f.mu.Lock()
	block := f.evalBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, transcript)
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	return &domain.EvaluationResult{
		OverallScore:       6,
		Scores:             []domain.CompetencyScore{{Competency: "Problem Framing", Score: 7, Feedback: "Solid."}},
		Summary:            "Decent run.",
		ImprovementVectors: []string{"Quantify impact"},
	}, nil
}

func (f *fakeOrchestrator) setTurnErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnErr = err
}

func (f *fakeOrchestrator) setEvalErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalErr = err
}

func (f *fakeOrchestrator) lastRequest() orchestrator.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeRecorder struct {
	mu       sync.Mutex
	err      error
	sessions map[string][]domain.PastSession
}

func (r *fakeRecorder) AppendSession(_ context.Context, userID string, s *domain.PastSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.sessions == nil {
		r.sessions = make(map[string][]domain.PastSession)
	}
	r.sessions[userID] = append(r.sessions[userID], *s)
	return nil
}

func (r *fakeRecorder) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var quickRep = domain.SimulationConfig{
	Mode:         domain.ModeQuickRep,
	Difficulty:   domain.DifficultyIntermediate,
	Theme:        "AI-Heavy",
	TimePressure: true,
}

func newTestSession(t *testing.T, cfg domain.SimulationConfig, orch orchestrator.Orchestrator, rec Recorder, opts Options) *Session {
	t.Helper()
	opts.Logger = quietLogger()
	s := NewSession("+447700900077", cfg, orch, rec, opts)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeQuickRepExample(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{})

	snap := s.Snapshot()
	if snap.MaxTurns != 3 {
		t.Errorf("maxTurns = %d, want 3", snap.MaxTurns)
	}
	if snap.TimeLeft != 120 {
		t.Errorf("timeLeft = %d, want 120", snap.TimeLeft)
	}
	if snap.State != StateAwaitingInput || snap.TurnCount != 1 {
		t.Errorf("state=%s turnCount=%d, want awaiting_input/1", snap.State, snap.TurnCount)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Role != domain.RoleModel {
		t.Fatalf("first transcript entry should be a model message: %+v", snap.Messages)
	}
	if !snap.TimerActive {
		t.Error("timer should be active with time pressure on")
	}

	req := orch.lastRequest()
	if req.Text != BootstrapInstruction || len(req.History) != 0 {
		t.Errorf("bootstrap request = %+v", req)
	}
	if !strings.Contains(req.SystemInstruction, "Theme Focus: AI-Heavy") {
		t.Error("system instruction should carry the configuration")
	}
}

func TestInitializeFailureDegrades(t *testing.T) {
	orch := &fakeOrchestrator{turnErr: errors.New("network down")}
	s := newTestSession(t, quickRep, orch, nil, Options{})

	snap := s.Snapshot()
	if snap.State != StateAwaitingInput {
		t.Fatalf("state = %s, want awaiting_input", snap.State)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(snap.Messages))
	}
	if m := snap.Messages[0]; m.Role != domain.RoleSystem || m.Content != InitErrorMessage {
		t.Errorf("unexpected message: %+v", m)
	}
	if snap.TurnCount != 0 {
		t.Errorf("turnCount = %d, want 0", snap.TurnCount)
	}

	if err := s.Initialize(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Initialize = %v, want ErrNotActive", err)
	}
}

func TestSubmitEmptyTextIsIgnored(t *testing.T) {
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{})
	before := s.Snapshot()

	for _, text := range []string{"", "   ", "\n\t "} {
		if err := s.Submit(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Submit(%q) = %v, want ErrEmptyMessage", text, err)
		}
	}

	after := s.Snapshot()
	if len(after.Messages) != len(before.Messages) || after.State != before.State || after.TurnCount != before.TurnCount {
		t.Errorf("empty submission changed the session: before=%+v after=%+v", before, after)
	}
}

func TestSubmitAppendsTurn(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{TurnSeconds: 10})

	for i := 0; i < 4; i++ {
		s.Tick(context.Background())
	}
	if got := s.Snapshot().TimeLeft; got != 6 {
		t.Fatalf("timeLeft after 4 ticks = %d, want 6", got)
	}

	if err := s.Submit(context.Background(), "Cut the reporting feature."); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.TurnCount != 2 || len(snap.Messages) != 3 {
		t.Fatalf("turnCount=%d messages=%d, want 2/3", snap.TurnCount, len(snap.Messages))
	}
	if snap.Messages[1].Role != domain.RoleUser || snap.Messages[2].Role != domain.RoleModel {
		t.Errorf("unexpected roles: %+v", snap.Messages)
	}
	if snap.TimeLeft != 10 {
		t.Errorf("countdown not reset: %d", snap.TimeLeft)
	}

	req := orch.lastRequest()
	if req.Text != "Cut the reporting feature." {
		t.Errorf("text = %q", req.Text)
	}
	if len(req.History) != 2 || req.History[0].Content != BootstrapInstruction || req.History[1].Role != domain.RoleModel {
		t.Errorf("history = %+v", req.History)
	}
}

func TestSubmitFailureAppendsInlineError(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{})
	orch.setTurnErr(errors.New("rate limited"))

	if err := s.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit should degrade, got %v", err)
	}
	snap := s.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != domain.RoleSystem || last.Content != TurnErrorMessage {
		t.Errorf("last message = %+v", last)
	}
	if snap.TurnCount != 1 || snap.State != StateAwaitingInput {
		t.Errorf("turnCount=%d state=%s", snap.TurnCount, snap.State)
	}

	// The failed exchange is not part of the model history.
	orch.setTurnErr(nil)
	if err := s.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := len(orch.lastRequest().History); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestOperationsRejectedWhileAwaitingModel(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{})

	block := make(chan struct{})
	orch.mu.Lock()
	orch.block = block
	orch.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "first") }()
	waitFor(t, "awaiting_model", func() bool { return s.State() == StateAwaitingModel })

	if err := s.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("Submit while busy = %v, want ErrBusy", err)
	}
	if _, err := s.Finish(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Finish while busy = %v, want ErrBusy", err)
	}
	if err := s.RequestCancel(); !errors.Is(err, ErrBusy) {
		t.Errorf("RequestCancel while busy = %v, want ErrBusy", err)
	}
	if s.Tick(context.Background()) {
		t.Error("timer must be suspended while a call is outstanding")
	}
	if s.Snapshot().TimerActive {
		t.Error("snapshot reports an active timer while busy")
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if s.State() != StateAwaitingInput {
		t.Errorf("state = %s", s.State())
	}
}

func TestTickInactiveWithoutTimePressure(t *testing.T) {
	cfg := quickRep
	cfg.TimePressure = false
	orch := &fakeOrchestrator{}
	s := newTestSession(t, cfg, orch, nil, Options{TurnSeconds: 2})

	for i := 0; i < 10; i++ {
		if s.Tick(context.Background()) {
			t.Fatal("time-expired turn fired without time pressure")
		}
	}
	snap := s.Snapshot()
	if snap.TimerActive || snap.TimeLeft != 2 || len(snap.Messages) != 1 {
		t.Errorf("timer should be inert: %+v", snap)
	}
}

func TestTickTimeExpiredTurn(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{TurnSeconds: 3})
	ctx := context.Background()

	if s.Tick(ctx) || s.Tick(ctx) {
		t.Fatal("expired too early")
	}
	if !s.Tick(ctx) {
		t.Fatal("expected time-expired turn on the third tick")
	}

	snap := s.Snapshot()
	if len(snap.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(snap.Messages))
	}
	notice, reply := snap.Messages[1], snap.Messages[2]
	if notice.Role != domain.RoleSystem || notice.Content != TimeExpiredNotice {
		t.Errorf("notice = %+v", notice)
	}
	if reply.Role != domain.RoleModel {
		t.Errorf("reply = %+v", reply)
	}
	if snap.TurnCount != 2 || snap.TimeLeft != 3 {
		t.Errorf("turnCount=%d timeLeft=%d, want 2/3", snap.TurnCount, snap.TimeLeft)
	}
	if got := orch.lastRequest().Text; got != TimeExpiredInstruction {
		t.Errorf("orchestrator text = %q", got)
	}
}

func TestTimeExpiredFailureAppendsInlineError(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestSession(t, quickRep, orch, nil, Options{TurnSeconds: 1})
	orch.setTurnErr(errors.New("boom"))

	if !s.Tick(context.Background()) {
		t.Fatal("expected time-expired turn")
	}
	snap := s.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	if last.Content != TurnErrorMessage || snap.TurnCount != 1 || snap.TimeLeft != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHardCap(t *testing.T) {
	ctx := context.Background()

	capped := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{EnforceHardCap: true})
	for i := 0; i < 2; i++ {
		if err := capped.Submit(ctx, "move"); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	snap := capped.Snapshot()
	if snap.TurnCount != 3 || snap.MaxTurns != 3 || !snap.InputDisabled || snap.TimerActive {
		t.Fatalf("expected capped session at 3/3: %+v", snap)
	}
	if err := capped.Submit(ctx, "one more"); !errors.Is(err, ErrTurnLimit) {
		t.Errorf("Submit past cap = %v, want ErrTurnLimit", err)
	}
	if capped.Tick(ctx) {
		t.Error("timer must not fire past the cap")
	}
	if got := capped.Snapshot().TurnCount; got != 3 {
		t.Errorf("turnCount after blocked input = %d, want 3", got)
	}

	// A time-expired turn may take the last slot but never more.
	timed := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{EnforceHardCap: true, TurnSeconds: 1})
	if err := timed.Submit(ctx, "move"); err != nil {
		t.Fatal(err)
	}
	if !timed.Tick(ctx) {
		t.Fatal("expected the time-expired turn to fill the last slot")
	}
	if timed.Tick(ctx) {
		t.Error("timer must stop once the cap is reached")
	}
	if got := timed.Snapshot().TurnCount; got != 3 {
		t.Errorf("timed turnCount = %d, want 3", got)
	}

	open := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{})
	for i := 0; i < 5; i++ {
		if err := open.Submit(ctx, "move"); err != nil {
			t.Fatalf("uncapped Submit %d failed: %v", i, err)
		}
	}
	if got := open.Snapshot().TurnCount; got != 6 {
		t.Errorf("uncapped turnCount = %d, want 6", got)
	}
}

func TestNearTurnLimit(t *testing.T) {
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{})
	if s.Snapshot().NearTurnLimit {
		t.Fatal("turn 1 of 3 is not near the limit")
	}
	if err := s.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if !s.Snapshot().NearTurnLimit {
		t.Error("turn 2 of 3 should be near the limit")
	}
}

func TestFinishPersistsOneSession(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := &fakeRecorder{}
	s := newTestSession(t, quickRep, orch, rec, Options{})
	ctx := context.Background()

	if err := s.Submit(ctx, "Ship the MVP."); err != nil {
		t.Fatal(err)
	}
	past, err := s.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	result := past.Evaluation
	if result.OverallScore < domain.MinScore || result.OverallScore > domain.MaxScore {
		t.Errorf("overall score out of range: %v", result.OverallScore)
	}
	if got := rec.count("+447700900077"); got != 1 {
		t.Fatalf("persisted sessions = %d, want 1", got)
	}

	saved := rec.sessions["+447700900077"][0]
	if err := saved.Validate(); err != nil {
		t.Errorf("persisted session invalid: %v", err)
	}
	if saved.ID != past.ID || saved.Config != quickRep || saved.Evaluation != result {
		t.Errorf("persisted session mismatch: %+v", saved)
	}

	orch.mu.Lock()
	transcript := orch.transcripts[0]
	orch.mu.Unlock()
	want := "[MODEL]: Maya (Eng Lead): reply 1\n\n[USER]: Ship the MVP.\n\n[MODEL]: Maya (Eng Lead): reply 2"
	if transcript != want {
		t.Errorf("transcript = %q, want %q", transcript, want)
	}

	snap := s.Snapshot()
	if snap.State != StateFinished || snap.Evaluation == nil || !snap.InputDisabled {
		t.Errorf("unexpected final snapshot: %+v", snap)
	}
	if err := s.Submit(ctx, "late"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Submit after finish = %v, want ErrNotActive", err)
	}
	if _, err := s.Finish(ctx); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Finish = %v, want ErrNotActive", err)
	}
}

func TestFinishSwallowsStoreFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, rec, Options{})

	past, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("store failure must not surface: %v", err)
	}
	if past == nil || past.Evaluation.Validate() != nil {
		t.Fatalf("expected a valid evaluation, got %+v", past)
	}
	if s.State() != StateFinished {
		t.Errorf("state = %s", s.State())
	}
}

func TestFinishAfterCloseIsNotSaved(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := &fakeRecorder{}
	s := newTestSession(t, quickRep, orch, rec, Options{})

	block := make(chan struct{})
	orch.mu.Lock()
	orch.evalBlock = block
	orch.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Finish(context.Background())
		done <- err
	}()
	waitFor(t, "evaluating", func() bool { return s.State() == StateEvaluating })

	s.Close()
	close(block)

	if err := <-done; !errors.Is(err, ErrNotActive) {
		t.Fatalf("Finish after Close = %v, want ErrNotActive", err)
	}
	if got := rec.count("+447700900077"); got != 0 {
		t.Errorf("persisted sessions = %d, want 0", got)
	}
	if snap := s.Snapshot(); snap.State != StateAborted || snap.Evaluation != nil {
		t.Errorf("unexpected snapshot after close: %+v", snap)
	}
}

func TestCloseAfterFinishKeepsFinished(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, rec, Options{})

	if _, err := s.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if s.State() != StateFinished {
		t.Errorf("state after Close = %s, want finished", s.State())
	}
	if got := rec.count("+447700900077"); got != 1 {
		t.Errorf("persisted sessions = %d, want 1", got)
	}
}

func TestFinishEvaluationFailureKeepsSession(t *testing.T) {
	orch := &fakeOrchestrator{evalErr: errors.New("model overloaded")}
	rec := &fakeRecorder{}
	s := newTestSession(t, quickRep, orch, rec, Options{TurnSeconds: 10})
	ctx := context.Background()
	s.Tick(ctx)
	s.Tick(ctx)

	if _, err := s.Finish(ctx); !errors.Is(err, ErrEvaluationFailed) {
		t.Fatalf("Finish = %v, want ErrEvaluationFailed", err)
	}
	snap := s.Snapshot()
	if snap.State != StateAwaitingInput || len(snap.Messages) != 1 || snap.TimeLeft != 8 {
		t.Errorf("session not restored: %+v", snap)
	}
	if rec.count("+447700900077") != 0 {
		t.Error("nothing should be persisted on evaluation failure")
	}

	orch.setEvalErr(nil)
	if _, err := s.Finish(ctx); err != nil {
		t.Fatalf("retry Finish failed: %v", err)
	}
	if rec.count("+447700900077") != 1 {
		t.Error("retry should persist exactly once")
	}
}

type invalidEvaluator struct{ fakeOrchestrator }

func (*invalidEvaluator) Evaluate(context.Context, string) (*domain.EvaluationResult, error) {
	return &domain.EvaluationResult{OverallScore: 42, Summary: "x", Scores: []domain.CompetencyScore{}, ImprovementVectors: []string{}}, nil
}

func TestFinishRejectsInvalidEvaluation(t *testing.T) {
	s := newTestSession(t, quickRep, &invalidEvaluator{}, &fakeRecorder{}, Options{})
	if _, err := s.Finish(context.Background()); !errors.Is(err, ErrEvaluationFailed) {
		t.Fatalf("Finish = %v, want ErrEvaluationFailed", err)
	}
}

func TestCancelFlow(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, rec, Options{TurnSeconds: 5})
	ctx := context.Background()

	if err := s.ConfirmCancel(); !errors.Is(err, ErrNoCancelPending) {
		t.Fatalf("ConfirmCancel without request = %v", err)
	}
	if err := s.DismissCancel(); !errors.Is(err, ErrNoCancelPending) {
		t.Fatalf("DismissCancel without request = %v", err)
	}

	if err := s.RequestCancel(); err != nil {
		t.Fatal(err)
	}
	if !s.Snapshot().CancelPending || s.Tick(ctx) || s.Snapshot().TimeLeft != 5 {
		t.Error("countdown should pause while a cancel is pending")
	}
	if err := s.DismissCancel(); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().CancelPending || s.State() != StateAwaitingInput {
		t.Error("dismiss should return to the live session")
	}

	if err := s.RequestCancel(); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmCancel(); err != nil {
		t.Fatalf("ConfirmCancel failed: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateAborted || len(snap.Messages) != 0 {
		t.Errorf("aborted session should discard its transcript: %+v", snap)
	}
	if rec.count("+447700900077") != 0 {
		t.Error("cancel must not persist anything")
	}
	if err := s.Submit(ctx, "hello?"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Submit after abort = %v, want ErrNotActive", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{TurnSeconds: 5})
	events, stop := s.Subscribe()
	defer stop()

	s.Tick(context.Background())
	if e := <-events; e.Type != EventTick || e.TimeLeft != 4 {
		t.Fatalf("first event = %+v", e)
	}

	if err := s.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	var states []State
	for len(states) < 2 {
		e := <-events
		if e.Type == EventSnapshot {
			states = append(states, e.Snapshot.State)
		}
	}
	if states[0] != StateAwaitingModel || states[1] != StateAwaitingInput {
		t.Errorf("states = %v", states)
	}

	s.Close()
	for range events {
	}
}

func TestSnapshotSegmentsModelMessages(t *testing.T) {
	s := newTestSession(t, quickRep, &fakeOrchestrator{}, nil, Options{})
	snap := s.Snapshot()
	if len(snap.Messages[0].Segments) == 0 {
		t.Fatal("model message should carry segments")
	}
	if snap.Messages[0].Segments[0].Kind != domain.SegmentNarrative {
		t.Errorf("segment kind = %s", snap.Messages[0].Segments[0].Kind)
	}
}

package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
)

func validEvaluation() *domain.EvaluationResult {
	return &domain.EvaluationResult{
		OverallScore:       7,
		Summary:            "Clear prioritisation under pressure.",
		ImprovementVectors: []string{"Quantify the tradeoff."},
		Scores: []domain.CompetencyScore{
			{Competency: "Prioritization", Score: 8, Feedback: "Cut scope early."},
		},
	}
}

func pastSession(id, date string) domain.PastSession {
	return domain.PastSession{
		ID:   id,
		Date: date,
		Config: domain.SimulationConfig{
			Mode:       domain.ModeQuickRep,
			Difficulty: domain.DifficultyBeginner,
			Theme:      "AI-Heavy",
		},
		Evaluation: validEvaluation(),
	}
}

func TestSessionsRequireCredential(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())

	w := a.do(t, http.MethodGet, "/api/sessions", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/sessions without cookie = %d, want 401", w.Code)
	}
	w = a.do(t, http.MethodPost, "/api/sessions", pastSession("s-1", "2026-03-01T10:00:00Z"), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("POST /api/sessions without cookie = %d, want 401", w.Code)
	}
}

func TestSessionsAppendAndList(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())
	cookie := a.login(t)

	w := a.do(t, http.MethodGet, "/api/sessions", nil, cookie)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Fatalf("empty history = %d %q, want 200 []", w.Code, w.Body.String())
	}

	for _, s := range []domain.PastSession{
		pastSession("s-1", "2026-03-01T10:00:00Z"),
		pastSession("s-2", "2026-03-02T10:00:00+02:00"),
	} {
		w := a.do(t, http.MethodPost, "/api/sessions", s, cookie)
		if w.Code != http.StatusOK {
			t.Fatalf("append %s = %d body=%s", s.ID, w.Code, w.Body.String())
		}
		if got := decodeBody[map[string]bool](t, w); !got["success"] {
			t.Errorf("append %s: success=false", s.ID)
		}
	}

	w = a.do(t, http.MethodGet, "/api/sessions", nil, cookie)
	got := decodeBody[[]domain.PastSession](t, w)
	if len(got) != 2 || got[0].ID != "s-2" {
		t.Fatalf("list = %+v, want s-2 first", got)
	}
	if got[0].Date != "2026-03-02T08:00:00.000Z" {
		t.Errorf("date not normalized to UTC millis: %q", got[0].Date)
	}
}

func TestSessionsAppendRejectsInvalid(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())
	cookie := a.login(t)

	noEval := pastSession("s-1", "2026-03-01T10:00:00Z")
	noEval.Evaluation = nil
	badScore := pastSession("s-2", "2026-03-01T10:00:00Z")
	badScore.Evaluation.OverallScore = 11
	badDate := pastSession("s-3", "yesterday")
	noID := pastSession("", "2026-03-01T10:00:00Z")

	for name, body := range map[string]interface{}{
		"missing evaluation": noEval,
		"score out of range": badScore,
		"bad date":           badDate,
		"missing id":         noID,
		"not an object":      "hello",
	} {
		t.Run(name, func(t *testing.T) {
			if w := a.do(t, http.MethodPost, "/api/sessions", body, cookie); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body=%s)", w.Code, w.Body.String())
			}
		})
	}
	if n := a.repo.count(testPhone); n != 0 {
		t.Errorf("invalid sessions were stored: %d", n)
	}
}

func TestSessionsAppendDuplicate(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())
	cookie := a.login(t)

	s := pastSession("dup", "2026-03-01T10:00:00Z")
	if w := a.do(t, http.MethodPost, "/api/sessions", s, cookie); w.Code != http.StatusOK {
		t.Fatalf("first append = %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/sessions", s, cookie); w.Code != http.StatusConflict {
		t.Fatalf("duplicate append = %d, want 409", w.Code)
	}
	if n := a.repo.count(testPhone); n != 1 {
		t.Errorf("stored %d sessions, want 1", n)
	}
}

func TestSessionsListFailure(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())
	cookie := a.login(t)

	a.repo.mu.Lock()
	a.repo.listErr = errors.New("disk I/O error")
	a.repo.mu.Unlock()

	if w := a.do(t, http.MethodGet, "/api/sessions", nil, cookie); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

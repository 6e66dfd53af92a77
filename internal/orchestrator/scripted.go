package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/scenario-lab/internal/domain"
)

var scriptedLines = []string{
	"[System]: Scenario started. Turn 1.\nMaya (Eng Lead): We have two sprints left and the migration is behind. What do we cut?\nJordan (Sales VP): Cut nothing. I promised the enterprise tier to three accounts.",
	"Maya (Eng Lead): That helps, but who tells the accounts about the slip?\nJordan (Sales VP): If we slip, I want a written rationale I can forward.",
	"Priya (Design): The research shows onboarding is the real churn driver. Are we sure about this order?",
	"[System]: Time is running short. A decision is required.\nJordan (Sales VP): I need an answer before my call this afternoon.",
}

// Scripted is an offline Orchestrator with canned stakeholder lines and a
// transcript-derived grade. It needs no credentials.
type Scripted struct{}

// NewScripted returns the offline orchestrator.
func NewScripted() *Scripted {
	return &Scripted{}
}

// ContinueTurn returns the next canned line for the conversation depth.
func (s *Scripted) ContinueTurn(_ context.Context, req TurnRequest) (string, error) {
	userTurns := 0
	for _, m := range req.History {
		if m.Role == domain.RoleUser {
			userTurns++
		}
	}
	idx := userTurns
	if idx >= len(scriptedLines) {
		idx = len(scriptedLines) - 1
	}
	return scriptedLines[idx], nil
}

// Evaluate scores by how much the user contributed.
func (s *Scripted) Evaluate(_ context.Context, transcript string) (*domain.EvaluationResult, error) {
	userTurns := strings.Count(transcript, "[USER]: ")
	score := clampScore(float64(3 + userTurns))

	result := &domain.EvaluationResult{
		OverallScore: score,
		Summary:      fmt.Sprintf("You contributed %d turns to the discussion.", userTurns),
		ImprovementVectors: []string{
			"State the decision before the rationale.",
			"Name the tradeoff you are accepting.",
		},
		Scores: make([]domain.CompetencyScore, 0, len(Competencies)),
	}
	for _, c := range Competencies {
		result.Scores = append(result.Scores, domain.CompetencyScore{
			Competency: c,
			Score:      score,
			Feedback:   "Scripted evaluation.",
		})
	}
	return result, nil
}

// ValidateTheme accepts any theme.
func (s *Scripted) ValidateTheme(_ context.Context, _ string) (bool, error) {
	return true, nil
}

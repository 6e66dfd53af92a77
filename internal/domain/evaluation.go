package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Score bounds for every competency and overall score.
const (
	MinScore = 1
	MaxScore = 10
)

// ErrInvalidEvaluation is returned when an EvaluationResult is incomplete or out of range.
var ErrInvalidEvaluation = errors.New("invalid evaluation")

// CompetencyScore is the score for one competency.
type CompetencyScore struct {
	Competency string  `json:"competency"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
}

// EvaluationResult is the structured end-of-session assessment.
type EvaluationResult struct {
	OverallScore       float64           `json:"overallScore"`
	Scores             []CompetencyScore `json:"scores"`
	Summary            string            `json:"summary"`
	ImprovementVectors []string          `json:"improvementVectors"`
}

func inRange(score float64) bool {
	return score >= MinScore && score <= MaxScore
}

// Validate checks that the evaluation is complete and every score is in [1,10].
func (e *EvaluationResult) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: missing", ErrInvalidEvaluation)
	}
	if !inRange(e.OverallScore) {
		return fmt.Errorf("%w: overall score %v out of range", ErrInvalidEvaluation, e.OverallScore)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidEvaluation)
	}
	if e.ImprovementVectors == nil {
		return fmt.Errorf("%w: improvement vectors are required", ErrInvalidEvaluation)
	}
	if e.Scores == nil {
		return fmt.Errorf("%w: scores are required", ErrInvalidEvaluation)
	}
	for i, s := range e.Scores {
		if strings.TrimSpace(s.Competency) == "" {
			return fmt.Errorf("%w: score %d has no competency", ErrInvalidEvaluation, i)
		}
		if !inRange(s.Score) {
			return fmt.Errorf("%w: %s score %v out of range", ErrInvalidEvaluation, s.Competency, s.Score)
		}
	}
	return nil
}

// PastSession is a finished, evaluated simulation owned by one user.
type PastSession struct {
	ID         string            `json:"id"`
	Date       string            `json:"date"`
	Config     SimulationConfig  `json:"config"`
	Evaluation *EvaluationResult `json:"evaluation"`
}

// SessionDateLayout is the wire format of PastSession.Date: UTC with
// millisecond precision, which also sorts lexically.
const SessionDateLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatSessionDate renders t in SessionDateLayout.
func FormatSessionDate(t time.Time) string {
	return t.UTC().Format(SessionDateLayout)
}

// NormalizeDate rewrites Date in SessionDateLayout so stored dates order correctly.
func (s *PastSession) NormalizeDate() error {
	t, err := time.Parse(time.RFC3339, s.Date)
	if err != nil {
		return fmt.Errorf("session date: %w", err)
	}
	s.Date = FormatSessionDate(t)
	return nil
}

// Validate checks that the session is complete enough to persist.
func (s *PastSession) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("session id is required")
	}
	if _, err := time.Parse(time.RFC3339, s.Date); err != nil {
		return fmt.Errorf("session date: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return err
	}
	return s.Evaluation.Validate()
}

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/scenario-lab/internal/domain"
)

// evaluationWire mirrors EvaluationResult with pointers so missing fields can
// be told apart from zero values.
type evaluationWire struct {
	OverallScore       *float64    `json:"overallScore"`
	Summary            *string     `json:"summary"`
	ImprovementVectors []string    `json:"improvementVectors"`
	Scores             []scoreWire `json:"scores"`
}

type scoreWire struct {
	Competency *string  `json:"competency"`
	Score      *float64 `json:"score"`
	Feedback   *string  `json:"feedback"`
}

// ParseEvaluation decodes a model's evaluation reply. Code fences around the
// JSON are tolerated, every required field must be present, and scores are
// clamped to the 1-10 scale.
func ParseEvaluation(raw []byte) (*domain.EvaluationResult, error) {
	body := stripCodeFence(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEvaluation)
	}

	var wire evaluationWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}

	switch {
	case wire.OverallScore == nil:
		return nil, fmt.Errorf("%w: overallScore missing", ErrMalformedEvaluation)
	case wire.Summary == nil || strings.TrimSpace(*wire.Summary) == "":
		return nil, fmt.Errorf("%w: summary missing", ErrMalformedEvaluation)
	case wire.ImprovementVectors == nil:
		return nil, fmt.Errorf("%w: improvementVectors missing", ErrMalformedEvaluation)
	case wire.Scores == nil:
		return nil, fmt.Errorf("%w: scores missing", ErrMalformedEvaluation)
	}

	result := &domain.EvaluationResult{
		OverallScore:       clampScore(*wire.OverallScore),
		Summary:            strings.TrimSpace(*wire.Summary),
		ImprovementVectors: wire.ImprovementVectors,
		Scores:             make([]domain.CompetencyScore, 0, len(wire.Scores)),
	}
	for i, s := range wire.Scores {
		if s.Competency == nil || s.Score == nil || s.Feedback == nil {
			return nil, fmt.Errorf("%w: score %d incomplete", ErrMalformedEvaluation, i)
		}
		result.Scores = append(result.Scores, domain.CompetencyScore{
			Competency: *s.Competency,
			Score:      clampScore(*s.Score),
			Feedback:   *s.Feedback,
		})
	}

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}
	return result, nil
}

func clampScore(v float64) float64 {
	if v < domain.MinScore {
		return domain.MinScore
	}
	if v > domain.MaxScore {
		return domain.MaxScore
	}
	return v
}

// stripCodeFence removes a surrounding ``` or ```json fence if present.
func stripCodeFence(raw []byte) []byte {
	body := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}
	body = body[3:]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = bytes.TrimPrefix(body, []byte("json"))
	}
	body = bytes.TrimSpace(body)
	body = bytes.TrimSuffix(body, []byte("```"))
	return bytes.TrimSpace(body)
}

// Package orchestrator is the boundary to the generative-language service that
// plays the scenario stakeholders and grades the finished transcript.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/scenario-lab/internal/config"
	"github.com/ashureev/scenario-lab/internal/domain"
)

var (
	// ErrNotConfigured is returned when a backend lacks its API key or address.
	ErrNotConfigured = errors.New("orchestrator not configured")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("orchestrator returned an empty response")
	// ErrMalformedEvaluation is returned when the evaluation JSON misses required fields.
	ErrMalformedEvaluation = errors.New("malformed evaluation")
)

// TurnRequest continues a conversation. History holds the prior exchanges with
// the model in order; Text is the new user-side input.
type TurnRequest struct {
	SystemInstruction string
	History           []domain.Message
	Text              string
}

// Orchestrator produces persona-consistent turns and structured evaluations.
type Orchestrator interface {
	// ContinueTurn returns the model's next turn.
	ContinueTurn(ctx context.Context, req TurnRequest) (string, error)

	// Evaluate grades a flattened transcript.
	Evaluate(ctx context.Context, transcript string) (*domain.EvaluationResult, error)
}

// ThemeValidator is implemented by backends that can judge a custom theme.
type ThemeValidator interface {
	ValidateTheme(ctx context.Context, theme string) (bool, error)
}

// HealthChecker is implemented by backends with a reachable health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Models names the model used for each call kind.
type Models struct {
	Turn       string
	Evaluation string
	Theme      string
}

func (m Models) withDefaults(d Models) Models {
	if m.Turn == "" {
		m.Turn = d.Turn
	}
	if m.Evaluation == "" {
		m.Evaluation = d.Evaluation
	}
	if m.Theme == "" {
		m.Theme = d.Theme
	}
	return m
}

// New builds the backend selected by cfg.Provider.
func New(cfg config.OrchestratorConfig, logger *slog.Logger) (Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	models := Models{Turn: cfg.Model, Evaluation: cfg.EvaluationModel, Theme: cfg.ThemeModel}

	switch cfg.Provider {
	case config.ProviderGemini, "":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY is empty", ErrNotConfigured)
		}
		return NewGeminiClient(cfg.GeminiAPIKey, models), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is empty", ErrNotConfigured)
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, models), nil
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is empty", ErrNotConfigured)
		}
		return NewAnthropicClient(cfg.AnthropicAPIKey, models), nil
	case config.ProviderGRPC:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("%w: ORCHESTRATOR_ADDR is empty", ErrNotConfigured)
		}
		grpcCfg := DefaultGrpcClientConfig()
		grpcCfg.Address = cfg.Addr
		if cfg.Timeout > 0 {
			grpcCfg.RequestTimeout = cfg.Timeout
		}
		return NewGrpcClient(grpcCfg, logger)
	case config.ProviderScripted:
		logger.Warn("Using scripted orchestrator; replies are canned")
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown orchestrator provider %q", cfg.Provider)
	}
}

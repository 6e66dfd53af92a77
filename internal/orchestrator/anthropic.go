package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/scenario-lab/internal/domain"
)

var anthropicDefaults = Models{
	Turn:       "claude-3-7-sonnet-latest",
	Evaluation: "claude-3-7-sonnet-latest",
	Theme:      "claude-3-5-haiku-latest",
}

const (
	anthropicTurnTokens       = 2048
	anthropicEvaluationTokens = 4096
	anthropicThemeTokens      = 8
)

// AnthropicClient implements Orchestrator on the Anthropic messages API.
type AnthropicClient struct {
	apiKey  string
	models  Models
	options []option.RequestOption

	mu     sync.Mutex
	client *anthropic.Client
}

// NewAnthropicClient creates an Anthropic-backed orchestrator.
func NewAnthropicClient(apiKey string, models Models, opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		models:  models.withDefaults(anthropicDefaults),
		options: opts,
	}
}

func (c *AnthropicClient) ensureClient() (*anthropic.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key", ErrNotConfigured)
	}
	options := append([]option.RequestOption{option.WithAPIKey(c.apiKey)}, c.options...)
	client := anthropic.NewClient(options...)
	c.client = &client
	return c.client, nil
}

// ContinueTurn sends the history plus the new text and returns the reply.
func (c *AnthropicClient) ContinueTurn(ctx context.Context, req TurnRequest) (string, error) {
	client, err := c.ensureClient()
	if err != nil {
		return "", err
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case domain.RoleModel:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.models.Turn),
		MaxTokens: anthropicTurnTokens,
		Messages:  messages,
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemInstruction}}
	}
	return c.send(ctx, client, params)
}

// Evaluate grades the transcript. The JSON contract is carried in the system
// prompt since the messages API has no response schema.
func (c *AnthropicClient) Evaluate(ctx context.Context, transcript string) (*domain.EvaluationResult, error) {
	client, err := c.ensureClient()
	if err != nil {
		return nil, err
	}
	text, err := c.send(ctx, client, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.models.Evaluation),
		MaxTokens: anthropicEvaluationTokens,
		System:    []anthropic.TextBlockParam{{Text: EvaluationSystemInstruction + "\n\n" + evaluationJSONContract}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(EvaluationPrompt(transcript))),
		},
	})
	if err != nil {
		return nil, err
	}
	return ParseEvaluation([]byte(text))
}

// ValidateTheme asks a fast model whether the theme is on-topic.
func (c *AnthropicClient) ValidateTheme(ctx context.Context, theme string) (bool, error) {
	client, err := c.ensureClient()
	if err != nil {
		return false, err
	}
	text, err := c.send(ctx, client, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.models.Theme),
		MaxTokens: anthropicThemeTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(ThemePrompt(theme))),
		},
	})
	if err != nil {
		return false, err
	}
	return parseThemeAnswer(text), nil
}

func (c *AnthropicClient) send(ctx context.Context, client *anthropic.Client, params anthropic.MessageNewParams) (string, error) {
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	var b strings.Builder
	for _, block := range message.Content {
		b.WriteString(block.Text)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

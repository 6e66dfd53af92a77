package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ashureev/scenario-lab/internal/domain"
)

var openAIDefaults = Models{
	Turn:       "gpt-4o",
	Evaluation: "gpt-4o",
	Theme:      "gpt-4o-mini",
}

// OpenAIClient implements Orchestrator on the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey  string
	models  Models
	options []option.RequestOption

	mu     sync.Mutex
	client *openai.Client
}

// NewOpenAIClient creates an OpenAI-backed orchestrator. Extra request
// options are applied after the API key.
func NewOpenAIClient(apiKey string, models Models, opts ...option.RequestOption) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  apiKey,
		models:  models.withDefaults(openAIDefaults),
		options: opts,
	}
}

func (c *OpenAIClient) ensureClient() (*openai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key", ErrNotConfigured)
	}
	options := append([]option.RequestOption{option.WithAPIKey(c.apiKey)}, c.options...)
	client := openai.NewClient(options...)
	c.client = &client
	return c.client, nil
}

// ContinueTurn sends the history plus the new text and returns the reply.
func (c *OpenAIClient) ContinueTurn(ctx context.Context, req TurnRequest) (string, error) {
	client, err := c.ensureClient()
	if err != nil {
		return "", err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(req.SystemInstruction))
	}
	for _, m := range req.History {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case domain.RoleModel:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Text))

	return c.complete(ctx, client, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.models.Turn),
		Messages: messages,
	})
}

// Evaluate grades the transcript in JSON mode.
func (c *OpenAIClient) Evaluate(ctx context.Context, transcript string) (*domain.EvaluationResult, error) {
	client, err := c.ensureClient()
	if err != nil {
		return nil, err
	}
	text, err := c.complete(ctx, client, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.models.Evaluation),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(EvaluationSystemInstruction + "\n\n" + evaluationJSONContract),
			openai.UserMessage(EvaluationPrompt(transcript)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, err
	}
	return ParseEvaluation([]byte(text))
}

// ValidateTheme asks a fast model whether the theme is on-topic.
func (c *OpenAIClient) ValidateTheme(ctx context.Context, theme string) (bool, error) {
	client, err := c.ensureClient()
	if err != nil {
		return false, err
	}
	text, err := c.complete(ctx, client, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.models.Theme),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(ThemePrompt(theme))},
	})
	if err != nil {
		return false, err
	}
	return parseThemeAnswer(text), nil
}

func (c *OpenAIClient) complete(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

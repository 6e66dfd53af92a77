package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ashureev/scenario-lab/internal/domain"
)

var geminiDefaults = Models{
	Turn:       "gemini-2.5-pro",
	Evaluation: "gemini-2.5-pro",
	Theme:      "gemini-2.5-flash",
}

// GeminiClient implements Orchestrator on the Google Gemini API. The
// underlying client is created lazily on the first call.
type GeminiClient struct {
	apiKey     string
	models     Models
	httpClient *http.Client
	baseURL    string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiClient creates a Gemini-backed orchestrator.
func NewGeminiClient(apiKey string, models Models) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		models: models.withDefaults(geminiDefaults),
	}
}

func (c *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key", ErrNotConfigured)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.httpClient != nil {
		clientConfig.HTTPClient = c.httpClient
	}
	if c.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

// ContinueTurn sends the history plus the new text and returns the reply.
func (c *GeminiClient) ContinueTurn(ctx context.Context, req TurnRequest) (string, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, c.models.Turn, geminiContents(req.History, req.Text), config)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	text := geminiText(resp)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Evaluate grades the transcript using a JSON response schema.
func (c *GeminiClient) Evaluate(ctx context.Context, transcript string) (*domain.EvaluationResult, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(EvaluationSystemInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    evaluationSchema(),
	}
	resp, err := client.Models.GenerateContent(ctx, c.models.Evaluation, genai.Text(EvaluationPrompt(transcript)), config)
	if err != nil {
		return nil, fmt.Errorf("gemini evaluation failed: %w", err)
	}
	return ParseEvaluation([]byte(geminiText(resp)))
}

// ValidateTheme asks a fast model whether the theme is on-topic.
func (c *GeminiClient) ValidateTheme(ctx context.Context, theme string) (bool, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return false, err
	}
	resp, err := client.Models.GenerateContent(ctx, c.models.Theme, genai.Text(ThemePrompt(theme)), nil)
	if err != nil {
		return false, fmt.Errorf("gemini theme validation failed: %w", err)
	}
	return parseThemeAnswer(geminiText(resp)), nil
}

func geminiContents(history []domain.Message, text string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := string(genai.RoleUser)
		switch m.Role {
		case domain.RoleModel:
			role = string(genai.RoleModel)
		case domain.RoleSystem:
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  string(genai.RoleUser),
		Parts: []*genai.Part{{Text: text}},
	})
	return contents
}

// geminiText joins the first candidate's text parts, skipping thoughts.
func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func evaluationSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"overallScore": {Type: genai.TypeNumber, Description: "Overall score from 1 to 10"},
			"summary":      {Type: genai.TypeString, Description: "A brief summary of the user's performance"},
			"improvementVectors": {
				Type:        genai.TypeArray,
				Items:       &genai.Schema{Type: genai.TypeString},
				Description: "Areas where the user needs to improve",
			},
			"scores": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"competency": {Type: genai.TypeString, Description: "Name of the competency"},
						"score":      {Type: genai.TypeNumber, Description: "Score from 1 to 10"},
						"feedback":   {Type: genai.TypeString, Description: "Specific feedback for this competency"},
					},
					Required: []string{"competency", "score", "feedback"},
				},
			},
		},
		Required: []string{"overallScore", "summary", "improvementVectors", "scores"},
	}
}

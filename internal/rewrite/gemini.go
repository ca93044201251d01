package rewrite

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

// Gemini completes through the Gemini API with a response schema.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini completer authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) CompleteJSON(ctx context.Context, c Completion) (string, error) {
	temp := c.Temperature
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(c.System, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   int32(c.MaxTokens),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    geminiSchema(),
	}

	resp, err := g.client.Models.GenerateContent(ctx, c.Model, genai.Text(c.User), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// geminiSchema mirrors ResponseSchema in the Gemini schema dialect.
func geminiSchema() *genai.Schema {
	minLen := int64(1)
	sections := make(map[string]*genai.Schema)
	for _, name := range plan.SectionNames() {
		sections[name] = &genai.Schema{Type: genai.TypeString, MinLength: &minLen}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"assistant_message": {
				Type:             genai.TypeObject,
				Properties:       sections,
				Required:         plan.SectionNames(),
				PropertyOrdering: plan.SectionNames(),
			},
		},
		Required: []string{"assistant_message"},
	}
}

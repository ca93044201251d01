package rewrite

import (
	"context"
	"fmt"

	"github.com/Gowtham-18/DearMe-AI/internal/ollama"
)

// Ollama completes with a local model, passing the schema as the chat format.
type Ollama struct {
	client *ollama.Client
}

func NewOllama(c *ollama.Client) *Ollama {
	return &Ollama{client: c}
}

func (o *Ollama) CompleteJSON(ctx context.Context, c Completion) (string, error) {
	out, err := o.client.Chat(ctx, c.Model, []ollama.Message{
		{Role: "system", Content: c.System},
		{Role: "user", Content: c.User},
	}, c.Schema, &ollama.Options{Temperature: c.Temperature, NumPredict: c.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

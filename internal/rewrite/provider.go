package rewrite

import (
	"context"
	"fmt"

	"github.com/Gowtham-18/DearMe-AI/internal/ollama"
)

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Providers lists the accepted provider names.
var Providers = []string{ProviderNone, ProviderOpenAI, ProviderOllama, ProviderGemini}

// ProviderConfig selects and authenticates a completion provider.
type ProviderConfig struct {
	Provider  string
	APIKey    string
	BaseURL   string
	OllamaURL string
}

// NewCompleter builds the configured provider. It returns a nil Completer
// without error when rewriting is off or a keyed provider has no key.
func NewCompleter(ctx context.Context, pc ProviderConfig) (Completer, error) {
	switch pc.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		if pc.APIKey == "" {
			return nil, nil
		}
		return NewOpenAI(pc.APIKey, pc.BaseURL), nil
	case ProviderGemini:
		if pc.APIKey == "" {
			return nil, nil
		}
		return NewGemini(ctx, pc.APIKey)
	case ProviderOllama:
		url := pc.BaseURL
		if url == "" {
			url = pc.OllamaURL
		}
		return NewOllama(ollama.New(url)), nil
	default:
		return nil, fmt.Errorf("unknown rewrite provider %q", pc.Provider)
	}
}

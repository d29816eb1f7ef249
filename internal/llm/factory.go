package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/pkg/models"
)

// New builds the named provider from configuration. The returned provider is
// unwrapped; callers that want rate limiting and retries wrap it with
// NewPaced.
func New(ctx context.Context, name string, cfg *config.Config, log *observability.Logger) (Provider, error) {
	key := strings.ToLower(name)
	pc, err := cfg.Provider(key)
	if err != nil {
		return nil, err
	}

	switch key {
	case "openai":
		if pc.APIKey == "" {
			return nil, missingKey(key)
		}
		return NewOpenAIProvider(pc, pc.APIKey, log), nil
	case "anthropic":
		if pc.APIKey == "" {
			return nil, missingKey(key)
		}
		return NewAnthropicProvider(pc, pc.APIKey, log), nil
	case "google":
		if pc.APIKey == "" {
			return nil, missingKey(key)
		}
		return NewGoogleProvider(ctx, pc, pc.APIKey, log)
	case "azure":
		if pc.APIKey == "" {
			return nil, missingKey(key)
		}
		if pc.BaseURL == "" {
			return nil, &ProviderError{
				Kind:     models.ErrKindConfiguration,
				Provider: key,
				Message:  "azure requires base_url",
			}
		}
		return NewAzureProvider(pc, pc.APIKey, log), nil
	case "ollama":
		return NewOllamaProvider(pc, log), nil
	default:
		return nil, &ProviderError{
			Kind:     models.ErrKindConfiguration,
			Provider: key,
			Message:  fmt.Sprintf("unknown provider %q", name),
		}
	}
}

func missingKey(provider string) *ProviderError {
	return &ProviderError{
		Kind:     models.ErrKindAuthentication,
		Provider: provider,
		Message:  "no API key configured",
	}
}

// Package llm is the thin client layer for the external code
// collaborator: single-turn completion against OpenAI or Anthropic.
// The higher-level Collaborator wraps a Provider with the lab's prompt
// contracts (scanner generation, result analysis).
package llm

import (
	"context"
	"errors"
	"time"
)

// Provider names for configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Common errors returned by providers.
var (
	ErrNoAPIKey     = errors.New("llm: API key not configured")
	ErrRateLimit    = errors.New("llm: rate limit exceeded")
	ErrProviderDown = errors.New("llm: provider unavailable")
	// ErrTruncated is returned when generation stopped at the token cap;
	// the caller should retry with a higher MAX_TOKENS_GENERATION.
	ErrTruncated = errors.New("llm: response truncated at token limit")
)

// Request is one single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Usage tracks token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content string
	Model   string
	Usage   Usage
	Latency time.Duration
}

// Provider is a single-turn completion backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Complete sends one request and returns the full response.
	// Returns ErrTruncated when the model stopped at the token cap.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New builds a provider by name.
func New(name, apiKey, model string) (Provider, error) {
	switch name {
	case ProviderAnthropic:
		var opts []AnthropicOption
		if model != "" {
			opts = append(opts, WithAnthropicModel(model))
		}
		return NewAnthropic(apiKey, opts...)
	case ProviderOpenAI, "":
		var opts []OpenAIOption
		if model != "" {
			opts = append(opts, WithOpenAIModel(model))
		}
		return NewOpenAI(apiKey, opts...)
	default:
		return nil, errors.New("llm: unknown provider " + name)
	}
}

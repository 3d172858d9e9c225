// Package llm provides the provider-agnostic chat model, the tool-calling
// completion loop, and the vendor adapters behind it.
package llm

import (
	"context"
	"fmt"

	"github.com/clawplaza/monody/internal/config"
)

// Provider completes chat turns against one LLM vendor.
type Provider interface {
	// Complete runs the full tool-resolution loop and returns the terminal result.
	Complete(ctx context.Context, req ChatRequest) (*ChatResult, error)
	// GenerateImage creates one image and returns its URI.
	GenerateImage(ctx context.Context, prompt string) (string, error)
	// Name returns the provider name for display.
	Name() string
}

// NewProvider creates a provider from the config. dispatcher supplies the
// tools; pass nil for a provider that never calls tools.
func NewProvider(cfg *config.LLMConfig, dispatcher Dispatcher) (Provider, error) {
	loop := &Loop{
		Tools:        dispatcher,
		MaxRounds:    cfg.MaxRounds,
		RoundTimeout: cfg.RoundTimeout.Duration,
		ToolTimeout:  cfg.ToolTimeout.Duration,
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, loop), nil
	case "anthropic":
		return NewAnthropic(cfg, loop), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}

// SamplingFrom returns the configured sampling parameters, falling back to
// DefaultSampling for unset values.
func SamplingFrom(cfg *config.LLMConfig) Sampling {
	s := DefaultSampling()
	s.Temperature = cfg.Temperature
	if cfg.MaxTokens > 0 {
		s.MaxTokens = cfg.MaxTokens
	}
	if cfg.TopP > 0 {
		s.TopP = cfg.TopP
	}
	return s
}

// complete runs loop and stamps the provider name on the result.
func complete(ctx context.Context, loop *Loop, name string, req ChatRequest) (*ChatResult, error) {
	res, err := loop.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Provider = name
	return res, nil
}

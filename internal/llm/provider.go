package llm

import (
	"context"
	"fmt"

	"github.com/msadeghi/triad/config"
)

// Provider abstracts a chat-completion backend for the agents.
type Provider interface {
	// Generate generates text for a prompt using the named model key.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns the configured model keys.
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model key.
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost in USD for a given token usage.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo describes a configured model.
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
	Description     string  `json:"description"`
}

// NewProvider creates a provider based on configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Provider)
	}
}

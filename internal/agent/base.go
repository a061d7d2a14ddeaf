package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/llm"
)

// Exchange is one prompt/response pair kept in an agent's history.
type Exchange struct {
	Prompt    string
	Response  string
	Model     string
	Tokens    int64
	Timestamp time.Time
}

// BaseAgent carries the identity and LLM plumbing shared by all agents.
// The conversation history is bounded; the oldest exchanges are dropped
// once the limit is reached.
type BaseAgent struct {
	name        string
	agentType   string
	model       string
	temperature float64
	provider    llm.Provider
	logger      *log.Logger

	mu           sync.Mutex
	history      []Exchange
	historyLimit int
	totalTokens  int64
	totalCost    float64
	lastActivity time.Time
}

func newBaseAgent(agentType string, cfg config.AgentConfig, historyLimit int, provider llm.Provider, logger *log.Logger) BaseAgent {
	model := cfg.Model
	if model == "" {
		model = "default"
	}
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return BaseAgent{
		name:         cfg.Name,
		agentType:    agentType,
		model:        model,
		temperature:  cfg.Temperature,
		provider:     provider,
		logger:       logger,
		historyLimit: historyLimit,
	}
}

// invokeLLM sends one prompt and records the exchange.
func (b *BaseAgent) invokeLLM(ctx context.Context, prompt string) (string, error) {
	opts := map[string]interface{}{"temperature": b.temperature}
	out, inTok, outTok, err := b.provider.GenerateWithTokens(ctx, prompt, b.model, opts)
	if err != nil {
		return "", err
	}

	tokens := inTok + outTok
	cost := b.provider.CalculateCost(inTok, outTok, b.model)

	b.mu.Lock()
	b.history = append(b.history, Exchange{
		Prompt:    prompt,
		Response:  out,
		Model:     b.model,
		Tokens:    tokens,
		Timestamp: time.Now(),
	})
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	b.totalTokens += tokens
	b.totalCost += cost
	b.lastActivity = time.Now()
	b.mu.Unlock()

	return out, nil
}

// invokeStructured asks the LLM for JSON and returns the tagged result.
func (b *BaseAgent) invokeStructured(ctx context.Context, prompt string) (Structured, error) {
	out, err := b.invokeLLM(ctx, prompt)
	if err != nil {
		return Structured{}, err
	}
	return parseStructured(out), nil
}

// Name returns the agent's display name.
func (b *BaseAgent) Name() string { return b.name }

// Type returns the agent's routing type.
func (b *BaseAgent) Type() string { return b.agentType }

// Usage returns accumulated token and cost totals.
func (b *BaseAgent) Usage() (int64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalTokens, b.totalCost
}

// Status reports a snapshot of the agent's identity and activity.
func (b *BaseAgent) Status() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := map[string]interface{}{
		"name":           b.name,
		"type":           b.agentType,
		"model":          b.model,
		"temperature":    b.temperature,
		"history_length": len(b.history),
		"total_tokens":   b.totalTokens,
		"total_cost":     b.totalCost,
	}
	if !b.lastActivity.IsZero() {
		status["last_activity"] = b.lastActivity.UTC().Format(time.RFC3339)
	}
	return status
}

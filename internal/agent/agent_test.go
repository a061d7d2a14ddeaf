package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/llm"
)

// stubProvider returns canned responses by prompt substring and
// records every prompt it sees.
type stubProvider struct {
	mu        sync.Mutex
	responses map[string]string // prompt substring -> response
	fallback  string
	err       error
	prompts   []string
}

var _ llm.Provider = (*stubProvider)(nil)

func (s *stubProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.err != nil {
		return "", 0, 0, s.err
	}
	for sub, resp := range s.responses {
		if strings.Contains(prompt, sub) {
			return resp, 10, 10, nil
		}
	}
	if s.fallback != "" {
		return s.fallback, 10, 10, nil
	}
	return "ok", 10, 10, nil
}

func (s *stubProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := s.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (s *stubProvider) GetAvailableModels() []string { return []string{"default"} }

func (s *stubProvider) GetModelInfo(model string) (llm.ModelInfo, error) {
	return llm.ModelInfo{Name: model}, nil
}

func (s *stubProvider) CalculateCost(in, out int64, model string) float64 { return 0.001 }

func (s *stubProvider) sawPrompt(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if strings.Contains(p, sub) {
			return true
		}
	}
	return false
}

func testAgentConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Agents = config.AgentsConfig{
		Research:     config.AgentConfig{Name: "Research Agent", Model: "default", Temperature: 0.3},
		Analysis:     config.AgentConfig{Name: "Analysis Agent", Model: "default", Temperature: 0.5},
		Action:       config.AgentConfig{Name: "Action Agent", Model: "default", Temperature: 0.4},
		HistoryLimit: 50,
		CacheSize:    16,
	}
	return cfg
}

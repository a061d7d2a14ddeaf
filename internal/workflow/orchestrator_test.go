package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/agent/telemetry"
	"github.com/msadeghi/triad/internal/llm"
	"github.com/msadeghi/triad/internal/mcp"
)

// fakeProvider returns canned responses by prompt substring.
type fakeProvider struct {
	responses map[string]string
	fallback  string
}

var _ llm.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	for sub, resp := range f.responses {
		if strings.Contains(prompt, sub) {
			return resp, 10, 10, nil
		}
	}
	return f.fallback, 10, 10, nil
}

func (f *fakeProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := f.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (f *fakeProvider) GetAvailableModels() []string { return []string{"default"} }
func (f *fakeProvider) GetModelInfo(model string) (llm.ModelInfo, error) {
	return llm.ModelInfo{Name: model}, nil
}
func (f *fakeProvider) CalculateCost(in, out int64, model string) float64 { return 0 }

func healthyProvider() *fakeProvider {
	return &fakeProvider{
		responses: map[string]string{
			"Summarize the research material": "Research shows steady growth.",
			"Extract 5-7 key insights":        `{"insights": [{"insight": "i1", "confidence": "high", "relevance": 9}]}`,
			"produce 3-5 recommendations":     `{"recommendations": [{"recommendation": "r1"}]}`,
			"Generate 5-8 concrete actions":   `{"actions": [{"action": "a1", "priority": "high"}, {"action": "a2", "priority": "low"}]}`,
			"How urgent":                      `{"urgency": "high", "urgency_score": 6}`,
		},
		fallback: "generated text",
	}
}

func healthyToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scrape":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"url": "x", "title": "t", "content": "article body", "stored": true})
		case "/fetch":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"url": "x", "status_code": 200, "content": "raw", "stored": true})
		case "/db/search":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}, "count": 0})
		case "/health":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func failingToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server, provider llm.Provider) *Orchestrator {
	t.Helper()
	cfg := &config.Config{}
	cfg.Agents = config.AgentsConfig{
		Research: config.AgentConfig{Name: "Research Agent", Model: "default"},
		Analysis: config.AgentConfig{Name: "Analysis Agent", Model: "default"},
		Action:   config.AgentConfig{Name: "Action Agent", Model: "default"},
	}
	cfg.Orchestrator = config.OrchestratorConfig{MaxRetries: 2, StepTimeout: 30 * time.Second}
	client := mcp.NewClient(config.MCPConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	o := NewWithDeps(cfg, provider, client, telemetry.New(config.TelemetryConfig{Enabled: true}, nil))
	o.retry.Backoff = 0
	return o
}

func TestExecuteFullSuccess(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	out, err := o.Execute(context.Background(), "What are AI trends in 2024?", map[string]interface{}{
		"urls": []string{"https://blog.example.com/ai-trends"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if summary, _ := out["research_summary"].(string); summary == "" {
		t.Error("research_summary empty")
	}
	if insights, _ := out["key_insights"].([]interface{}); len(insights) < 1 {
		t.Errorf("key_insights = %v", out["key_insights"])
	}
	if plan, _ := out["action_plan"].([]map[string]interface{}); len(plan) < 1 {
		t.Errorf("action_plan = %v", out["action_plan"])
	}

	meta, _ := out["workflow_metadata"].(map[string]interface{})
	used, _ := meta["agents_used"].([]string)
	if !reflect.DeepEqual(used, []string{"research", "analysis", "action"}) {
		t.Errorf("agents_used = %v", used)
	}

	history := o.GetExecutionHistory()
	if len(history) != 1 || !history[0].Success {
		t.Fatalf("history = %+v", history)
	}
}

func TestStepHistoryOrdering(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	out, err := o.Execute(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	meta, _ := out["workflow_metadata"].(map[string]interface{})
	steps, _ := meta["steps_executed"].([]string)

	idx := func(name string) int {
		for i, s := range steps {
			if s == name {
				return i
			}
		}
		return -1
	}
	r, a, ac := idx("research"), idx("analysis"), idx("action")
	if r == -1 || a == -1 || ac == -1 {
		t.Fatalf("steps = %v", steps)
	}
	if !(r < a && a < ac) {
		t.Errorf("ordering violated: %v", steps)
	}
}

func TestRetryExhaustionOnResearch(t *testing.T) {
	srv := failingToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	out, err := o.Execute(context.Background(), "q", map[string]interface{}{
		"urls": []string{"http://bad.example"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	meta, _ := out["workflow_metadata"].(map[string]interface{})
	steps, _ := meta["steps_executed"].([]string)
	if !reflect.DeepEqual(steps, []string{"research", "research", "research"}) {
		t.Errorf("steps = %v, want research repeated max_retries+1 times", steps)
	}
	if rc, _ := meta["retry_count"].(int); rc != 2 {
		t.Errorf("retry_count = %v", meta["retry_count"])
	}
	if out["research_summary"] != nil {
		t.Errorf("research_summary = %v, want nil on failure", out["research_summary"])
	}

	history := o.GetExecutionHistory()
	if len(history) != 1 || history[0].Success {
		t.Fatalf("history = %+v, want one unsuccessful entry", history)
	}
}

func TestSharedRetryBudgetAndInvocationBound(t *testing.T) {
	// searches return no content and the query stays empty, so research
	// completes but analysis has nothing to work with and fails
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	out, err := o.Execute(context.Background(), "", map[string]interface{}{
		"search_terms": []string{"term"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	meta, _ := out["workflow_metadata"].(map[string]interface{})
	steps, _ := meta["steps_executed"].([]string)
	if len(steps) > 3+2 {
		t.Errorf("invocations = %d, exceeds 3+max_retries", len(steps))
	}
	if !reflect.DeepEqual(steps, []string{"research", "analysis", "analysis", "analysis"}) {
		t.Errorf("steps = %v", steps)
	}
	if len(o.GetExecutionHistory()) != 1 {
		t.Error("missing history entry")
	}
}

func TestRoutingIdempotence(t *testing.T) {
	states := []*State{
		{CurrentStep: StepStart},
		{CurrentStep: StepResearchCompleted},
		{CurrentStep: StepResearchCompleted, StepHistory: []string{"research", "analysis"}},
		{CurrentStep: StepAnalysisCompleted},
		{CurrentStep: StepResearchFailed, RetryCount: 0, MaxRetries: 2},
		{CurrentStep: StepResearchFailed, RetryCount: 2, MaxRetries: 2},
		{CurrentStep: StepActionCompleted},
	}
	for _, s := range states {
		first := routeDecision(s)
		second := routeDecision(s)
		if first != second {
			t.Errorf("routeDecision unstable for %+v: %s then %s", s, first, second)
		}
	}
}

func TestRouteDecisionTable(t *testing.T) {
	cases := []struct {
		state State
		want  NextAgent
	}{
		{State{CurrentStep: StepStart}, AgentResearch},
		{State{CurrentStep: StepResearchCompleted}, AgentAnalysis},
		{State{CurrentStep: StepResearchCompleted, StepHistory: []string{"research", "analysis"}}, AgentEnd},
		{State{CurrentStep: StepAnalysisCompleted}, AgentAction},
		{State{CurrentStep: StepAnalysisCompleted, StepHistory: []string{"action"}}, AgentEnd},
		{State{CurrentStep: StepResearchFailed, RetryCount: 1, MaxRetries: 2}, AgentResearch},
		{State{CurrentStep: StepAnalysisFailed, RetryCount: 2, MaxRetries: 2}, AgentEnd},
		{State{CurrentStep: StepActionFailed, RetryCount: 0, MaxRetries: 2}, AgentAction},
		{State{CurrentStep: StepActionCompleted}, AgentEnd},
	}
	for _, c := range cases {
		if got := routeDecision(&c.state); got != c.want {
			t.Errorf("routeDecision(%s, retries %d/%d) = %s, want %s",
				c.state.CurrentStep, c.state.RetryCount, c.state.MaxRetries, got, c.want)
		}
	}
}

func TestStepsExecutedRoundTrip(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	out, err := o.Execute(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	meta, _ := out["workflow_metadata"].(map[string]interface{})
	steps, _ := meta["steps_executed"].([]string)

	entry := o.GetExecutionHistory()[0]
	if !reflect.DeepEqual(steps, entry.StepsExecuted) {
		t.Errorf("steps_executed %v != history %v", steps, entry.StepsExecuted)
	}
}

func TestFailedResultKeepsPriorSuccess(t *testing.T) {
	s := &State{}
	setResult(&s.ResearchResults, map[string]interface{}{"status": "completed", "summary": "good"})
	setResult(&s.ResearchResults, map[string]interface{}{"status": "failed", "error": "x"})
	if s.ResearchResults.IsFailed() {
		t.Error("failed attempt overwrote a prior success")
	}
	if s.ResearchResults["summary"] != "good" {
		t.Errorf("result = %v", s.ResearchResults)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	h := o.HealthCheck(context.Background())
	if h["status"] != "healthy" || h["mcp_server"] != "healthy" {
		t.Errorf("health = %v", h)
	}
	agents, _ := h["agents"].(map[string]interface{})
	if len(agents) != 3 {
		t.Errorf("agents = %v", agents)
	}
}

func TestHealthCheckDegradedWhenServerDown(t *testing.T) {
	srv := failingToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	h := o.HealthCheck(context.Background())
	if h["status"] != "degraded" {
		t.Errorf("status = %v", h["status"])
	}
	msg, _ := h["mcp_server"].(string)
	if !strings.HasPrefix(msg, "unreachable") {
		t.Errorf("mcp_server = %q", msg)
	}
}

func TestExecuteCancellation(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Execute(ctx, "q", nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestHistoryBounded(t *testing.T) {
	srv := healthyToolServer(t)
	defer srv.Close()
	o := newTestOrchestrator(t, srv, healthyProvider())
	o.historyLimit = 3

	for i := 0; i < 5; i++ {
		if _, err := o.Execute(context.Background(), "q", nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if got := len(o.GetExecutionHistory()); got != 3 {
		t.Errorf("history len = %d, want 3", got)
	}
}

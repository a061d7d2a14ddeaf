package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msadeghi/triad/config"
)

// Telemetry tracks workflow execution, agent performance and LLM spend.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	prom        *promCollectors
	mu          sync.RWMutex
}

// Metrics holds aggregate performance counters.
type Metrics struct {
	TotalWorkflows      int64
	SuccessfulWorkflows int64
	FailedWorkflows     int64
	AverageDuration     time.Duration

	AgentExecutions   map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	ToolRequests     map[string]int64
	ToolSuccessRates map[string]float64
}

// CostTracker accumulates LLM costs by model and operation.
type CostTracker struct {
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// WorkflowEvent records one complete workflow run.
type WorkflowEvent struct {
	ID            string
	Query         string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	Success       bool
	Error         string
	StepsExecuted int
	RetryCount    int
	Cost          float64
	TokensUsed    int64
	AgentsUsed    []string
}

// AgentEvent records one agent invocation.
type AgentEvent struct {
	ID         string
	AgentType  string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// ToolEvent records one tool server call made on behalf of an agent.
type ToolEvent struct {
	Tool     string
	Duration time.Duration
	Success  bool
	Results  int
}

type promCollectors struct {
	workflows  *prometheus.CounterVec
	agentRuns  *prometheus.CounterVec
	agentTime  *prometheus.HistogramVec
	llmTokens  *prometheus.CounterVec
	llmCost    prometheus.Counter
	toolCalls  *prometheus.CounterVec
	retryTotal prometheus.Counter
}

func newPromCollectors(reg prometheus.Registerer) *promCollectors {
	p := &promCollectors{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_workflows_total",
			Help: "Workflow executions by outcome.",
		}, []string{"outcome"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_agent_executions_total",
			Help: "Agent invocations by agent type and outcome.",
		}, []string{"agent", "outcome"}),
		agentTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triad_agent_duration_seconds",
			Help:    "Agent execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_llm_tokens_total",
			Help: "LLM tokens consumed by model.",
		}, []string{"model"}),
		llmCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_tool_calls_total",
			Help: "Tool server calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		retryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_workflow_retries_total",
			Help: "Agent retries issued by the coordinator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.workflows, p.agentRuns, p.agentTime, p.llmTokens, p.llmCost, p.toolCalls, p.retryTotal)
	}
	return p
}

// New creates a telemetry instance. Collectors are registered on reg;
// pass nil to skip Prometheus registration.
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AgentExecutions:   make(map[string]int64),
			AgentSuccessRates: make(map[string]float64),
			AgentAverageTimes: make(map[string]time.Duration),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
			ToolRequests:      make(map[string]int64),
			ToolSuccessRates:  make(map[string]float64),
		},
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
		prom: newPromCollectors(reg),
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordWorkflowEvent records a complete workflow run.
func (t *Telemetry) RecordWorkflowEvent(ctx context.Context, event WorkflowEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalWorkflows++
	if event.Success {
		t.metrics.SuccessfulWorkflows++
	} else {
		t.metrics.FailedWorkflows++
	}

	if t.metrics.TotalWorkflows == 1 {
		t.metrics.AverageDuration = event.Duration
	} else {
		total := t.metrics.AverageDuration * time.Duration(t.metrics.TotalWorkflows-1)
		t.metrics.AverageDuration = (total + event.Duration) / time.Duration(t.metrics.TotalWorkflows)
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.prom.workflows.WithLabelValues(outcome(event.Success)).Inc()
	if event.RetryCount > 0 {
		t.prom.retryTotal.Add(float64(event.RetryCount))
	}

	t.logger.Printf("Workflow Event: ID=%s, Success=%t, Duration=%v, Steps=%d, Retries=%d, Cost=$%.4f",
		event.ID, event.Success, event.Duration, event.StepsExecuted, event.RetryCount, event.Cost)
}

// RecordAgentEvent records an agent execution.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.AgentExecutions[event.AgentType]++
	n := t.metrics.AgentExecutions[event.AgentType]

	successes := t.metrics.AgentSuccessRates[event.AgentType] * float64(n-1)
	if event.Success {
		successes += 1.0
	}
	t.metrics.AgentSuccessRates[event.AgentType] = successes / float64(n)

	currentAvg := t.metrics.AgentAverageTimes[event.AgentType]
	if n == 1 {
		t.metrics.AgentAverageTimes[event.AgentType] = event.Duration
	} else {
		total := currentAvg * time.Duration(n-1)
		t.metrics.AgentAverageTimes[event.AgentType] = (total + event.Duration) / time.Duration(n)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
		t.prom.llmTokens.WithLabelValues(event.ModelUsed).Add(float64(event.TokensUsed))
	}
	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	t.costTracker.OperationCosts[event.AgentType] += event.Cost

	t.prom.agentRuns.WithLabelValues(event.AgentType, outcome(event.Success)).Inc()
	t.prom.agentTime.WithLabelValues(event.AgentType).Observe(event.Duration.Seconds())
	t.prom.llmCost.Add(event.Cost)

	t.logger.Printf("Agent Event: Type=%s, Success=%t, Duration=%v, Cost=$%.4f, Model=%s",
		event.AgentType, event.Success, event.Duration, event.Cost, event.ModelUsed)
}

// RecordToolEvent records a tool server call.
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolRequests[event.Tool]++
	n := t.metrics.ToolRequests[event.Tool]
	successes := t.metrics.ToolSuccessRates[event.Tool] * float64(n-1)
	if event.Success {
		successes += 1.0
	}
	t.metrics.ToolSuccessRates[event.Tool] = successes / float64(n)

	t.prom.toolCalls.WithLabelValues(event.Tool, outcome(event.Success)).Inc()
}

// GetMetrics returns a copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.AgentExecutions = copyMap(t.metrics.AgentExecutions)
	metrics.AgentSuccessRates = copyMap(t.metrics.AgentSuccessRates)
	metrics.AgentAverageTimes = copyMap(t.metrics.AgentAverageTimes)
	metrics.LLMRequests = copyMap(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyMap(t.metrics.LLMTokensUsed)
	metrics.ToolRequests = copyMap(t.metrics.ToolRequests)
	metrics.ToolSuccessRates = copyMap(t.metrics.ToolSuccessRates)
	return metrics
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     copyMap(t.costTracker.ModelCosts),
		OperationCosts: copyMap(t.costTracker.OperationCosts),
	}
}

// GetPerformanceReport returns a human-readable summary.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	if metrics.TotalWorkflows == 0 {
		return "No workflows executed yet."
	}

	report := fmt.Sprintf(`=== PERFORMANCE REPORT ===
Workflows: %d total, %d successful (%.1f%%), avg %v
LLM spend: $%.4f over %d tokens

Agent Performance:
`, metrics.TotalWorkflows, metrics.SuccessfulWorkflows,
		float64(metrics.SuccessfulWorkflows)/float64(metrics.TotalWorkflows)*100,
		metrics.AverageDuration, costs.TotalCost, costs.TotalTokens)

	for agent, executions := range metrics.AgentExecutions {
		report += fmt.Sprintf("  %s: %d executions, %.1f%% success, %v avg time\n",
			agent, executions, metrics.AgentSuccessRates[agent]*100, metrics.AgentAverageTimes[agent])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, metrics.LLMTokensUsed[model], costs.ModelCosts[model])
	}

	return report
}

// Shutdown logs a final summary.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	if metrics.TotalWorkflows == 0 {
		return
	}
	t.logger.Printf("Final Report: workflows=%d success=%.1f%% avg=%v cost=$%.4f tokens=%d",
		metrics.TotalWorkflows,
		float64(metrics.SuccessfulWorkflows)/float64(metrics.TotalWorkflows)*100,
		metrics.AverageDuration, costs.TotalCost, costs.TotalTokens)
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/msadeghi/triad/config"
)

func newTestTelemetry() *Telemetry {
	return New(config.TelemetryConfig{Enabled: true}, nil)
}

func TestRecordWorkflowEvent(t *testing.T) {
	tel := newTestTelemetry()
	ctx := context.Background()

	tel.RecordWorkflowEvent(ctx, WorkflowEvent{ID: "w1", Success: true, Duration: 2 * time.Second, RetryCount: 1, Cost: 0.05, TokensUsed: 1000})
	tel.RecordWorkflowEvent(ctx, WorkflowEvent{ID: "w2", Success: false, Duration: 4 * time.Second})

	m := tel.GetMetrics()
	if m.TotalWorkflows != 2 || m.SuccessfulWorkflows != 1 || m.FailedWorkflows != 1 {
		t.Errorf("counts = %d/%d/%d", m.TotalWorkflows, m.SuccessfulWorkflows, m.FailedWorkflows)
	}
	if m.AverageDuration != 3*time.Second {
		t.Errorf("avg duration = %v, want 3s", m.AverageDuration)
	}
	costs := tel.GetCostSummary()
	if costs.TotalCost != 0.05 || costs.TotalTokens != 1000 {
		t.Errorf("costs = %+v", costs)
	}
}

func TestRecordAgentEventSuccessRate(t *testing.T) {
	tel := newTestTelemetry()
	ctx := context.Background()

	tel.RecordAgentEvent(ctx, AgentEvent{AgentType: "research", Success: true, Duration: time.Second, ModelUsed: "default", TokensUsed: 100, Cost: 0.01})
	tel.RecordAgentEvent(ctx, AgentEvent{AgentType: "research", Success: false, Duration: 3 * time.Second, ModelUsed: "default"})

	m := tel.GetMetrics()
	if m.AgentExecutions["research"] != 2 {
		t.Errorf("executions = %d", m.AgentExecutions["research"])
	}
	if rate := m.AgentSuccessRates["research"]; rate != 0.5 {
		t.Errorf("success rate = %f, want 0.5", rate)
	}
	if m.AgentAverageTimes["research"] != 2*time.Second {
		t.Errorf("avg time = %v", m.AgentAverageTimes["research"])
	}
	if m.LLMTokensUsed["default"] != 100 {
		t.Errorf("tokens = %d", m.LLMTokensUsed["default"])
	}
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: false}, nil)
	tel.RecordWorkflowEvent(context.Background(), WorkflowEvent{ID: "w", Success: true})
	if m := tel.GetMetrics(); m.TotalWorkflows != 0 {
		t.Errorf("disabled telemetry recorded %d workflows", m.TotalWorkflows)
	}
}

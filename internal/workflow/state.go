package workflow

import (
	"time"

	"github.com/msadeghi/triad/internal/agent"
)

// Step identifies where a workflow execution currently stands.
type Step string

const (
	StepStart             Step = "start"
	StepResearchCompleted Step = "research_completed"
	StepResearchFailed    Step = "research_failed"
	StepAnalysisCompleted Step = "analysis_completed"
	StepAnalysisFailed    Step = "analysis_failed"
	StepActionCompleted   Step = "action_completed"
	StepActionFailed      Step = "action_failed"
	StepCoordinated       Step = "coordinated"
)

// Failed reports whether the step is a failure state.
func (s Step) Failed() bool {
	switch s {
	case StepResearchFailed, StepAnalysisFailed, StepActionFailed:
		return true
	}
	return false
}

// FailedAgent returns the agent behind a failure step.
func (s Step) FailedAgent() NextAgent {
	switch s {
	case StepResearchFailed:
		return AgentResearch
	case StepAnalysisFailed:
		return AgentAnalysis
	case StepActionFailed:
		return AgentAction
	}
	return AgentEnd
}

// NextAgent is the coordinator's routing signal.
type NextAgent string

const (
	AgentResearch NextAgent = "research"
	AgentAnalysis NextAgent = "analysis"
	AgentAction   NextAgent = "action"
	AgentEnd      NextAgent = "end"
)

// RetryPolicy bounds agent retries across one execution. The budget is
// shared by all three agents, not per-agent.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// State is the single mutable record threaded through one Execute
// call. It is execution-local and never shared across executions.
type State struct {
	OriginalQuery string
	UserInput     map[string]interface{}

	CurrentStep Step
	StepHistory []string

	ResearchResults agent.Result
	AnalysisResults agent.Result
	ActionResults   agent.Result

	NextAgent  NextAgent
	RetryCount int
	MaxRetries int

	FinalOutput      map[string]interface{}
	ExecutionSummary map[string]interface{}

	StartTime     time.Time
	EndTime       time.Time
	TotalDuration float64
}

// NewState creates the state for one execution.
func NewState(query string, userInput map[string]interface{}, maxRetries int) *State {
	if userInput == nil {
		userInput = map[string]interface{}{}
	}
	return &State{
		OriginalQuery: query,
		UserInput:     userInput,
		CurrentStep:   StepStart,
		MaxRetries:    maxRetries,
		StartTime:     time.Now(),
	}
}

// setResult writes an agent result into its slot. A failed attempt
// never overwrites a prior success.
func setResult(slot *agent.Result, res agent.Result) {
	if res.IsFailed() && *slot != nil && !(*slot).IsFailed() {
		return
	}
	*slot = res
}

// historyContains reports whether an agent already ran.
func historyContains(history []string, name NextAgent) bool {
	for _, h := range history {
		if h == string(name) {
			return true
		}
	}
	return false
}

// ExecutionHistoryEntry is the orchestrator's cross-call memory of one
// completed workflow.
type ExecutionHistoryEntry struct {
	Query         string    `json:"query"`
	Duration      float64   `json:"duration"`
	StepsExecuted []string  `json:"steps_executed"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

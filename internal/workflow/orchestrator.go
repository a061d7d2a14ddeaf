package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/agent"
	"github.com/msadeghi/triad/internal/agent/telemetry"
	"github.com/msadeghi/triad/internal/llm"
	"github.com/msadeghi/triad/internal/mcp"
)

var workflowTracer trace.Tracer = otel.Tracer("triad/internal/workflow")

// Orchestrator sequences Research, Analysis, and Action through a
// coordinator node, enforces the shared retry budget, and assembles
// the final output. One orchestrator serves many executions; each
// execution owns its own State, while the execution history and agent
// caches are mutex-guarded shared structures.
type Orchestrator struct {
	cfg      *config.Config
	research *agent.ResearchAgent
	analysis *agent.AnalysisAgent
	action   *agent.ActionAgent
	mcp      *mcp.Client
	tel      *telemetry.Telemetry
	logger   *log.Logger

	retry        RetryPolicy
	stepTimeout  time.Duration
	historyLimit int

	mu      sync.Mutex
	history []ExecutionHistoryEntry
}

// New builds an orchestrator and all of its collaborators from config.
func New(cfg *config.Config, tel *telemetry.Telemetry) (*Orchestrator, error) {
	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	client := mcp.NewClient(cfg.MCP)
	return NewWithDeps(cfg, provider, client, tel), nil
}

// NewWithDeps builds an orchestrator with injected collaborators.
func NewWithDeps(cfg *config.Config, provider llm.Provider, client *mcp.Client, tel *telemetry.Telemetry) *Orchestrator {
	maxRetries := cfg.Orchestrator.MaxRetries
	if maxRetries < 0 {
		maxRetries = 2
	}
	historyLimit := cfg.Orchestrator.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Orchestrator{
		cfg:          cfg,
		research:     agent.NewResearchAgent(cfg, provider, client, tel),
		analysis:     agent.NewAnalysisAgent(cfg, provider),
		action:       agent.NewActionAgent(cfg, provider),
		mcp:          client,
		tel:          tel,
		logger:       log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		retry:        RetryPolicy{MaxAttempts: maxRetries, Backoff: 300 * time.Millisecond},
		stepTimeout:  cfg.Orchestrator.StepTimeout,
		historyLimit: historyLimit,
	}
}

// Execute runs one workflow for a query. Expected failures are data in
// the returned output; an error is returned only for cancellation or a
// programming fault.
func (o *Orchestrator) Execute(ctx context.Context, query string, userInput map[string]interface{}) (map[string]interface{}, error) {
	workflowID := uuid.NewString()
	ctx, span := workflowTracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Int("workflow.max_retries", o.retry.MaxAttempts),
		))
	defer span.End()

	state := NewState(query, userInput, o.retry.MaxAttempts)
	o.logger.Printf("starting workflow %s for query %q", workflowID, query)

	next := o.coordinate(state)
	for next != AgentEnd {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		switch next {
		case AgentResearch:
			o.runResearch(ctx, state)
			next = o.routeFromResearch(state)
		case AgentAnalysis:
			o.runAnalysis(ctx, state)
			next = o.routeFromAnalysis(state)
		case AgentAction:
			o.runAction(ctx, state)
			// terminal phase: action always routes to end
			next = AgentEnd
		default:
			return nil, fmt.Errorf("coordinator produced unknown agent %q", next)
		}

		if next != AgentEnd && state.CurrentStep.Failed() && o.retry.Backoff > 0 {
			select {
			case <-time.After(o.retry.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	output := o.finalize(ctx, workflowID, state)
	span.SetAttributes(
		attribute.Int("workflow.steps", len(state.StepHistory)),
		attribute.Int("workflow.retries", state.RetryCount),
	)
	span.SetStatus(codes.Ok, "completed")
	return output, nil
}

// routeDecision computes the coordinator's routing without mutating
// state, so repeated evaluation on an unchanged state is stable.
func routeDecision(s *State) NextAgent {
	switch {
	case s.CurrentStep == StepStart:
		return AgentResearch
	case s.CurrentStep == StepResearchCompleted && !historyContains(s.StepHistory, AgentAnalysis):
		return AgentAnalysis
	case s.CurrentStep == StepAnalysisCompleted && !historyContains(s.StepHistory, AgentAction):
		return AgentAction
	case s.CurrentStep.Failed():
		if s.RetryCount < s.MaxRetries {
			return s.CurrentStep.FailedAgent()
		}
		return AgentEnd
	default:
		return AgentEnd
	}
}

// coordinate applies the routing decision, spending retry budget when
// re-routing a failed step.
func (o *Orchestrator) coordinate(s *State) NextAgent {
	next := routeDecision(s)
	if s.CurrentStep.Failed() && next != AgentEnd {
		s.RetryCount++
		o.logger.Printf("retrying %s (attempt %d of %d)", next, s.RetryCount, s.MaxRetries)
	}
	s.NextAgent = next
	return next
}

// routeFromResearch implements the research node's outgoing edges:
// success goes straight to analysis, bypassing the coordinator;
// failure returns to the coordinator for retry accounting.
func (o *Orchestrator) routeFromResearch(s *State) NextAgent {
	if s.CurrentStep == StepResearchFailed {
		return o.coordinate(s)
	}
	s.NextAgent = AgentAnalysis
	return AgentAnalysis
}

// routeFromAnalysis mirrors routeFromResearch for the analysis node.
func (o *Orchestrator) routeFromAnalysis(s *State) NextAgent {
	if s.CurrentStep == StepAnalysisFailed {
		return o.coordinate(s)
	}
	s.NextAgent = AgentAction
	return AgentAction
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.stepTimeout > 0 {
		return context.WithTimeout(ctx, o.stepTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) runResearch(ctx context.Context, s *State) {
	ctx, span := workflowTracer.Start(ctx, "workflow.research")
	defer span.End()
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()

	start := time.Now()
	req := agent.ResearchRequest{
		Query:       s.OriginalQuery,
		URLs:        stringsFrom(s.UserInput["urls"]),
		SearchTerms: stringsFrom(s.UserInput["search_terms"]),
		MaxSources:  intFrom(s.UserInput["max_sources"]),
	}
	res := o.research.Process(stepCtx, req)

	s.StepHistory = append(s.StepHistory, string(AgentResearch))
	setResult(&s.ResearchResults, res)
	if res.IsFailed() {
		s.CurrentStep = StepResearchFailed
		span.SetStatus(codes.Error, fmt.Sprintf("%v", res["error"]))
	} else {
		s.CurrentStep = StepResearchCompleted
	}
	o.recordAgent(ctx, o.research.Type(), start, !res.IsFailed(), res)
}

func (o *Orchestrator) runAnalysis(ctx context.Context, s *State) {
	ctx, span := workflowTracer.Start(ctx, "workflow.analysis")
	defer span.End()
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()

	start := time.Now()
	req := agent.AnalysisRequest{
		ResearchData: s.ResearchResults,
		AnalysisType: stringFrom(s.UserInput["analysis_type"]),
		FocusAreas:   stringsFrom(s.UserInput["focus_areas"]),
	}
	res := o.analysis.Process(stepCtx, req)

	s.StepHistory = append(s.StepHistory, string(AgentAnalysis))
	setResult(&s.AnalysisResults, res)
	if res.IsFailed() {
		s.CurrentStep = StepAnalysisFailed
		span.SetStatus(codes.Error, fmt.Sprintf("%v", res["error"]))
	} else {
		s.CurrentStep = StepAnalysisCompleted
	}
	o.recordAgent(ctx, o.analysis.Type(), start, !res.IsFailed(), res)
}

func (o *Orchestrator) runAction(ctx context.Context, s *State) {
	ctx, span := workflowTracer.Start(ctx, "workflow.action")
	defer span.End()
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()

	start := time.Now()
	req := agent.ActionRequest{
		AnalysisData:  s.AnalysisResults,
		ResearchData:  s.ResearchResults,
		OriginalQuery: s.OriginalQuery,
		Constraints:   stringsFrom(s.UserInput["constraints"]),
		Objectives:    stringsFrom(s.UserInput["objectives"]),
	}
	res := o.action.Process(stepCtx, req)

	s.StepHistory = append(s.StepHistory, string(AgentAction))
	setResult(&s.ActionResults, res)
	if res.IsFailed() {
		s.CurrentStep = StepActionFailed
		span.SetStatus(codes.Error, fmt.Sprintf("%v", res["error"]))
	} else {
		s.CurrentStep = StepActionCompleted
	}
	o.recordAgent(ctx, o.action.Type(), start, !res.IsFailed(), res)
}

func (o *Orchestrator) recordAgent(ctx context.Context, agentType string, start time.Time, success bool, res agent.Result) {
	if o.tel == nil {
		return
	}
	errMsg, _ := res["error"].(string)
	o.tel.RecordAgentEvent(ctx, telemetry.AgentEvent{
		ID:        uuid.NewString(),
		AgentType: agentType,
		StartTime: start,
		EndTime:   time.Now(),
		Duration:  time.Since(start),
		Success:   success,
		Error:     errMsg,
	})
}

// finalize computes duration, flattens the final output, and appends
// the execution history entry. Retry exhaustion is not an error: the
// workflow completes with whatever partial results exist.
func (o *Orchestrator) finalize(ctx context.Context, workflowID string, s *State) map[string]interface{} {
	s.EndTime = time.Now()
	s.TotalDuration = s.EndTime.Sub(s.StartTime).Seconds()

	success := o.determineSuccess(s)

	metadata := map[string]interface{}{
		"steps_executed":   append([]string(nil), s.StepHistory...),
		"duration_seconds": s.TotalDuration,
		"agents_used":      agentsUsed(s.StepHistory),
		"retry_count":      s.RetryCount,
	}

	s.FinalOutput = map[string]interface{}{
		"query":                     s.OriginalQuery,
		"research_summary":          fieldOf(s.ResearchResults, "summary"),
		"key_insights":              fieldOf(s.AnalysisResults, "key_insights"),
		"strategic_recommendations": fieldOf(s.AnalysisResults, "recommendations"),
		"action_plan":               fieldOf(s.ActionResults, "action_plan"),
		"next_steps":                fieldOf(s.ActionResults, "next_steps"),
		"confidence_assessment":     fieldOf(s.AnalysisResults, "confidence_scores"),
		"workflow_metadata":         metadata,
	}
	s.ExecutionSummary = map[string]interface{}{
		"workflow_id":    workflowID,
		"success":        success,
		"steps":          len(s.StepHistory),
		"execution_path": strings.Join(s.StepHistory, " -> "),
		"retries":        s.RetryCount,
		"duration":       s.TotalDuration,
	}

	entry := ExecutionHistoryEntry{
		Query:         s.OriginalQuery,
		Duration:      s.TotalDuration,
		StepsExecuted: append([]string(nil), s.StepHistory...),
		Success:       success,
		Timestamp:     s.EndTime,
	}

	o.mu.Lock()
	o.history = append(o.history, entry)
	if len(o.history) > o.historyLimit {
		o.history = o.history[len(o.history)-o.historyLimit:]
	}
	o.mu.Unlock()

	if o.tel != nil {
		tokens, cost := o.usageTotals()
		o.tel.RecordWorkflowEvent(ctx, telemetry.WorkflowEvent{
			ID:            workflowID,
			Query:         s.OriginalQuery,
			StartTime:     s.StartTime,
			EndTime:       s.EndTime,
			Duration:      s.EndTime.Sub(s.StartTime),
			Success:       success,
			StepsExecuted: len(s.StepHistory),
			RetryCount:    s.RetryCount,
			Cost:          cost,
			TokensUsed:    tokens,
			AgentsUsed:    agentsUsed(s.StepHistory),
		})
	}

	o.logger.Printf("workflow %s finished: success=%t steps=%d retries=%d duration=%.2fs",
		workflowID, success, len(s.StepHistory), s.RetryCount, s.TotalDuration)
	return s.FinalOutput
}

// determineSuccess requires all three agents in the step history and
// no failed result slot.
func (o *Orchestrator) determineSuccess(s *State) bool {
	for _, a := range []NextAgent{AgentResearch, AgentAnalysis, AgentAction} {
		if !historyContains(s.StepHistory, a) {
			return false
		}
	}
	for _, r := range []agent.Result{s.ResearchResults, s.AnalysisResults, s.ActionResults} {
		if r.IsFailed() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) usageTotals() (int64, float64) {
	var tokens int64
	var cost float64
	for _, u := range []interface{ Usage() (int64, float64) }{o.research, o.analysis, o.action} {
		tk, c := u.Usage()
		tokens += tk
		cost += c
	}
	return tokens, cost
}

// HealthCheck aggregates agent status and tool server health. It never
// returns an error; connectivity failures are reported as strings.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"status":    "healthy",
		"agents":    o.GetAgentStatus(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h, err := o.mcp.HealthCheck(ctx); err != nil {
		out["mcp_server"] = fmt.Sprintf("unreachable: %v", err)
		out["status"] = "degraded"
	} else {
		out["mcp_server"] = h.Status
	}
	return out
}

// GetAgentStatus reports each agent's status snapshot.
func (o *Orchestrator) GetAgentStatus() map[string]interface{} {
	return map[string]interface{}{
		"research": o.research.Status(),
		"analysis": o.analysis.Status(),
		"action":   o.action.Status(),
	}
}

// GetExecutionHistory returns a copy of the bounded execution history.
func (o *Orchestrator) GetExecutionHistory() []ExecutionHistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ExecutionHistoryEntry(nil), o.history...)
}

func agentsUsed(history []string) []string {
	seen := map[string]bool{}
	var used []string
	for _, h := range history {
		if !seen[h] {
			seen[h] = true
			used = append(used, h)
		}
	}
	return used
}

func fieldOf(r agent.Result, key string) interface{} {
	if r == nil {
		return nil
	}
	return r[key]
}

func stringFrom(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringsFrom(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func intFrom(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

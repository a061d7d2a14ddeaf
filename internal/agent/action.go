package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/llm"
)

var priorityScores = map[string]float64{
	"critical": 4,
	"high":     3,
	"medium":   2,
	"low":      1,
}

// ActionAgent turns analysis and research into a prioritized,
// risk-assessed action plan with success metrics and next steps.
type ActionAgent struct {
	BaseAgent
}

// ActionRequest bundles the inputs to one action-planning pass.
type ActionRequest struct {
	AnalysisData  Result
	ResearchData  Result
	OriginalQuery string
	Constraints   []string
	Objectives    []string
}

// NewActionAgent creates an action agent.
func NewActionAgent(cfg *config.Config, provider llm.Provider) *ActionAgent {
	return &ActionAgent{
		BaseAgent: newBaseAgent("action", cfg.Agents.Action, cfg.Agents.HistoryLimit, provider,
			log.New(log.Writer(), "[ACTION-AGENT] ", log.LstdFlags)),
	}
}

// Process runs one action-planning pass.
func (a *ActionAgent) Process(ctx context.Context, req ActionRequest) Result {
	if len(req.AnalysisData) == 0 && len(req.ResearchData) == 0 {
		return Failed("action planning requires analysis or research data")
	}

	material := a.buildContext(req)

	assessment := a.strategicAssessment(ctx, material)
	actions := a.generateActions(ctx, material)
	prioritized := a.prioritize(ctx, actions)
	roadmap := a.buildRoadmap(ctx, material, prioritized)
	metrics := a.successMetrics(ctx, material, prioritized)
	risks := a.assessRisks(ctx, material, prioritized)
	resources := a.resourceRequirements(ctx, prioritized)
	recommendations := a.finalRecommendations(ctx, material, prioritized)

	return Result{
		"status":                "completed",
		"query":                 req.OriginalQuery,
		"strategic_assessment":  assessment,
		"action_plan":           prioritized,
		"roadmap":               roadmap,
		"success_metrics":       metrics,
		"risk_assessment":       risks,
		"resource_requirements": resources,
		"final_recommendations": recommendations,
		"next_steps":            nextSteps(prioritized),
		"execution_readiness":   readinessScore(prioritized, assessment, risks, metrics, resources),
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	}
}

func (a *ActionAgent) buildContext(req ActionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OBJECTIVE: %s\n", req.OriginalQuery)
	if len(req.Objectives) > 0 {
		fmt.Fprintf(&b, "STATED OBJECTIVES: %s\n", strings.Join(req.Objectives, "; "))
	}
	if len(req.Constraints) > 0 {
		fmt.Fprintf(&b, "CONSTRAINTS: %s\n", strings.Join(req.Constraints, "; "))
	}
	if synthesis, _ := req.AnalysisData["synthesis"].(string); synthesis != "" {
		fmt.Fprintf(&b, "ANALYSIS SYNTHESIS:\n%s\n", truncate(synthesis, contentCharBudget))
	}
	if insights, ok := req.AnalysisData["key_insights"].([]interface{}); ok {
		b.WriteString("KEY INSIGHTS:\n")
		for _, in := range insights {
			fmt.Fprintf(&b, "- %v\n", describeItem(in, "insight"))
		}
	}
	if summary, _ := req.ResearchData["summary"].(string); summary != "" {
		fmt.Fprintf(&b, "RESEARCH SUMMARY:\n%s\n", truncate(summary, contentCharBudget))
	}
	return b.String()
}

func describeItem(v interface{}, key string) string {
	if m, ok := v.(map[string]interface{}); ok {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%v", v)
}

func (a *ActionAgent) strategicAssessment(ctx context.Context, material string) interface{} {
	prompt := fmt.Sprintf(`Give a strategic assessment of the situation below: current position, opportunities, threats, and the decisive factors.
%s
Return ONLY strict JSON: {"position": string, "opportunities": [string], "threats": [string], "decisive_factors": [string]}`, material)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("strategic assessment failed: %v", err)
		return nil
	}
	if obj, ok := structured.Object(); ok {
		return obj
	}
	return structured.Text()
}

func (a *ActionAgent) generateActions(ctx context.Context, material string) []map[string]interface{} {
	prompt := fmt.Sprintf(`Generate 5-8 concrete actions for the situation below. For each give its type, priority (critical/high/medium/low), effort, dependencies, expected outcome, and success criteria.
%s
Return ONLY strict JSON: {"actions": [ {"action": string, "type": string, "priority": string, "effort": string, "dependencies": [string], "expected_outcome": string, "success_criteria": string} ]}`, material)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("action generation failed: %v", err)
		return nil
	}

	var actions []map[string]interface{}
	for _, item := range structured.ListField("actions", "action") {
		if m, ok := item.(map[string]interface{}); ok {
			actions = append(actions, m)
		}
	}
	return actions
}

// prioritize attaches an urgency sub-assessment to each action, sorts
// by (priority_score, urgency_score) descending, and keeps the top 5.
func (a *ActionAgent) prioritize(ctx context.Context, actions []map[string]interface{}) []map[string]interface{} {
	for _, action := range actions {
		name, _ := action["action"].(string)
		urgency := a.assessUrgency(ctx, name)
		action["urgency"] = urgency["urgency"]
		action["urgency_score"] = urgency["urgency_score"]

		priority, _ := action["priority"].(string)
		action["priority_score"] = priorityScores[strings.ToLower(priority)]
	}

	sort.SliceStable(actions, func(i, j int) bool {
		pi, pj := floatOf(actions[i]["priority_score"]), floatOf(actions[j]["priority_score"])
		if pi != pj {
			return pi > pj
		}
		return floatOf(actions[i]["urgency_score"]) > floatOf(actions[j]["urgency_score"])
	})

	if len(actions) > 5 {
		actions = actions[:5]
	}
	return actions
}

func (a *ActionAgent) assessUrgency(ctx context.Context, action string) map[string]interface{} {
	prompt := fmt.Sprintf(`How urgent is this action? ACTION: %s
Return ONLY strict JSON: {"urgency": string, "urgency_score": number 0..10, "reasoning": string}`, action)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("urgency assessment failed: %v", err)
		return map[string]interface{}{"urgency": "unknown", "urgency_score": 0.0}
	}
	if obj, ok := structured.Object(); ok {
		return obj
	}
	return map[string]interface{}{"urgency": structured.Text(), "urgency_score": 0.0}
}

func (a *ActionAgent) buildRoadmap(ctx context.Context, material string, actions []map[string]interface{}) []interface{} {
	prompt := fmt.Sprintf(`Arrange the actions below into an implementation roadmap of 3-4 phases with goals per phase.
%s
ACTIONS:
%s
Return ONLY strict JSON: {"phases": [ {"phase": string, "goal": string, "actions": [string], "duration": string} ]}`, material, actionNames(actions))

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("roadmap generation failed: %v", err)
		return nil
	}
	return structured.ListField("phases", "phase")
}

func (a *ActionAgent) successMetrics(ctx context.Context, material string, actions []map[string]interface{}) []interface{} {
	prompt := fmt.Sprintf(`Define 3-5 measurable success metrics for the plan below.
%s
ACTIONS:
%s
Return ONLY strict JSON: {"metrics": [ {"metric": string, "target": string, "measurement": string} ]}`, material, actionNames(actions))

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("metric generation failed: %v", err)
		return nil
	}
	return structured.ListField("metrics", "metric")
}

func (a *ActionAgent) assessRisks(ctx context.Context, material string, actions []map[string]interface{}) interface{} {
	prompt := fmt.Sprintf(`Assess the risks of executing the plan below: likelihood, impact, and mitigation per risk.
%s
ACTIONS:
%s
Return ONLY strict JSON: {"risks": [ {"risk": string, "likelihood": string, "impact": string, "mitigation": string} ]}`, material, actionNames(actions))

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("risk assessment failed: %v", err)
		return nil
	}
	return structured.ListField("risks", "risk")
}

func (a *ActionAgent) resourceRequirements(ctx context.Context, actions []map[string]interface{}) interface{} {
	prompt := fmt.Sprintf(`List the resources (people, tools, budget, time) needed to execute these actions:
%s
Return ONLY strict JSON: {"resources": [ {"resource": string, "purpose": string} ]}`, actionNames(actions))

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("resource estimation failed: %v", err)
		return nil
	}
	return structured.ListField("resources", "resource")
}

// finalRecommendations asks for free text and parses bullet-like
// lines: markers -, •, *, or any line over 20 chars not ending in ':'.
func (a *ActionAgent) finalRecommendations(ctx context.Context, material string, actions []map[string]interface{}) []string {
	prompt := fmt.Sprintf(`Give your final recommendations for the plan below as a short bulleted list.
%s
ACTIONS:
%s`, material, actionNames(actions))

	out, err := a.invokeLLM(ctx, prompt)
	if err != nil {
		a.logger.Printf("final recommendations failed: %v", err)
		return nil
	}
	return parseRecommendations(out)
}

func parseRecommendations(text string) []string {
	var recs []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "-"), strings.HasPrefix(line, "•"), strings.HasPrefix(line, "*"):
			recs = append(recs, strings.TrimSpace(strings.TrimLeft(line, "-•* ")))
		case len(line) > 20 && !strings.HasSuffix(line, ":"):
			recs = append(recs, line)
		}
	}
	return recs
}

// nextSteps returns the names of the top 3 prioritized actions.
func nextSteps(actions []map[string]interface{}) []string {
	var steps []string
	for i, action := range actions {
		if i >= 3 {
			break
		}
		if name, _ := action["action"].(string); name != "" {
			steps = append(steps, name)
		}
	}
	return steps
}

// readinessScore computes the execution-readiness score in [0,100]:
// up to 30 for plan completeness (5 per action), 20 for a strategic
// assessment, 20 for a risk assessment, up to 15 for metrics (3 each),
// and 15 for resource requirements.
func readinessScore(actions []map[string]interface{}, assessment, risks interface{}, metrics []interface{}, resources interface{}) int {
	score := len(actions) * 5
	if score > 30 {
		score = 30
	}
	if !isEmpty(assessment) {
		score += 20
	}
	if !isEmpty(risks) {
		score += 20
	}
	m := len(metrics) * 3
	if m > 15 {
		m = 15
	}
	score += m
	if !isEmpty(resources) {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func actionNames(actions []map[string]interface{}) string {
	var b strings.Builder
	for _, action := range actions {
		fmt.Fprintf(&b, "- %v (priority: %v)\n", action["action"], action["priority"])
	}
	return b.String()
}

func floatOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

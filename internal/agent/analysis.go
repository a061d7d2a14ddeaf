package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/llm"
)

// Analysis synthesis styles. Each maps to a distinct prompting
// instruction; unknown types fall back to comprehensive.
var synthesisStyles = map[string]string{
	"comprehensive": "Write a thorough synthesis covering all significant findings, their relationships, and their implications.",
	"executive":     "Write a brief executive synthesis: lead with the bottom line, keep it under three paragraphs, no technical detail.",
	"technical":     "Write a technical synthesis: precise terminology, mechanisms and data points, aimed at a specialist reader.",
	"comparative":   "Write a comparative synthesis: contrast the sources' positions, highlight agreements and disagreements.",
	"critical":      "Write a critical synthesis: interrogate the evidence quality, surface weaknesses and unsupported claims.",
}

// AnalysisAgent turns gathered research into insights, patterns, a
// synthesis narrative, recommendations, and a confidence assessment.
type AnalysisAgent struct {
	BaseAgent
}

// AnalysisRequest bundles the inputs to one analysis pass.
type AnalysisRequest struct {
	ResearchData Result
	AnalysisType string
	FocusAreas   []string
}

// NewAnalysisAgent creates an analysis agent.
func NewAnalysisAgent(cfg *config.Config, provider llm.Provider) *AnalysisAgent {
	return &AnalysisAgent{
		BaseAgent: newBaseAgent("analysis", cfg.Agents.Analysis, cfg.Agents.HistoryLimit, provider,
			log.New(log.Writer(), "[ANALYSIS-AGENT] ", log.LstdFlags)),
	}
}

// Process runs one analysis pass. Failures are data, not errors.
func (a *AnalysisAgent) Process(ctx context.Context, req AnalysisRequest) Result {
	if len(req.ResearchData) == 0 {
		return Failed("analysis requires research data")
	}

	query, _ := req.ResearchData["query"].(string)
	content, sourceCount := collectContent(req.ResearchData)

	if len(content) == 0 {
		if query == "" {
			return Failed("no content items and no query to analyze")
		}
		return a.knowledgeFallback(ctx, query, req)
	}

	analysisType := req.AnalysisType
	if _, ok := synthesisStyles[analysisType]; !ok {
		analysisType = "comprehensive"
	}

	material := buildMaterial(query, content, req.FocusAreas)

	evaluation := a.evaluateSources(ctx, material)
	insights := a.extractInsights(ctx, material)
	patterns := a.identifyPatterns(ctx, material)
	synthesis := a.synthesize(ctx, material, analysisType)
	recommendations := a.recommend(ctx, material, synthesis)
	confidence, limitations := a.assessConfidence(sourceCount, len(content))

	return Result{
		"status":            "completed",
		"query":             query,
		"analysis_type":     analysisType,
		"source_evaluation": evaluation,
		"key_insights":      insights,
		"patterns":          patterns,
		"synthesis":         synthesis,
		"recommendations":   recommendations,
		"confidence_scores": confidence,
		"limitations":       limitations,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
}

// collectContent pulls non-empty content bodies out of research
// sources, with each body truncated to the prompt budget.
func collectContent(research Result) ([]string, int) {
	sources, _ := research["sources"].([]interface{})
	var content []string
	for _, s := range sources {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		if text, _ := m["content"].(string); strings.TrimSpace(text) != "" {
			content = append(content, truncate(text, contentCharBudget))
		}
	}
	return content, len(sources)
}

func buildMaterial(query string, content []string, focusAreas []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION: %s\n", query)
	if len(focusAreas) > 0 {
		fmt.Fprintf(&b, "FOCUS AREAS: %s\n", strings.Join(focusAreas, ", "))
	}
	b.WriteString("CONTENT:\n")
	for i, c := range content {
		fmt.Fprintf(&b, "[source %d]\n%s\n", i+1, c)
	}
	return b.String()
}

// knowledgeFallback answers from model knowledge when research
// produced no content. The result is explicitly tagged so callers know
// no retrieval backs it.
func (a *AnalysisAgent) knowledgeFallback(ctx context.Context, query string, req AnalysisRequest) Result {
	prompt := fmt.Sprintf(`No retrieved content is available. Using only your general knowledge, analyze the question below.
QUESTION: %s
Return ONLY strict JSON: {"key_insights": [ {"insight": string, "confidence": string} ], "recommendations": [ {"recommendation": string} ], "synthesis": string}`, query)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		return Failed(fmt.Sprintf("knowledge fallback failed: %v", err))
	}

	return Result{
		"status":          "completed",
		"query":           query,
		"analysis_type":   req.AnalysisType,
		"key_insights":    structured.ListField("key_insights", "insight"),
		"recommendations": structured.ListField("recommendations", "recommendation"),
		"synthesis":       structured.StringField("synthesis"),
		"confidence_scores": map[string]interface{}{
			"note":    "Based on training data knowledge",
			"overall": "low",
		},
		"limitations": []interface{}{
			"No retrieved sources were available; findings rest on model knowledge alone.",
			"Recency and accuracy cannot be verified against live sources.",
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

func (a *AnalysisAgent) evaluateSources(ctx context.Context, material string) interface{} {
	prompt := fmt.Sprintf(`Evaluate the credibility of each source in the material below.
%s
Return ONLY strict JSON: {"evaluations": [ {"source": string, "credibility": string, "reasoning": string} ]}`, material)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("source evaluation failed: %v", err)
		return nil
	}
	return structured.ListField("evaluations", "evaluation")
}

func (a *AnalysisAgent) extractInsights(ctx context.Context, material string) []interface{} {
	prompt := fmt.Sprintf(`Extract 5-7 key insights from the material below. Each insight needs a confidence level and a relevance score from 1 to 10.
%s
Return ONLY strict JSON: {"insights": [ {"insight": string, "confidence": string, "relevance": number} ]}`, material)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("insight extraction failed: %v", err)
		return nil
	}
	return structured.ListField("insights", "insight")
}

func (a *AnalysisAgent) identifyPatterns(ctx context.Context, material string) []interface{} {
	prompt := fmt.Sprintf(`Identify recurring patterns, trends, and relationships in the material below.
%s
Return ONLY strict JSON: {"patterns": [ {"pattern": string, "evidence": string} ]}`, material)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("pattern identification failed: %v", err)
		return nil
	}
	return structured.ListField("patterns", "pattern")
}

func (a *AnalysisAgent) synthesize(ctx context.Context, material, analysisType string) string {
	prompt := fmt.Sprintf(`%s
%s
Respond with the synthesis text only.`, synthesisStyles[analysisType], material)

	out, err := a.invokeLLM(ctx, prompt)
	if err != nil {
		a.logger.Printf("synthesis failed: %v", err)
		return ""
	}
	return out
}

func (a *AnalysisAgent) recommend(ctx context.Context, material, synthesis string) []interface{} {
	prompt := fmt.Sprintf(`Based on the material and synthesis below, produce 3-5 recommendations. Rate each for impact, difficulty, and risk.
%s
SYNTHESIS: %s
Return ONLY strict JSON: {"recommendations": [ {"recommendation": string, "impact": string, "difficulty": string, "risk": string} ]}`, material, truncate(synthesis, contentCharBudget))

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("recommendation generation failed: %v", err)
		return nil
	}
	return structured.ListField("recommendations", "recommendation")
}

// assessConfidence applies the local heuristic: high needs at least 3
// sources and 3 content items, medium needs 2 of either, else low.
func (a *AnalysisAgent) assessConfidence(sourceCount, contentCount int) (map[string]interface{}, []interface{}) {
	overall := "low"
	switch {
	case sourceCount >= 3 && contentCount >= 3:
		overall = "high"
	case sourceCount >= 2 || contentCount >= 2:
		overall = "medium"
	}

	var limitations []interface{}
	if sourceCount < 3 {
		limitations = append(limitations, fmt.Sprintf("Only %d source(s) were available; conclusions may not generalize.", sourceCount))
	}
	if contentCount < sourceCount {
		limitations = append(limitations, fmt.Sprintf("%d of %d sources yielded no usable content.", sourceCount-contentCount, sourceCount))
	}

	return map[string]interface{}{
		"overall":       overall,
		"source_count":  sourceCount,
		"content_count": contentCount,
	}, limitations
}

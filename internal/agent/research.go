package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/agent/telemetry"
	"github.com/msadeghi/triad/internal/llm"
	"github.com/msadeghi/triad/internal/mcp"
)

const (
	searchResultLimit = 3
	contentCharBudget = 2000
	defaultMaxSources = 5
	mcpSearchTable    = "scraped_data"
)

// ResearchAgent gathers content for a query from URLs and stored-data
// searches through the tool server, then summarizes what it found.
type ResearchAgent struct {
	BaseAgent
	mcp   *mcp.Client
	tel   *telemetry.Telemetry
	cache *lru.Cache[string, Result]
}

// ResearchRequest bundles the inputs to one research pass.
type ResearchRequest struct {
	Query       string
	URLs        []string
	SearchTerms []string
	MaxSources  int
}

// NewResearchAgent creates a research agent.
func NewResearchAgent(cfg *config.Config, provider llm.Provider, client *mcp.Client, tel *telemetry.Telemetry) *ResearchAgent {
	size := cfg.Agents.CacheSize
	if size <= 0 {
		size = 128
	}
	cache, _ := lru.New[string, Result](size)
	return &ResearchAgent{
		BaseAgent: newBaseAgent("research", cfg.Agents.Research, cfg.Agents.HistoryLimit, provider,
			log.New(log.Writer(), "[RESEARCH-AGENT] ", log.LstdFlags)),
		mcp:   client,
		tel:   tel,
		cache: cache,
	}
}

func cacheKey(query string, urls []string) string {
	h := sha256.Sum256([]byte(strings.Join(urls, "\n")))
	return query + "|" + hex.EncodeToString(h[:8])
}

// Process runs one research pass. It never returns an error: all
// failures are represented in the result's status field.
func (a *ResearchAgent) Process(ctx context.Context, req ResearchRequest) Result {
	if req.Query == "" && len(req.URLs) == 0 && len(req.SearchTerms) == 0 {
		return Failed("research requires a query, urls, or search terms")
	}

	key := cacheKey(req.Query, req.URLs)
	if cached, ok := a.cache.Get(key); ok {
		a.logger.Printf("cache hit for query %q", req.Query)
		return cached
	}

	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = defaultMaxSources
	}

	var sources []interface{}

	// Search terms are issued as given, duplicates included.
	for _, term := range req.SearchTerms {
		start := time.Now()
		hits, err := a.mcp.SearchData(ctx, mcpSearchTable, term, searchResultLimit)
		a.recordTool(ctx, "search", start, err == nil, len(hits))
		if err != nil {
			sources = append(sources, map[string]interface{}{
				"term": term, "type": "error", "error": err.Error(),
			})
			continue
		}
		var results []interface{}
		for _, h := range hits {
			results = append(results, map[string]interface{}{
				"url": h.URL, "title": h.Title, "preview": h.Preview, "score": h.Score,
			})
		}
		sources = append(sources, map[string]interface{}{
			"term": term, "type": "search", "results": results,
		})
	}

	for i, raw := range req.URLs {
		if i >= maxSources {
			break
		}
		sources = append(sources, a.gatherURL(ctx, raw))
	}

	// One failing URL never aborts the batch, but a batch where every
	// gather failed is a failed research attempt, eligible for retry.
	if len(sources) > 0 && allErrors(sources) {
		res := Failed("all research sources failed")
		res["sources"] = sources
		return res
	}

	result := Result{
		"status":       "completed",
		"query":        req.Query,
		"sources":      sources,
		"source_count": len(sources),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	if req.Query != "" && len(req.URLs) == 0 {
		result["suggestions"] = a.suggestDirections(ctx, req.Query)
	}

	result["summary"] = a.summarize(ctx, req.Query, sources)

	a.cache.Add(key, result)
	return result
}

// gatherURL retrieves one URL, choosing scrape or fetch by heuristic.
// A per-URL failure becomes an error entry, never an aborted batch.
func (a *ResearchAgent) gatherURL(ctx context.Context, raw string) map[string]interface{} {
	if shouldScrape(raw) {
		start := time.Now()
		res, err := a.mcp.ScrapeURL(ctx, raw, mcp.ScrapeOptions{ExtractLinks: true})
		a.recordTool(ctx, "scrape", start, err == nil, 1)
		if err != nil {
			return map[string]interface{}{"url": raw, "type": "error", "error": err.Error()}
		}
		return map[string]interface{}{
			"url": raw, "type": "scraped", "title": res.Title, "content": res.Content,
		}
	}

	start := time.Now()
	res, err := a.mcp.FetchURL(ctx, raw, nil, 0)
	a.recordTool(ctx, "fetch", start, err == nil, 1)
	if err != nil {
		return map[string]interface{}{"url": raw, "type": "error", "error": err.Error()}
	}
	return map[string]interface{}{
		"url": raw, "type": "fetched", "content": res.Content, "content_type": res.ContentType,
	}
}

// shouldScrape decides between full extraction and a raw fetch.
// Content-site host prefixes, HTML-like extensions, and extensionless
// HTTP(S) paths get scraped; everything else is fetched as-is.
func shouldScrape(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "news.", "article."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	path := strings.ToLower(u.Path)
	for _, ext := range []string{".html", ".htm", ".php", ".asp", ".aspx"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		last := segs[len(segs)-1]
		if !strings.Contains(last, ".") {
			return true
		}
	}
	return false
}

// suggestDirections asks the LLM for research directions when a query
// arrives with no URLs to gather.
func (a *ResearchAgent) suggestDirections(ctx context.Context, query string) []interface{} {
	prompt := fmt.Sprintf(`You are a research assistant. For the research question below, suggest concrete research directions: specific sources, search queries, and angles worth investigating.
QUESTION: %s
Return ONLY strict JSON: {"suggestions": [ {"direction": string, "rationale": string} ]}`, query)

	structured, err := a.invokeStructured(ctx, prompt)
	if err != nil {
		a.logger.Printf("suggestion generation failed: %v", err)
		return nil
	}
	return structured.ListField("suggestions", "direction")
}

// summarize produces the natural-language summary of the gathered
// sources. Content bodies are truncated so the prompt stays bounded,
// and a summary is produced even when every gather failed.
func (a *ResearchAgent) summarize(ctx context.Context, query string, sources []interface{}) string {
	var b strings.Builder
	for _, s := range sources {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		switch m["type"] {
		case "error":
			fmt.Fprintf(&b, "- FAILED %v: %v\n", m["url"], m["error"])
		case "search":
			fmt.Fprintf(&b, "- SEARCH %q: %d stored results\n", m["term"], lenOf(m["results"]))
		default:
			content, _ := m["content"].(string)
			fmt.Fprintf(&b, "- %v (%v):\n%s\n", m["url"], m["type"], truncate(content, contentCharBudget))
		}
	}
	if b.Len() == 0 {
		b.WriteString("(no content gathered)")
	}

	prompt := fmt.Sprintf(`Summarize the research material below for the question %q. Write a concise natural-language summary of what was found, noting any gaps or failed retrievals.

MATERIAL:
%s`, query, b.String())

	out, err := a.invokeLLM(ctx, prompt)
	if err != nil {
		a.logger.Printf("summary generation failed: %v", err)
		return fmt.Sprintf("Summary unavailable: %v", err)
	}
	return out
}

func (a *ResearchAgent) recordTool(ctx context.Context, tool string, start time.Time, success bool, results int) {
	if a.tel == nil {
		return
	}
	a.tel.RecordToolEvent(ctx, telemetry.ToolEvent{
		Tool: tool, Duration: time.Since(start), Success: success, Results: results,
	})
}

func allErrors(sources []interface{}) bool {
	for _, s := range sources {
		m, ok := s.(map[string]interface{})
		if !ok || m["type"] != "error" {
			return false
		}
	}
	return true
}

func lenOf(v interface{}) int {
	if l, ok := v.([]interface{}); ok {
		return len(l)
	}
	return 0
}

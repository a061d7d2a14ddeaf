package mcp

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/msadeghi/triad/config"
)

// Client talks to the research tool server over HTTP. Fetch and scrape
// calls store their results server-side; a retried call that succeeded
// on the wire but failed on the response will store a duplicate row,
// the server does not deduplicate.
type Client struct {
	baseURL string
	http    *httpClient
	logger  *log.Logger
}

// NewClient creates a client for the tool server described by cfg.
func NewClient(cfg config.MCPConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:8000"
	}
	return &Client{
		baseURL: base,
		http:    newHTTPClient(cfg.Timeout, cfg.MaxRetries, 300*time.Millisecond),
		logger:  log.New(log.Writer(), "[MCP-CLIENT] ", log.LstdFlags),
	}
}

// FetchResult is the tool server's response to a fetch call.
type FetchResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Length      int    `json:"length"`
	Stored      bool   `json:"stored"`
}

// ScrapeResult is the tool server's response to a scrape call.
type ScrapeResult struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Selectors map[string]string `json:"selectors,omitempty"`
	Links     []string          `json:"links,omitempty"`
	Images    []string          `json:"images,omitempty"`
	Stored    bool              `json:"stored"`
}

// SearchHit is one row from a stored-data search.
type SearchHit struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Preview   string  `json:"preview"`
	Score     float64 `json:"score"`
	Table     string  `json:"table"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// Stats summarizes the tool server's document store.
type Stats struct {
	FetchedCount int    `json:"fetched_count"`
	ScrapedCount int    `json:"scraped_count"`
	Backend      string `json:"backend"`
}

// Health is the tool server's health report.
type Health struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// ScrapeOptions controls content extraction on the server side.
type ScrapeOptions struct {
	Selectors     []string
	ExtractLinks  bool
	ExtractImages bool
}

// FetchURL retrieves raw content from a URL through the tool server.
func (c *Client) FetchURL(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) (*FetchResult, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url required")
	}
	body := map[string]interface{}{"url": rawURL}
	if len(headers) > 0 {
		body["headers"] = headers
	}
	if timeout > 0 {
		body["timeout"] = timeout.Seconds()
	}
	var out FetchResult
	if err := c.http.doJSON(ctx, "POST", c.baseURL+"/fetch", nil, body, &out); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return &out, nil
}

// ScrapeURL extracts structured content from a URL through the tool server.
func (c *Client) ScrapeURL(ctx context.Context, rawURL string, opts ScrapeOptions) (*ScrapeResult, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("scrape: url required")
	}
	body := map[string]interface{}{"url": rawURL}
	if len(opts.Selectors) > 0 {
		body["selectors"] = opts.Selectors
	}
	if opts.ExtractLinks {
		body["extract_links"] = true
	}
	if opts.ExtractImages {
		body["extract_images"] = true
	}
	var out ScrapeResult
	if err := c.http.doJSON(ctx, "POST", c.baseURL+"/scrape", nil, body, &out); err != nil {
		return nil, fmt.Errorf("scrape %s: %w", rawURL, err)
	}
	return &out, nil
}

// SearchData searches previously stored documents.
func (c *Client) SearchData(ctx context.Context, table, term string, limit int) ([]SearchHit, error) {
	if term == "" {
		return nil, fmt.Errorf("search: term required")
	}
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("term", term)
	q.Set("limit", strconv.Itoa(limit))
	if table != "" {
		q.Set("table", table)
	}
	var out struct {
		Results []SearchHit `json:"results"`
		Count   int         `json:"count"`
	}
	if err := c.http.doJSON(ctx, "GET", c.baseURL+"/db/search?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("search %q: %w", term, err)
	}
	return out.Results, nil
}

// DatabaseStats reports row counts for the document store.
func (c *Client) DatabaseStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.http.doJSON(ctx, "GET", c.baseURL+"/db/stats", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &out, nil
}

// HealthCheck probes the tool server.
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.http.doJSON(ctx, "GET", c.baseURL+"/health", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &out, nil
}

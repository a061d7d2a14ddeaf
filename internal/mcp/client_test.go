package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/msadeghi/triad/config"
)

func newTestClient(srv *httptest.Server, retries int) *Client {
	return NewClient(config.MCPConfig{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	})
}

func TestFetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fetch" || r.Method != "POST" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["url"] != "https://example.com/data.json" {
			t.Errorf("url = %v", req["url"])
		}
		_ = json.NewEncoder(w).Encode(FetchResult{
			URL: "https://example.com/data.json", StatusCode: 200,
			ContentType: "application/json", Content: `{"a":1}`, Length: 7, Stored: true,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	res, err := c.FetchURL(context.Background(), "https://example.com/data.json", nil, 0)
	if err != nil {
		t.Fatalf("FetchURL: %v", err)
	}
	if !res.Stored || res.StatusCode != 200 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFetchURLEmpty(t *testing.T) {
	c := NewClient(config.MCPConfig{BaseURL: "http://localhost:0"})
	if _, err := c.FetchURL(context.Background(), "", nil, 0); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestScrapeURLOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["extract_links"] != true {
			t.Errorf("extract_links not forwarded: %v", req)
		}
		if _, ok := req["extract_images"]; ok {
			t.Errorf("extract_images should be omitted when false")
		}
		_ = json.NewEncoder(w).Encode(ScrapeResult{
			URL: "https://example.com", Title: "Example",
			Content: "body text", Links: []string{"https://example.com/about"}, Stored: true,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	res, err := c.ScrapeURL(context.Background(), "https://example.com", ScrapeOptions{ExtractLinks: true})
	if err != nil {
		t.Fatalf("ScrapeURL: %v", err)
	}
	if len(res.Links) != 1 {
		t.Errorf("links = %v", res.Links)
	}
}

func TestSearchData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("term") != "golang" || q.Get("limit") != "3" || q.Get("table") != "scraped_data" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []SearchHit{{ID: "1", URL: "https://go.dev", Preview: "Go is...", Score: 1.2, Table: "scraped_data"}},
			"count":   1,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	hits, err := c.SearchData(context.Background(), "scraped_data", "golang", 3)
	if err != nil {
		t.Fatalf("SearchData: %v", err)
	}
	if len(hits) != 1 || hits[0].URL != "https://go.dev" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestRetryResendsBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["url"] == nil {
			t.Errorf("attempt %d: body missing", n)
		}
		if n == 1 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(FetchResult{URL: "https://example.com", StatusCode: 200, Stored: true})
	}))
	defer srv.Close()

	c := newTestClient(srv, 2)
	if _, err := c.FetchURL(context.Background(), "https://example.com", nil, 0); err != nil {
		t.Fatalf("FetchURL with retry: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Health{Status: "healthy"})
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	h, err := c.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("status = %q", h.Status)
	}
}

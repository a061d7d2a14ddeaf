package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/msadeghi/triad/config"
)

func testSecurity(allowed, blocked []string) config.SecurityConfig {
	return config.SecurityConfig{AllowedDomains: allowed, BlockedDomains: blocked}
}

// stubFetcher serves canned pages by URL.
type stubFetcher struct {
	pages map[string]FetchedPage
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (FetchedPage, error) {
	if f.err != nil {
		return FetchedPage{}, f.err
	}
	page, ok := f.pages[url]
	if !ok {
		return FetchedPage{URL: url, StatusCode: http.StatusNotFound, ContentType: "text/html"}, nil
	}
	return page, nil
}

func (f *stubFetcher) Close() error { return nil }

func newTestServer(t *testing.T, fetcher Fetcher, security config.SecurityConfig, jwtSecret string) *Server {
	t.Helper()
	index, err := NewSearchIndex()
	if err != nil {
		t.Fatalf("NewSearchIndex: %v", err)
	}
	cfg := &config.Config{}
	cfg.Server = config.ServerConfig{Address: ":0", JWTSecret: jwtSecret}
	cfg.Security = security
	return NewWithDeps(cfg, NewMemoryStore(), index, fetcher, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body string, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decoding %s %s response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHandleFetchStoresAndPreviews(t *testing.T) {
	long := strings.Repeat("x", 1500)
	fetcher := &stubFetcher{pages: map[string]FetchedPage{
		"https://example.com/data": {
			URL: "https://example.com/data", StatusCode: 200,
			ContentType: "text/plain", Body: long,
		},
	}}
	s := newTestServer(t, fetcher, testSecurity(nil, nil), "")

	rec, out := doJSON(t, s, http.MethodPost, "/fetch", `{"url":"https://example.com/data"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	content, _ := out["content"].(string)
	if len(content) != contentPreviewChars+3 || !strings.HasSuffix(content, "...") {
		t.Errorf("content preview length = %d", len(content))
	}
	if got := out["length"].(float64); int(got) != 1500 {
		t.Errorf("length = %v", out["length"])
	}
	if out["stored"] != true {
		t.Error("document not stored")
	}

	stats, err := s.store.Stats(context.Background())
	if err != nil || stats.FetchedCount != 1 {
		t.Errorf("stats = %+v, err %v", stats, err)
	}
}

func TestHandleFetchRejectsBlockedDomain(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, []string{"blocked.test"}), "")
	rec, _ := doJSON(t, s, http.MethodPost, "/fetch", `{"url":"https://blocked.test/x"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleFetchMissingURL(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), "")
	rec, _ := doJSON(t, s, http.MethodPost, "/fetch", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleFetchUpstreamError(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), "")
	rec, _ := doJSON(t, s, http.MethodPost, "/fetch", `{"url":"https://example.com/missing"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleScrape(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]FetchedPage{
		"https://example.com/report": {
			URL: "https://example.com/report", StatusCode: 200,
			ContentType: "text/html", Body: sampleHTML,
		},
	}}
	s := newTestServer(t, fetcher, testSecurity(nil, nil), "")

	rec, out := doJSON(t, s, http.MethodPost, "/scrape",
		`{"url":"https://example.com/report","selectors":["h1"],"extract_links":true}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if out["title"] == "" {
		t.Error("title empty")
	}
	sels, _ := out["selectors"].(map[string]interface{})
	if sels["h1"] != "Q3 Results" {
		t.Errorf("selectors = %v", sels)
	}
	links, _ := out["links"].([]interface{})
	if len(links) != 2 {
		t.Errorf("links = %v", links)
	}
	if _, ok := out["images"]; ok {
		t.Error("images present without extract_images")
	}
}

func TestHandleScrapeRejectsNonHTML(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]FetchedPage{
		"https://example.com/data.json": {
			URL: "https://example.com/data.json", StatusCode: 200,
			ContentType: "application/json", Body: `{"a":1}`,
		},
	}}
	s := newTestServer(t, fetcher, testSecurity(nil, nil), "")
	rec, _ := doJSON(t, s, http.MethodPost, "/scrape", `{"url":"https://example.com/data.json"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSearchAfterScrape(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]FetchedPage{
		"https://example.com/report": {
			URL: "https://example.com/report", StatusCode: 200,
			ContentType: "text/html", Body: sampleHTML,
		},
	}}
	s := newTestServer(t, fetcher, testSecurity(nil, nil), "")

	if rec, _ := doJSON(t, s, http.MethodPost, "/scrape", `{"url":"https://example.com/report"}`, ""); rec.Code != 200 {
		t.Fatalf("scrape failed: %d", rec.Code)
	}

	rec, out := doJSON(t, s, http.MethodGet, "/db/search?term=revenue&limit=5", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	results, _ := out["results"].([]interface{})
	if len(results) != 1 {
		t.Fatalf("results = %v", results)
	}
	hit, _ := results[0].(map[string]interface{})
	if _, ok := hit["id"].(string); !ok {
		t.Errorf("id should be a string, got %T", hit["id"])
	}
	preview, _ := hit["preview"].(string)
	if len(preview) == 0 || len(preview) > searchPreviewChars {
		t.Errorf("preview length = %d", len(preview))
	}
	if score, _ := hit["score"].(float64); score <= 0 {
		t.Errorf("score = %v, want indexed relevance", hit["score"])
	}
	if count, _ := out["count"].(float64); int(count) != 1 {
		t.Errorf("count = %v", out["count"])
	}
}

func TestSearchValidation(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), "")
	if rec, _ := doJSON(t, s, http.MethodGet, "/db/search", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing term: status = %d", rec.Code)
	}
	if rec, _ := doJSON(t, s, http.MethodGet, "/db/search?term=x&limit=-1", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}
	if rec, _ := doJSON(t, s, http.MethodGet, "/db/search?term=x&table=users", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad table: status = %d", rec.Code)
	}
}

func TestQueryUnsupportedOnMemoryStore(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), "")
	rec, _ := doJSON(t, s, http.MethodPost, "/db/query", `{"query":"SELECT 1"}`, "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), "")
	rec, out := doJSON(t, s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, out)
	}
}

func TestJWTGuardOnDBGroup(t *testing.T) {
	secret := "test-secret"
	s := newTestServer(t, &stubFetcher{}, testSecurity(nil, nil), secret)

	rec, _ := doJSON(t, s, http.MethodGet, "/db/stats", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/db/stats", "", "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}

	token, err := SignToken("tester", []byte(secret), time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec, out := doJSON(t, s, http.MethodGet, "/db/stats", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", rec.Code, rec.Body.String())
	}
	if out["backend"] != "memory" {
		t.Errorf("stats = %v", out)
	}

	// fetch stays open regardless of the secret
	rec, _ = doJSON(t, s, http.MethodPost, "/fetch", `{"url":"https://example.com/missing"}`, "")
	if rec.Code == http.StatusUnauthorized {
		t.Error("fetch should not require auth")
	}
}

func TestMemoryStoreSearchAndStats(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, err := st.SaveFetched(ctx, Document{URL: fmt.Sprintf("https://a.test/%d", i), Content: "alpha beta"}); err != nil {
			t.Fatalf("SaveFetched: %v", err)
		}
	}
	if _, err := st.SaveScraped(ctx, Document{URL: "https://b.test/1", Title: "gamma", Content: "delta"}); err != nil {
		t.Fatalf("SaveScraped: %v", err)
	}

	rows, err := st.Search(ctx, tableFetched, "alpha", 3)
	if err != nil || len(rows) != 3 {
		t.Fatalf("search = %v, err %v", rows, err)
	}
	// newest first
	if rows[0].ID <= rows[1].ID {
		t.Errorf("order: %v", rows)
	}

	none, err := st.Search(ctx, tableScraped, "zeta", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("no-match search = %v, err %v", none, err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FetchedCount != 7 || stats.ScrapedCount != 1 {
		t.Errorf("counts = %d/%d", stats.FetchedCount, stats.ScrapedCount)
	}
	if len(stats.RecentFetches) != recentLimit {
		t.Errorf("recent fetches = %d", len(stats.RecentFetches))
	}
}

func TestSearchIndexScoring(t *testing.T) {
	idx, err := NewSearchIndex()
	if err != nil {
		t.Fatalf("NewSearchIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Add(tableScraped, 1, "https://a.test", "Cloud growth", "cloud revenue grew sharply"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add(tableScraped, 2, "https://b.test", "Weather", "rain expected tomorrow"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := idx.Query("cloud", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "scraped_data:1" || hits[0].Score <= 0 {
		t.Errorf("hits = %v", hits)
	}
}

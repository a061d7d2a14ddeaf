package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msadeghi/triad/config"
)

const (
	contentPreviewChars = 1000
	serverVersion       = "1.0.0"
)

// Server is the research tool server: fetch, scrape, store, search.
type Server struct {
	echo    *echo.Echo
	cfg     config.ServerConfig
	store   DocumentStore
	index   *SearchIndex
	fetcher Fetcher
	filter  *DomainFilter
	logger  *log.Logger

	requestCount *prometheus.CounterVec
	storeErrors  prometheus.Counter
}

// New wires the server from config, building the store, index, and
// fetcher. Pass a nil registerer to skip metric registration (tests).
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Server, error) {
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	logger := log.New(log.Writer(), "[MCP-SERVER] ", log.LstdFlags)
	store, err := NewDocumentStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	index, err := NewSearchIndex()
	if err != nil {
		return nil, err
	}
	fetcher, err := NewFetcher(cfg.Server)
	if err != nil {
		return nil, err
	}
	return NewWithDeps(cfg, store, index, fetcher, reg), nil
}

// NewWithDeps wires the server with injected collaborators.
func NewWithDeps(cfg *config.Config, store DocumentStore, index *SearchIndex, fetcher Fetcher, reg prometheus.Registerer) *Server {
	s := &Server{
		cfg:     cfg.Server,
		store:   store,
		index:   index,
		fetcher: fetcher,
		filter:  NewDomainFilter(cfg.Security),
		logger:  log.New(log.Writer(), "[MCP-SERVER] ", log.LstdFlags),
	}
	if reg != nil {
		factory := promauto.With(reg)
		s.requestCount = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_server_requests_total",
			Help: "Tool server requests by endpoint and status class.",
		}, []string{"endpoint", "status"})
		s.storeErrors = factory.NewCounter(prometheus.CounterOpts{
			Name: "triad_server_store_errors_total",
			Help: "Document store failures.",
		})
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.POST("/fetch", s.handleFetch)
	e.POST("/scrape", s.handleScrape)
	e.GET("/health", s.handleHealth)
	e.GET("/", s.handleRoot)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	db := e.Group("/db")
	if cfg.Server.JWTSecret != "" {
		db.Use(jwtMiddleware([]byte(cfg.Server.JWTSecret)))
	}
	db.POST("/query", s.handleQuery)
	db.GET("/search", s.handleSearch)
	db.GET("/stats", s.handleStats)

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Address
	}
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown drains the listener and releases the fetcher and store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if s.fetcher != nil {
		_ = s.fetcher.Close()
	}
	if s.index != nil {
		_ = s.index.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	return err
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

type fetchRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Timeout float64           `json:"timeout"`
}

func (s *Server) handleFetch(c echo.Context) error {
	var req fetchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if err := s.filter.Check(req.URL); err != nil {
		s.count("fetch", "denied")
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	ctx := c.Request().Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout*float64(time.Second)))
		defer cancel()
	}

	page, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		s.count("fetch", "error")
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("request failed: %v", err))
	}
	if page.StatusCode >= 400 {
		s.count("fetch", "error")
		return echo.NewHTTPError(page.StatusCode, fmt.Sprintf("upstream returned %d", page.StatusCode))
	}

	id, err := s.store.SaveFetched(ctx, Document{
		URL:     req.URL,
		Content: page.Body,
		Metadata: map[string]interface{}{
			"status_code":  page.StatusCode,
			"content_type": page.ContentType,
			"headers":      page.Headers,
			"size":         len(page.Body),
		},
	})
	stored := err == nil
	if err != nil {
		s.recordStoreError(err)
	} else if s.index != nil {
		_ = s.index.Add(tableFetched, id, req.URL, "", page.Body)
	}

	s.count("fetch", "ok")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":           id,
		"url":          req.URL,
		"status_code":  page.StatusCode,
		"content_type": page.ContentType,
		"content":      preview(page.Body),
		"length":       len(page.Body),
		"stored":       stored,
	})
}

type scrapeRequest struct {
	URL           string   `json:"url"`
	Selectors     []string `json:"selectors"`
	ExtractLinks  bool     `json:"extract_links"`
	ExtractImages bool     `json:"extract_images"`
}

func (s *Server) handleScrape(c echo.Context) error {
	var req scrapeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if err := s.filter.Check(req.URL); err != nil {
		s.count("scrape", "denied")
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	ctx := c.Request().Context()
	page, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		s.count("scrape", "error")
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("scraping failed: %v", err))
	}
	if page.StatusCode >= 400 {
		s.count("scrape", "error")
		return echo.NewHTTPError(page.StatusCode, fmt.Sprintf("upstream returned %d", page.StatusCode))
	}
	if page.ContentType != "" && !isHTMLContent(page.ContentType) {
		s.count("scrape", "error")
		return echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("not an HTML page: %s", page.ContentType))
	}

	selectors := make(map[string]string, len(req.Selectors))
	for _, sel := range req.Selectors {
		selectors[sel] = sel
	}
	scraped, err := Scrape(req.URL, page.Body, ScrapeOptions{
		Selectors:     selectors,
		ExtractLinks:  req.ExtractLinks,
		ExtractImages: req.ExtractImages,
	})
	if err != nil {
		s.count("scrape", "error")
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("scraping failed: %v", err))
	}

	id, err := s.store.SaveScraped(ctx, Document{
		URL:      req.URL,
		Title:    scraped.Title,
		Content:  scraped.Content,
		Metadata: map[string]interface{}{"extracted": scraped.Extracted},
	})
	stored := err == nil
	if err != nil {
		s.recordStoreError(err)
	} else if s.index != nil {
		_ = s.index.Add(tableScraped, id, req.URL, scraped.Title, scraped.Content)
	}

	resp := map[string]interface{}{
		"id":      id,
		"url":     req.URL,
		"title":   scraped.Title,
		"content": preview(scraped.Content),
		"stored":  stored,
	}
	if len(req.Selectors) > 0 {
		resp["selectors"] = flattenSelections(scraped.Extracted)
	}
	if req.ExtractLinks {
		resp["links"] = hrefList(scraped.Links, "href")
	}
	if req.ExtractImages {
		resp["images"] = hrefList(scraped.Images, "src")
	}
	s.count("scrape", "ok")
	return c.JSON(http.StatusOK, resp)
}

type queryRequest struct {
	Query  string        `json:"query"`
	Params []interface{} `json:"params"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	res, err := s.store.Query(c.Request().Context(), req.Query, req.Params)
	if err != nil {
		if errors.Is(err, ErrQueryUnsupported) {
			return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("database error: %v", err))
	}
	s.count("query", "ok")
	if res.IsSelect {
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "data": res.Rows})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"affected_rows": res.AffectedRows},
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	term := c.QueryParam("term")
	if term == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "term is required")
	}
	table := c.QueryParam("table")
	if table == "" {
		table = tableScraped
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	rows, err := s.store.Search(c.Request().Context(), table, term, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("database error: %v", err))
	}

	scores := map[string]float64{}
	if s.index != nil {
		if hits, err := s.index.Query(term, limit); err == nil {
			for _, h := range hits {
				scores[h.Key] = h.Score
			}
		}
	}

	results := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		results = append(results, map[string]interface{}{
			"id":         strconv.FormatInt(r.ID, 10),
			"url":        r.URL,
			"title":      r.Title,
			"preview":    r.Preview,
			"score":      scores[indexKey(r.Table, r.ID)],
			"table":      r.Table,
			"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.count("search", "ok")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("database error: %v", err))
	}
	s.count("stats", "ok")
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealth(c echo.Context) error {
	checks := map[string]string{"store": "ok"}
	status := "healthy"
	if err := s.store.Ping(c.Request().Context()); err != nil {
		checks["store"] = err.Error()
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"version":   serverVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":    "Triad Tool Server",
		"version": serverVersion,
		"endpoints": map[string]string{
			"fetch":  "POST /fetch - fetch content from a URL",
			"scrape": "POST /scrape - scrape and parse content",
			"query":  "POST /db/query - execute a SQL query",
			"search": "GET /db/search - search stored documents",
			"stats":  "GET /db/stats - document store statistics",
			"health": "GET /health - health check",
		},
	})
}

func (s *Server) count(endpoint, status string) {
	if s.requestCount != nil {
		s.requestCount.WithLabelValues(endpoint, status).Inc()
	}
}

func (s *Server) recordStoreError(err error) {
	s.logger.Printf("store error: %v", err)
	if s.storeErrors != nil {
		s.storeErrors.Inc()
	}
}

// jwtMiddleware guards the /db group with HS256 bearer tokens.
func jwtMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get("Authorization")
			if len(h) < 8 || !strings.EqualFold(h[:7], "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(h[7:], func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
				if sub, ok := claims["sub"].(string); ok {
					c.Set("user_id", sub)
				}
			}
			return next(c)
		}
	}
}

// SignToken issues a token accepted by the /db group middleware.
func SignToken(subject string, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func preview(content string) string {
	if len(content) > contentPreviewChars {
		return content[:contentPreviewChars] + "..."
	}
	return content
}

func flattenSelections(extracted map[string]interface{}) map[string]string {
	out := make(map[string]string, len(extracted))
	for key, v := range extracted {
		switch t := v.(type) {
		case string:
			out[key] = t
		case []string:
			out[key] = strings.Join(t, "\n")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(t)
		}
	}
	return out
}

func hrefList(items []map[string]string, field string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := item[field]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

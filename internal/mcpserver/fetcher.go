package mcpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/msadeghi/triad/config"
)

// FetchedPage is the raw result of retrieving a URL, before any
// extraction happens.
type FetchedPage struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        string
	Headers     map[string]string
}

// Fetcher retrieves page content. The plain HTTP fetcher is the
// default; the chromedp fetcher renders JavaScript-heavy pages through
// a long-lived headless browser.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchedPage, error)
	Close() error
}

// NewFetcher selects the fetcher for the configured render mode.
func NewFetcher(cfg config.ServerConfig) (Fetcher, error) {
	switch cfg.RenderMode {
	case "", "http":
		return newHTTPFetcher(cfg), nil
	case "chromedp":
		return newChromedpFetcher(cfg)
	default:
		return nil, fmt.Errorf("unknown render mode %q", cfg.RenderMode)
	}
}

type httpFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func newHTTPFetcher(cfg config.ServerConfig) *httpFetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(cfg.MaxContentSize)
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &httpFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		maxBytes:  maxBytes,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (FetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchedPage{}, fmt.Errorf("building request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchedPage{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return FetchedPage{}, fmt.Errorf("reading %s: %w", url, err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return FetchedPage{
		URL:         url,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
		Headers:     headers,
	}, nil
}

func (f *httpFetcher) Close() error { return nil }

// chromedpFetcher owns a reusable browser context; navigation for each
// URL happens in the shared tab under the caller's deadline.
type chromedpFetcher struct {
	allocCtx  context.Context
	cancelAll context.CancelFunc
	brCtx     context.Context
	cancelBr  context.CancelFunc
	timeout   time.Duration
	maxBytes  int
}

func newChromedpFetcher(cfg config.ServerConfig) (*chromedpFetcher, error) {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxContentSize
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancelBr := chromedp.NewContext(actx)
	return &chromedpFetcher{
		allocCtx:  actx,
		cancelAll: cancelAlloc,
		brCtx:     bctx,
		cancelBr:  cancelBr,
		timeout:   timeout,
		maxBytes:  maxBytes,
	}, nil
}

func (f *chromedpFetcher) Fetch(ctx context.Context, url string) (FetchedPage, error) {
	runCtx, cancel := context.WithTimeout(f.brCtx, f.timeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return FetchedPage{}, fmt.Errorf("rendering %s: %w", url, err)
	}
	if len(html) > f.maxBytes {
		html = html[:f.maxBytes]
	}
	return FetchedPage{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        html,
	}, nil
}

func (f *chromedpFetcher) Close() error {
	if f.cancelBr != nil {
		f.cancelBr()
	}
	if f.cancelAll != nil {
		f.cancelAll()
	}
	return nil
}

func isHTMLContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

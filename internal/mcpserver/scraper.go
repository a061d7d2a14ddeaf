package mcpserver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// ScrapeOptions mirror the /scrape request knobs: named CSS selectors
// plus optional link and image harvesting.
type ScrapeOptions struct {
	Selectors     map[string]string
	ExtractLinks  bool
	ExtractImages bool
}

// ScrapedPage is the parsed form of a fetched HTML document.
type ScrapedPage struct {
	URL       string
	Title     string
	Content   string
	Extracted map[string]interface{}
	Links     []map[string]string
	Images    []map[string]string
}

// Scrape parses HTML into readable content and selector extractions.
// Readability supplies the main article text; when it cannot find one
// the body text is the fallback.
func Scrape(pageURL, html string, opts ScrapeOptions) (ScrapedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ScrapedPage{}, fmt.Errorf("parsing html: %w", err)
	}

	page := ScrapedPage{
		URL:       pageURL,
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Extracted: map[string]interface{}{},
	}

	if article, err := readability.FromReader(strings.NewReader(html), parseURLOrEmpty(pageURL)); err == nil {
		if t := strings.TrimSpace(article.Title); t != "" {
			page.Title = t
		}
		page.Content = strings.TrimSpace(article.TextContent)
	}
	if page.Content == "" {
		page.Content = strings.TrimSpace(doc.Find("body").Text())
	}

	if len(opts.Selectors) > 0 {
		for key, selector := range opts.Selectors {
			page.Extracted[key] = selectText(doc, selector)
		}
	} else {
		page.Extracted["paragraphs"] = collectText(doc, "p")
		page.Extracted["headings"] = collectText(doc, "h1, h2, h3, h4, h5, h6")
	}

	if opts.ExtractLinks {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			page.Links = append(page.Links, map[string]string{
				"text": strings.TrimSpace(s.Text()),
				"href": href,
			})
		})
	}
	if opts.ExtractImages {
		doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
			src, _ := s.Attr("src")
			alt, _ := s.Attr("alt")
			page.Images = append(page.Images, map[string]string{
				"alt": alt,
				"src": src,
			})
		})
	}
	return page, nil
}

// selectText returns a single string for one match and a list for
// several, matching what scraping clients expect per selector.
func selectText(doc *goquery.Document, selector string) interface{} {
	texts := collectText(doc, selector)
	switch len(texts) {
	case 0:
		return nil
	case 1:
		return texts[0]
	default:
		return texts
	}
}

func collectText(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func parseURLOrEmpty(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

package mcpserver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/msadeghi/triad/config"
)

// DomainFilter enforces the fetch policy before any outbound request.
// An empty allow list permits every domain not explicitly blocked;
// matching is by host suffix so "example.com" covers its subdomains.
type DomainFilter struct {
	allowed []string
	blocked []string
}

func NewDomainFilter(cfg config.SecurityConfig) *DomainFilter {
	return &DomainFilter{
		allowed: normalizeDomains(cfg.AllowedDomains),
		blocked: normalizeDomains(cfg.BlockedDomains),
	}
}

// Check returns an error when the URL is malformed, non-HTTP, or its
// host falls outside the configured policy.
func (f *DomainFilter) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	for _, d := range f.blocked {
		if hostMatches(host, d) {
			return fmt.Errorf("domain %s is blocked", host)
		}
	}
	if len(f.allowed) == 0 {
		return nil
	}
	for _, d := range f.allowed {
		if hostMatches(host, d) {
			return nil
		}
	}
	return fmt.Errorf("domain %s is not in the allow list", host)
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

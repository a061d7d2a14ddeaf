package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Result is the mapping an agent writes into its workflow state slot.
// Every terminal result carries a "status" of "completed" or "failed".
type Result map[string]interface{}

// Failed builds a failure result without side effects.
func Failed(errMsg string) Result {
	return Result{
		"status":    "failed",
		"error":     errMsg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// Status returns the result's status field, or "" when absent.
func (r Result) Status() string {
	s, _ := r["status"].(string)
	return s
}

// IsFailed reports whether the result carries a failed status.
func (r Result) IsFailed() bool {
	return r.Status() == "failed"
}

// Structured is the tagged outcome of asking the LLM for JSON: either a
// parsed object or the raw text when parsing failed. Consumers must
// handle both variants; a parse failure is never an error by itself.
type Structured struct {
	parsed map[string]interface{}
	raw    string
	ok     bool
}

// Parsed wraps a successfully decoded object.
func Parsed(m map[string]interface{}) Structured {
	return Structured{parsed: m, ok: true}
}

// RawText wraps text that could not be decoded.
func RawText(s string) Structured {
	return Structured{raw: s}
}

// Object returns the decoded object and whether one exists.
func (s Structured) Object() (map[string]interface{}, bool) {
	return s.parsed, s.ok
}

// Text returns the raw text for the RawText variant.
func (s Structured) Text() string {
	return s.raw
}

// StringField returns a string field from the parsed variant, or the
// raw text itself when unparsed.
func (s Structured) StringField(key string) string {
	if s.ok {
		if v, okv := s.parsed[key].(string); okv {
			return v
		}
		return ""
	}
	return s.raw
}

// ListField returns a list field from the parsed variant; for the
// RawText variant it wraps the text in a single-element list keyed by
// wrapKey so downstream consumers always see a list.
func (s Structured) ListField(key, wrapKey string) []interface{} {
	if s.ok {
		if v, okv := s.parsed[key].([]interface{}); okv {
			return v
		}
		return nil
	}
	if strings.TrimSpace(s.raw) == "" {
		return nil
	}
	return []interface{}{map[string]interface{}{wrapKey: s.raw}}
}

// parseStructured extracts the first JSON object from LLM output, or
// returns the RawText variant when no object decodes.
func parseStructured(text string) Structured {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(extractFirstJSON(text)), &m); err != nil {
		return RawText(text)
	}
	return Parsed(m)
}

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// truncate bounds content bodies before they enter a prompt.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

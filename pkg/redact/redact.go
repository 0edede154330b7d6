// Package redact strips secret-shaped substrings from string payloads
// before they cross a durable boundary. Patterns are conservative: values
// are redacted, never keys.
package redact

import "regexp"

type rule struct {
	pattern *regexp.Regexp
	repl    string
}

var rules = []rule{
	// Bearer tokens
	{regexp.MustCompile(`(?i)\bAuthorization:\s*Bearer\s+[A-Za-z0-9\-\._~\+/]+=*\b`), "Authorization: Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-\._~\+/]+=*\b`), "Bearer [REDACTED]"},

	// API keys / tokens in key=value forms
	{regexp.MustCompile(`(?i)\b(api[_-]?key|token|access[_-]?token|secret)\s*[:=]\s*['"]?[A-Za-z0-9\-\._~\+/=]{8,}['"]?`), "${1}=[REDACTED]"},

	// AWS keys (best-effort)
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "AKIA[REDACTED]"},
	{regexp.MustCompile(`(?i)\baws_secret_access_key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{16,}['"]?`), "aws_secret_access_key=[REDACTED]"},

	// Password-like fields
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*['"]?[^'"\s]{6,}['"]?`), "${1}=[REDACTED]"},

	// Connection strings (very rough)
	{regexp.MustCompile(`(?i)\b(postgres|mysql|mongodb|redis)://[^ \n\r\t]+`), "${1}://[REDACTED]"},
}

// Text applies every redaction rule, in order, to a single string.
func Text(s string) string {
	out := s
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.repl)
	}
	return out
}

// Value recursively redacts strings inside decoded JSON structures
// (maps, slices). The shape is kept intact.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return Text(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	default:
		return v
	}
}

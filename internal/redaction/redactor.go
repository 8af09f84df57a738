// Package redaction is a pure, deterministic transform that replaces
// sensitive leaves in arbitrary structured data, and scrubs any
// remaining secret-shaped substrings, with the literal "[REDACTED]". It
// operates over structured payloads rather than plain strings, since the
// kernel redacts JSON-shaped command fields, not just log lines.
package redaction

import (
	"log"
	"regexp"
	"strings"
)

const redactedLiteral = "[REDACTED]"

// sensitiveKeys is the case-insensitive key-name list checked first on
// every mapping key, before any pattern runs.
var sensitiveKeys = []string{
	"password", "token", "secret", "key", "api_key", "apikey",
	"authorization", "bearer", "credential", "oauth", "jwt",
	"private_key", "access_token", "refresh_token", "api_secret",
	"aws_key", "aws_secret", "encryption_key",
}

// defaultPatternSources is the built-in pattern set: API-key-style
// assignments, JWT triples, AWS access IDs, Bearer tokens, OAuth tokens,
// and PostgreSQL URIs. Patterns that fail to compile are logged and
// skipped, never fatal. See compile().
var defaultPatternSources = []string{
	`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{12,}['"]?`,
	`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[A-Za-z0-9._\-]{10,}`,
	`(?i)(access_token|refresh_token)\s*[:=]\s*['"]?[A-Za-z0-9._\-]{10,}['"]?`,
	`postgres(?:ql)?://[^:\s]+:[^@\s]+@[^\s/]+`,
	`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{4,}['"]?`,
	`sk-[A-Za-z0-9\-_]{10,}`,
}

// Redactor is pure and deterministic: output depends only on input, the key
// list, and the compiled pattern set.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

// New builds a Redactor from a caller-supplied pattern source list (e.g.
// loaded from the configured registry table / file path at startup). A
// pattern that fails to compile is logged and skipped rather than making
// New fail, so the Redactor is always usable.
func New(patternSources []string) *Redactor {
	r := &Redactor{keys: sensitiveKeys}
	r.patterns = compile(patternSources)
	return r
}

// NewDefault builds a Redactor from the built-in pattern set. Used when
// loading the configured pattern source fails.
func NewDefault() *Redactor {
	r := &Redactor{keys: sensitiveKeys}
	r.patterns = compile(defaultPatternSources)
	return r
}

func compile(sources []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			log.Printf("[Redactor] skipping pattern that failed to compile: %q: %v", src, err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactString applies rule 2 (pattern matching) to a single scalar string.
// Each match replaces the whole matched substring.
func (r *Redactor) RedactString(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedLiteral)
	}
	return s
}

// Redact walks an arbitrary structured value (as produced by
// encoding/json.Unmarshal into interface{}: map[string]interface{},
// []interface{}, and scalars) and returns a structurally identical value
// with sensitive leaves replaced by "[REDACTED]". It never mutates the
// input in place.
func (r *Redactor) Redact(value interface{}) interface{} {
	return r.redactValue("", value)
}

func (r *Redactor) redactValue(key string, value interface{}) interface{} {
	if key != "" && isSensitiveKey(key) {
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			// A sensitive key name wrapping a nested structure still gets
			// replaced wholesale: the contents are assumed sensitive too.
			return redactedLiteral
		default:
			return redactedLiteral
		}
	}

	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			out[k] = r.redactValue(k, child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = r.redactValue(key, child)
		}
		return out
	case string:
		return r.RedactString(v)
	default:
		return v
	}
}

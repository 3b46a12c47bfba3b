// Package redact scrubs secrets out of action argument summaries before they
// are committed to the audit log. Keys are matched against a denylist of
// case-insensitive glob patterns.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// MaxValueLen is the number of characters Summarize keeps per value.
const MaxValueLen = 120

// DefaultDenyKeys is the denylist used when none is configured.
var DefaultDenyKeys = []string{
	"*password*",
	"*passwd*",
	"*secret*",
	"*token*",
	"*api_key*",
	"*api-key*",
	"*apikey*",
	"*authorization*",
	"*cookie*",
	"*private_key*",
	"*credential*",
}

// pairRe finds key=value and key: value pairs, optionally JSON-quoted.
// An auth scheme followed by a credential ("Bearer abc") is one value.
var pairRe = regexp.MustCompile(`"?([A-Za-z0-9_.\-]+)"?(\s*[=:]\s*)((?i:bearer|basic|token)\s+[^\s,;&"']+|"[^"]*"|'[^']*'|[^\s,;&?]+)`)

// Redactor holds the compiled denylist.
//
// Thread-safe: Scrub is called from every LogAction while Reload swaps the
// patterns on config changes.
type Redactor struct {
	mu       sync.RWMutex
	patterns []string
	globs    []glob.Glob
}

// New compiles patterns into a Redactor. An empty list redacts nothing.
func New(patterns []string) (*Redactor, error) {
	r := &Redactor{}
	if err := r.Reload(patterns); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the denylist. On error the previous list stays active.
func (r *Redactor) Reload(patterns []string) error {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return fmt.Errorf("invalid deny_keys glob %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	r.mu.Lock()
	r.patterns = append([]string(nil), patterns...)
	r.globs = globs
	r.mu.Unlock()
	return nil
}

// Patterns returns the active denylist.
func (r *Redactor) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.patterns...)
}

// Denied reports whether key matches the denylist.
func (r *Redactor) Denied(key string) bool {
	if r == nil {
		return false
	}
	key = strings.ToLower(key)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// Scrub replaces the value of every denied key=value or key: value pair in
// summary with Placeholder. Quoting around the value is kept.
func (r *Redactor) Scrub(summary string) string {
	if r == nil || summary == "" {
		return summary
	}
	return pairRe.ReplaceAllStringFunc(summary, func(m string) string {
		sub := pairRe.FindStringSubmatch(m)
		if !r.Denied(sub[1]) {
			return m
		}
		value := sub[3]
		prefix := m[:len(m)-len(value)]
		switch {
		case strings.HasPrefix(value, `"`):
			return prefix + `"` + Placeholder + `"`
		case strings.HasPrefix(value, `'`):
			return prefix + `'` + Placeholder + `'`
		default:
			return prefix + Placeholder
		}
	})
}

// Summarize renders structured arguments as a one-line summary: keys
// sorted, values truncated to MaxValueLen characters, denied keys replaced
// with Placeholder. Nested objects are summarized recursively.
func (r *Redactor) Summarize(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if r.Denied(k) {
			parts = append(parts, k+"="+Placeholder)
			continue
		}
		parts = append(parts, k+"="+r.formatValue(args[k]))
	}
	return strings.Join(parts, " ")
}

func (r *Redactor) formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
		if strings.ContainsAny(s, " \t\r\n") {
			s = fmt.Sprintf("%q", s)
		}
	case map[string]any:
		return "{" + r.Summarize(val) + "}"
	case nil:
		s = "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(data)
		}
	}
	return truncate(s, MaxValueLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

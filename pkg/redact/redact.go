// Package redact scrubs PII from transcript text before it reaches logs.
// Published bus events are never redacted; only observability output is.
package redact

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

var (
	rulesMu sync.RWMutex
	rules   = []rule{
		{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
		{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
	}
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// AddRule registers a deployment-specific pattern, e.g. account numbers
// spoken to an IVR.
func AddRule(re *regexp.Regexp, placeholder string) {
	rulesMu.Lock()
	defer rulesMu.Unlock()
	rules = append(rules, rule{re: re, placeholder: placeholder})
}

// Text redacts all registered patterns when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	rulesMu.RLock()
	defer rulesMu.RUnlock()
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return out
}

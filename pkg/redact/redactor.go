package redact

import (
	"regexp"
	"unicode/utf8"
)

// DefaultMaxLen caps scrubbed messages.
const DefaultMaxLen = 256

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor scrubs free text (exception messages) before it leaves the
// process. If disabled, only truncation applies.
type Redactor struct {
	rules     []Rule
	enabled   bool
	normalize bool
	maxLen    int
}

// Options configures a Redactor.
type Options struct {
	Enabled bool
	// NormalizeLiterals replaces quoted strings and numbers with '?'.
	NormalizeLiterals bool
	// MaxLen caps the output in runes. Zero means DefaultMaxLen.
	MaxLen     int
	ExtraRules []Rule
}

// New creates a Redactor with built-in rules plus any extra rules.
func New(opts Options) *Redactor {
	r := &Redactor{
		enabled:   opts.Enabled,
		normalize: opts.NormalizeLiterals,
		maxLen:    opts.MaxLen,
	}
	if r.maxLen <= 0 {
		r.maxLen = DefaultMaxLen
	}
	if !opts.Enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, opts.ExtraRules...)
	return r
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Scrub redacts, optionally normalizes, and truncates a message.
func (r *Redactor) Scrub(msg string) string {
	if msg == "" {
		return msg
	}
	msg = r.Redact(msg)
	if r.enabled && r.normalize {
		msg = NormalizeLiterals(msg)
	}
	return Truncate(msg, r.maxLen)
}

// Truncate cuts s to at most n runes, marking the cut with "...".
// Invalid UTF-8 is replaced so the result is always valid.
func Truncate(s string, n int) string {
	if !utf8.ValidString(s) {
		s = string([]rune(s))
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}

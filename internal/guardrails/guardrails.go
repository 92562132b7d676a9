// Package guardrails screens /ask messages before they reach the model.
//
// Checks, in order:
//   - length: character and word limits
//   - blocked words: case-insensitive phrase blocklist
//   - pii: regex detection of emails, phone numbers, SSNs and card numbers
//   - prompt injection: heuristic patterns, with an extra set at "high"
package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/query"
)

// Sensitivity levels for prompt injection detection.
const (
	SensitivityOff    = "off"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// Options configures a Guard. Zero limits are unlimited.
type Options struct {
	MaxCharacters int
	MaxWords      int
	BlockedWords  []string
	// PIIPatterns names built-in patterns to reject; empty disables PII checks.
	PIIPatterns []string
	// InjectionSensitivity is off, medium or high. Empty means medium.
	InjectionSensitivity string
}

// Guard evaluates user messages against the configured rules.
type Guard struct {
	opts    Options
	blocked []string
	pii     map[string]*regexp.Regexp
}

// New builds a Guard. Unknown PII pattern names are ignored with a warning.
func New(opts Options) *Guard {
	if opts.InjectionSensitivity == "" {
		opts.InjectionSensitivity = SensitivityMedium
	}
	g := &Guard{opts: opts, pii: make(map[string]*regexp.Regexp)}
	for _, w := range opts.BlockedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			g.blocked = append(g.blocked, w)
		}
	}
	for _, name := range opts.PIIPatterns {
		re, ok := builtInPIIPatterns[name]
		if !ok {
			log.Warn().Str("pattern", name).Msg("Unknown PII pattern, skipping")
			continue
		}
		g.pii[name] = re
	}
	return g
}

// CheckInput returns a *query.ValidationError for the first rule the
// message breaks, or nil.
func (g *Guard) CheckInput(message string) error {
	if g == nil {
		return nil
	}
	if g.opts.MaxCharacters > 0 && utf8.RuneCountInString(message) > g.opts.MaxCharacters {
		return reject("message exceeds maximum character limit")
	}
	if g.opts.MaxWords > 0 && len(strings.Fields(message)) > g.opts.MaxWords {
		return reject("message exceeds maximum word limit")
	}

	lower := strings.ToLower(message)
	for _, w := range g.blocked {
		if strings.Contains(lower, w) {
			return reject("message contains a blocked word or phrase")
		}
	}

	for name, re := range g.pii {
		if re.MatchString(message) {
			return reject("message contains personal data (" + name + ")")
		}
	}

	if detectInjection(message, g.opts.InjectionSensitivity) {
		return reject("potential prompt injection detected")
	}
	return nil
}

func reject(reason string) error {
	return &query.ValidationError{Field: "message", Reason: reason}
}

// ── PII Detection ───────────────────────────────────────────

var builtInPIIPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}

// ── Prompt Injection Detection ──────────────────────────────

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	// Tool arguments must stay owner-scoped.
	regexp.MustCompile(`(?i)(as|for|impersonate)\s+(another|a different)\s+(user|owner|tenant)`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)\b(user_id|owner_id)\s*(=|:)`),
}

func detectInjection(text, sensitivity string) bool {
	if sensitivity == SensitivityOff {
		return false
	}
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	if sensitivity == SensitivityHigh {
		for _, re := range highSensitivityPatterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// Package dlp detects leaked credentials in event payloads.
//
// The scanner is a single-pass regex sweep over the JSON-serialized event
// data. It never mutates the payload: the event store records the match set
// and appends redaction follow-up events; the original bytes stay untouched
// (append-only log).
package dlp

import (
	"regexp"
)

// Scan budget. Payloads beyond these limits are scanned partially and the
// result is marked truncated so the store can emit a warning event.
const (
	MaxScanBytes   = 256 * 1024
	MaxScanMatches = 20
)

// Rule is a compiled detection rule.
type Rule struct {
	ID          string
	Regex       *regexp.Regexp
	Description string
}

// Match is a single detection with a masked preview safe for audit logs.
type Match struct {
	RuleID        string `json:"rule_id"`
	MaskedPreview string `json:"masked_preview"`
}

// Result is the outcome of scanning one payload.
type Result struct {
	ContainsSecrets bool
	Matches         []Match
	// Truncated is set when the byte or match budget was hit; further
	// matches may exist beyond the scanned window.
	Truncated bool
}

// Scanner applies a fixed rule set to payload bytes.
type Scanner struct {
	rules []Rule
}

// NewScanner returns a scanner with the built-in rule set.
func NewScanner() *Scanner {
	return &Scanner{rules: builtinRules()}
}

func builtinRules() []Rule {
	return []Rule{
		{
			ID:          "openai_api_key",
			Regex:       regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
			Description: "OpenAI API key",
		},
		{
			ID:          "github_pat",
			Regex:       regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
			Description: "GitHub personal access token",
		},
		{
			ID:          "aws_access_key_id",
			Regex:       regexp.MustCompile(`(?:AKIA|ASIA)[0-9A-Z]{16}`),
			Description: "AWS access key id",
		},
		{
			ID:          "bearer_token",
			Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/\-]{16,}=*`),
			Description: "Bearer token in header or body text",
		},
	}
}

// Scan sweeps data with every rule, honoring the byte and match budgets.
func (s *Scanner) Scan(data []byte) Result {
	var res Result

	window := data
	if len(window) > MaxScanBytes {
		window = window[:MaxScanBytes]
		res.Truncated = true
	}

	for _, rule := range s.rules {
		remaining := MaxScanMatches - len(res.Matches)
		if remaining <= 0 {
			res.Truncated = true
			break
		}
		// One extra so the budget hit is observable.
		found := rule.Regex.FindAll(window, remaining+1)
		for i, m := range found {
			if i == remaining {
				res.Truncated = true
				break
			}
			res.Matches = append(res.Matches, Match{
				RuleID:        rule.ID,
				MaskedPreview: maskPreview(string(m)),
			})
		}
	}

	res.ContainsSecrets = len(res.Matches) > 0
	return res
}

// maskPreview keeps a short identifying prefix and hides the rest.
func maskPreview(secret string) string {
	const keep = 6
	if len(secret) <= keep {
		return "****"
	}
	return secret[:keep] + "****"
}

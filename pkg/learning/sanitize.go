// Package learning maintains the constraint ledger: the system's memory of
// its own policy failures. Every non-allow decision is folded into a pattern
// hash, counted, and surfaced back to the policy gate as a learned block.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/warden-sh/warden/pkg/canonical"
)

// Sanitization limits for pattern-hash context.
const (
	maxStringLen = 240
	maxDepth     = 3
)

var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|api[_-]?key|authorization|cookie|bearer|private[_-]?key)`)

// SanitizeContext strips secret-bearing keys, truncates long strings, and
// bounds nesting depth so the pattern hash is stable and safe to persist.
func SanitizeContext(ctx map[string]any) map[string]any {
	out, _ := sanitizeValue(ctx, 0).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	if depth >= maxDepth {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			if secretKeyPattern.MatchString(k) {
				continue
			}
			if s := sanitizeValue(elem, depth+1); s != nil {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, elem := range t {
			if s := sanitizeValue(elem, depth+1); s != nil {
				out = append(out, s)
			}
		}
		return out
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen]
		}
		return t
	default:
		return t
	}
}

// PatternHash fingerprints a policy failure. Identical failures (same
// category, action, reason and sanitized context shape) collapse into one
// constraint row.
func PatternHash(category, action, reasonCode string, blocked bool, context map[string]any) (string, error) {
	doc := map[string]any{
		"category":          category,
		"action":            action,
		"reason_code":       reasonCode,
		"blocked":           blocked,
		"sanitized_context": SanitizeContext(context),
	}
	b, err := canonical.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to hash pattern: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SubjectKey derives the ledger key for an actor: agent and principal ids
// take precedence, with a generic actor fall-through.
func SubjectKey(actorType, actorID, principalID string) string {
	switch {
	case actorType == "agent" && actorID != "":
		return "agent:" + actorID
	case principalID != "":
		return "principal:" + principalID
	default:
		return fmt.Sprintf("actor:%s:%s", actorType, actorID)
	}
}

package scan

import "fmt"

// excerptContext is the number of context characters kept on each side
// of a redacted match.
const excerptContext = 20

// maxExcerptLen bounds every excerpt that leaves the scan pipeline.
const maxExcerptLen = 100

// RedactedExcerpt builds the sanitized excerpt for block responses and
// audit events.
//
// CRITICAL and HIGH matches are replaced entirely with a
// [REDACTED:<slug>] placeholder; the raw match must never appear.
// MEDIUM and LOW matches show a partial hint (first 10 chars).
func RedactedExcerpt(text string, m Match, maxLen int) string {
	if m.Rule.ID == RuleIDScannerError || m.End <= m.Start {
		// System block: no user content match, no excerpt.
		return ""
	}

	ctxStart := max(0, m.Start-excerptContext)
	ctxEnd := min(len(text), m.End+excerptContext)
	before := text[ctxStart:m.Start]
	after := text[m.End:ctxEnd]

	slug := m.Rule.Slug
	if slug == "" {
		slug = m.Rule.ID
	}

	var redacted string
	if m.Rule.Risk.AtLeast(RiskHigh) {
		redacted = fmt.Sprintf("%s[REDACTED:%s]%s", before, slug, after)
	} else {
		partial := m.RawMatch
		if len(partial) > 10 {
			partial = partial[:10] + "..."
		}
		redacted = fmt.Sprintf("%s[%s]%s", before, partial, after)
	}

	if maxLen > 0 && len(redacted) > maxLen {
		redacted = redacted[:maxLen]
	}
	return redacted
}

// SuppressionHint generates a ready-to-paste allowlist YAML snippet for
// the triggering rule. Deterministic: same inputs, same output.
func SuppressionHint(ruleID, slug string) string {
	return fmt.Sprintf(
		"# Add to .ongarde/allowlist.yaml:\n- rule_id: %s\n  reason: \"explain why this %s is safe in your context\"\n",
		ruleID, slug,
	)
}

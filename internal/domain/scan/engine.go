package scan

import (
	"fmt"
	"log/slog"
)

// InputHardCap is the maximum number of bytes the scan pipeline looks at.
// Longer inputs are truncated before scanning; the truncation is recorded
// on the audit event.
const InputHardCap = 8192

// Match is the internal outcome of an engine scan. RawMatch never leaves
// this package: block responses and audit rows only ever see the
// sanitized excerpt built by RedactedExcerpt.
type Match struct {
	Rule     Rule
	RawMatch string
	Start    int
	End      int
}

// Engine evaluates the full rule catalog against a piece of text.
// It is immutable after New and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the complete rule catalog.
func NewEngine() *Engine {
	return &Engine{rules: AllRules()}
}

// RuleCount reports how many rules are loaded (health endpoint).
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// CapInput truncates text to InputHardCap. Returns the (possibly
// truncated) text, the original length, and whether truncation happened.
func CapInput(text string) (capped string, originalLen int, truncated bool) {
	originalLen = len(text)
	if originalLen <= InputHardCap {
		return text, originalLen, false
	}
	return text[:InputHardCap], originalLen, true
}

// Scan applies every rule in catalog order and returns the first match.
// First match wins; the order is fixed so tie-breaks are reproducible.
//
// The text must already be capped via CapInput. Scan never panics: an
// engine failure is converted to a synthetic SCANNER_ERROR match, which
// callers surface as BLOCK (fail-safe).
func (e *Engine) Scan(text string) (m Match, matched bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("regex scan panic, failing safe to BLOCK", "panic", fmt.Sprint(r))
			m = Match{Rule: Rule{ID: RuleIDScannerError, Risk: RiskCritical, Slug: "scanner-error"}}
			matched = true
		}
	}()

	for _, rule := range e.rules {
		loc := rule.Pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		return Match{
			Rule:     rule,
			RawMatch: text[loc[0]:loc[1]],
			Start:    loc[0],
			End:      loc[1],
		}, true
	}
	return Match{}, false
}

// Result converts a match into an external ScanResult with a sanitized
// excerpt and, for non-system rules, a suppression hint.
func (m Match) Result(scanID string, text string, source Source) ScanResult {
	res := ScanResult{
		Decision:  Block,
		RuleID:    m.Rule.ID,
		RiskLevel: m.Rule.Risk,
		ScanID:    scanID,
		Source:    source,
		Test:      m.Rule.Test,
		Excerpt:   RedactedExcerpt(text, m, maxExcerptLen),
	}
	if _, system := SystemRuleIDs[m.Rule.ID]; !system {
		res.SuppressionHint = SuppressionHint(m.Rule.ID, m.Rule.Slug)
	}
	return res
}

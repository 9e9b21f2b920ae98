// Package scan defines the detection rule catalog, the regex fast-path
// engine, and the result types shared by every scanner in the pipeline.
package scan

// Decision is the outcome of a scan.
type Decision string

const (
	// Pass means no rule matched; the content may be forwarded.
	Pass Decision = "PASS"
	// Block means a rule matched; the content must not be forwarded.
	Block Decision = "BLOCK"
	// Error means the scanner itself failed. Consumers MUST treat Error
	// exactly like Block (fail-safe).
	Error Decision = "ERROR"
)

// Blocking reports whether a decision prevents forwarding. Error counts:
// a broken scanner never silently allows traffic through.
func (d Decision) Blocking() bool {
	return d == Block || d == Error
}

// RiskLevel classifies the severity of a match.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// rank orders risk levels for comparisons; unknown levels rank lowest.
func (r RiskLevel) rank() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is at least as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Source identifies which scanner produced a result.
type Source string

const (
	SourceFastPath  Source = "fast_path"
	SourceNLP       Source = "nlp"
	SourceStreaming Source = "streaming"
	SourceError     Source = "error"
)

// Category classifies a rule.
type Category string

const (
	CategoryCredential      Category = "credential"
	CategoryShell           Category = "shell"
	CategoryFile            Category = "file"
	CategoryPromptInjection Category = "prompt_injection"
	CategoryPIINLP          Category = "pii_nlp"
)

// RuleIDScannerError is the synthetic rule id for scanner failures. It is
// never suppressible by the allowlist.
const RuleIDScannerError = "SCANNER_ERROR"

// RuleIDScannerTimeout is the synthetic rule id for scan deadline misses.
const RuleIDScannerTimeout = "SCANNER_TIMEOUT"

// SystemRuleIDs are rule ids generated by the scan machinery itself, not
// by content rules. Allowlist entries can name them but will never match.
var SystemRuleIDs = map[string]struct{}{
	RuleIDScannerError:    {},
	RuleIDScannerTimeout:  {},
	"SCANNER_UNAVAILABLE": {},
	"QUOTA_EXCEEDED":      {},
}

// ScanResult is the externally visible outcome of a scan.
//
// Excerpt is always sanitized: for CRITICAL/HIGH matches the matched text
// is replaced with a [REDACTED:<slug>] placeholder. Raw matches never
// leave this package.
type ScanResult struct {
	Decision  Decision
	RuleID    string
	RiskLevel RiskLevel
	Excerpt   string
	ScanID    string
	Source    Source

	// Test marks matches of registered test credentials. Test blocks are
	// surfaced like real blocks but excluded from block counters.
	Test bool

	// TokensDelivered is only meaningful for streaming aborts: the
	// approximate token count forwarded before the block fired.
	TokensDelivered int

	// SuppressedByAllowlist is set when an allowlist entry downgraded a
	// Block to Pass. AllowlistRule names the matching entry.
	SuppressedByAllowlist bool
	AllowlistRule         string

	// SuppressionHint is a ready-to-paste allowlist YAML snippet for
	// policy blocks; empty for system blocks.
	SuppressionHint string
}

// Blocked reports whether this result prevents forwarding.
func (r ScanResult) Blocked() bool {
	return r.Decision.Blocking() && !r.SuppressedByAllowlist
}

// ErrorResult builds the synthetic fail-safe result for a scanner failure.
func ErrorResult(scanID, ruleID string) ScanResult {
	if ruleID == "" {
		ruleID = RuleIDScannerError
	}
	return ScanResult{
		Decision:  Error,
		RuleID:    ruleID,
		RiskLevel: RiskCritical,
		ScanID:    scanID,
		Source:    SourceError,
	}
}

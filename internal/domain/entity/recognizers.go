// Package entity implements the named-entity recognizers behind the
// slow-path PII scanner. Each recognizer pairs a candidate regex with a
// validator so that, unlike the fast path, a hit carries a confidence
// score: a digit run that fails its checksum is not a credit card.
package entity

import (
	"regexp"
	"strings"

	"github.com/ongarde/ongarde/internal/domain/scan"
)

// Entity type names, aligned with the audit event advisory payload.
const (
	TypeCreditCard = "CREDIT_CARD"
	TypeUSSSN      = "US_SSN"
	TypeEmail      = "EMAIL_ADDRESS"
	TypePhoneUS    = "PHONE_NUMBER"
	TypeCrypto     = "CRYPTO"
)

// MinScore is the confidence floor below which findings are discarded.
const MinScore = 0.5

// Finding is one recognized entity occurrence.
type Finding struct {
	Type  string  `json:"entity_type"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// RuleID maps an entity type to the rule id reported on block and audit
// surfaces.
func RuleID(entityType string) string {
	switch entityType {
	case TypeCreditCard:
		return scan.RuleIDPIICreditCard
	case TypeUSSSN:
		return scan.RuleIDPIISSN
	case TypeEmail:
		return scan.RuleIDPIIEmail
	case TypePhoneUS:
		return scan.RuleIDPIIPhone
	case TypeCrypto:
		return scan.RuleIDPIICrypto
	default:
		return scan.RuleIDScannerError
	}
}

// Slug maps an entity type to the placeholder slug used in redacted
// excerpts.
func Slug(entityType string) string {
	switch entityType {
	case TypeCreditCard:
		return "credit-card"
	case TypeUSSSN:
		return "us-ssn"
	case TypeEmail:
		return "email-address"
	case TypePhoneUS:
		return "us-phone"
	case TypeCrypto:
		return "crypto-address"
	default:
		return "entity"
	}
}

// Risk maps an entity type to the severity used when a finding blocks.
func Risk(entityType string) scan.RiskLevel {
	switch entityType {
	case TypeCreditCard, TypeUSSSN:
		return scan.RiskHigh
	default:
		return scan.RiskMedium
	}
}

type recognizer struct {
	entityType string
	pattern    *regexp.Regexp
	// validate returns the confidence for a candidate, 0 to reject.
	validate func(match string) float64
}

// Analyzer runs every recognizer over a piece of text. Immutable after
// New and safe for concurrent use.
type Analyzer struct {
	recognizers []recognizer
}

// NewAnalyzer builds the full recognizer set.
func NewAnalyzer() *Analyzer {
	return &Analyzer{recognizers: []recognizer{
		{
			entityType: TypeCreditCard,
			pattern:    regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`),
			validate:   scoreCreditCard,
		},
		{
			entityType: TypeUSSSN,
			pattern:    regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`),
			validate:   scoreSSN,
		},
		{
			entityType: TypeEmail,
			pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			validate:   func(string) float64 { return 1.0 },
		},
		{
			entityType: TypePhoneUS,
			pattern:    regexp.MustCompile(`(?:\+1[-. ]?)?\(?\b[2-9]\d{2}\)?[-. ]?[2-9]\d{2}[-. ]?\d{4}\b`),
			validate:   func(string) float64 { return 0.75 },
		},
		{
			entityType: TypeCrypto,
			pattern:    regexp.MustCompile(`\b(?:0x[a-fA-F0-9]{40}|bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{24,33}|ltc1[a-z0-9]{25,62}|[LM][a-km-zA-HJ-NP-Z1-9]{25,33}|r[1-9A-HJ-NP-Za-km-z]{24,33})\b`),
			validate:   scoreCrypto,
		},
	}}
}

// EntityTypes lists the entity set, in evaluation order. Surfaced on the
// scanner health endpoint.
func (a *Analyzer) EntityTypes() []string {
	types := make([]string, 0, len(a.recognizers))
	for _, r := range a.recognizers {
		types = append(types, r.entityType)
	}
	return types
}

// Analyze returns every finding at or above MinScore, ordered by text
// position. Overlapping candidates from different recognizers are all
// reported; the caller picks the highest-severity one.
func (a *Analyzer) Analyze(text string) []Finding {
	var findings []Finding
	for _, rec := range a.recognizers {
		for _, loc := range rec.pattern.FindAllStringIndex(text, -1) {
			score := rec.validate(text[loc[0]:loc[1]])
			if score < MinScore {
				continue
			}
			findings = append(findings, Finding{
				Type:  rec.entityType,
				Start: loc[0],
				End:   loc[1],
				Score: score,
			})
		}
	}
	return findings
}

// scoreCreditCard strips separators and applies the Luhn checksum.
func scoreCreditCard(match string) float64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if len(digits) < 13 || len(digits) > 19 {
		return 0
	}
	if !luhnValid(digits) {
		return 0
	}
	return 1.0
}

// luhnValid checks the Luhn mod-10 checksum over a digit string.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// scoreSSN rejects structurally invalid SSNs: area 000, 666 or 900-999,
// group 00, serial 0000. A bare 9-digit run with no separators is weaker
// evidence than a formatted one.
func scoreSSN(match string) float64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if len(digits) != 9 {
		return 0
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return 0
	}
	if group == "00" || serial == "0000" {
		return 0
	}
	if len(match) == 9 {
		// No separators: could be any 9-digit number.
		return 0.5
	}
	return 0.85
}

// scoreCrypto validates per-chain shape. ETH addresses get an extra
// all-same-case check so hex blobs with mixed digits still pass but the
// obvious zero address does not score.
func scoreCrypto(match string) float64 {
	switch {
	case strings.HasPrefix(match, "0x"):
		if match == "0x0000000000000000000000000000000000000000" {
			return 0
		}
		return 1.0
	case strings.HasPrefix(match, "bc1"), strings.HasPrefix(match, "ltc1"):
		return 1.0
	default:
		// Base58 prefixes (BTC 1/3, LTC L/M, XRP r): shape already
		// constrained by the candidate pattern.
		return 0.9
	}
}

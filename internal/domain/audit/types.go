// Package audit contains domain types for the scan audit trail.
package audit

import (
	"time"

	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/scan"
)

// SchemaVersion is stamped on every event row so a reader can tell which
// shape it is looking at.
const SchemaVersion = 1

// Action is the recorded outcome of a scan.
type Action string

const (
	// ActionAllow records content that passed every gate.
	ActionAllow Action = "ALLOW"
	// ActionBlock records content stopped by a rule or scanner failure.
	ActionBlock Action = "BLOCK"
	// ActionAllowSuppressed records a block downgraded by an allowlist
	// entry. The original rule id is preserved on the event.
	ActionAllowSuppressed Action = "ALLOW_SUPPRESSED"
)

// Direction records which side of the proxy the scanned content came from.
type Direction string

const (
	DirectionRequest  Direction = "REQUEST"
	DirectionResponse Direction = "RESPONSE"
)

// Key lifecycle rule ids. These ride on ALLOW events so key management
// shows up in the same trail as scan decisions.
const (
	RuleIDKeyRotated = "KEY_ROTATED"
	RuleIDKeyRevoked = "KEY_REVOKED"
)

// Event is one audit row. ScanID is the idempotency key: writing the
// same scan id twice is a no-op at the store.
type Event struct {
	ScanID          string           `json:"scan_id"`
	Timestamp       time.Time        `json:"timestamp"`
	UserID          string           `json:"user_id,omitempty"`
	Action          Action           `json:"action"`
	Direction       Direction        `json:"direction"`
	RuleID          string           `json:"rule_id,omitempty"`
	RiskLevel       string           `json:"risk_level,omitempty"`
	RedactedExcerpt string           `json:"redacted_excerpt,omitempty"`
	Test            bool             `json:"test"`
	Upstream        string           `json:"upstream,omitempty"`
	WasStreaming    bool             `json:"was_streaming"`
	TokensDelivered int              `json:"tokens_delivered"`
	Truncated       bool             `json:"truncated"`
	OriginalLength  int              `json:"original_length"`
	Advisory        []entity.Finding `json:"advisory_entities,omitempty"`
	AllowlistRuleID string           `json:"allowlist_rule_id,omitempty"`
	SchemaVersion   int              `json:"schema_version"`
}

// FromScanResult builds the audit event for a completed scan decision.
func FromScanResult(res scan.ScanResult, direction Direction, userID string, originalLen int, truncated bool) Event {
	ev := Event{
		ScanID:          res.ScanID,
		Timestamp:       time.Now().UTC(),
		UserID:          userID,
		Direction:       direction,
		RuleID:          res.RuleID,
		RedactedExcerpt: res.Excerpt,
		Test:            res.Test,
		TokensDelivered: res.TokensDelivered,
		Truncated:       truncated,
		OriginalLength:  originalLen,
		SchemaVersion:   SchemaVersion,
	}
	if res.RiskLevel != "" {
		ev.RiskLevel = string(res.RiskLevel)
	}
	switch {
	case res.SuppressedByAllowlist:
		ev.Action = ActionAllowSuppressed
		ev.AllowlistRuleID = res.AllowlistRule
	case res.Decision.Blocking():
		ev.Action = ActionBlock
	default:
		ev.Action = ActionAllow
	}
	return ev
}

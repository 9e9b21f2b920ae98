package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/ongarde/ongarde/internal/adapter/outbound/upstream"
	"github.com/ongarde/ongarde/internal/domain/scan"
)

// blockDetail is the machine-readable block context nested under
// error.ongarde in a 400 block response.
type blockDetail struct {
	RuleID          string `json:"rule_id"`
	RiskLevel       string `json:"risk_level"`
	ScanID          string `json:"scan_id"`
	Test            bool   `json:"test"`
	RedactedExcerpt string `json:"redacted_excerpt,omitempty"`
	SuppressionHint string `json:"suppression_hint,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string       `json:"message"`
	Code    string       `json:"code"`
	OnGarde *blockDetail `json:"ongarde,omitempty"`
}

// writeBlock sends the 400 block response. The shape matches the error
// envelope LLM SDKs already parse, with the block context nested so
// unaware clients see an ordinary API error.
func writeBlock(w http.ResponseWriter, res scan.ScanResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(upstream.HeaderScanID, res.ScanID)
	w.Header().Set("X-OnGarde-Block", "true")
	w.WriteHeader(http.StatusBadRequest)

	msg := "Request blocked: content matched security rule " + res.RuleID
	if res.Test {
		msg = "Request blocked: test credential detected (rule " + res.RuleID + ")"
	}
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: msg,
		Code:    "ongarde_block",
		OnGarde: &blockDetail{
			RuleID:          res.RuleID,
			RiskLevel:       string(res.RiskLevel),
			ScanID:          res.ScanID,
			Test:            res.Test,
			RedactedExcerpt: res.Excerpt,
			SuppressionHint: res.SuppressionHint,
		},
	}})
}

// writeError sends a plain JSON error. Messages are static strings so
// no path, key, or upstream detail can leak.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: message,
		Code:    code,
	}})
}

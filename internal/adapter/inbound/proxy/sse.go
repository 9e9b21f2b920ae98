package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ongarde/ongarde/internal/domain/scan"
)

// sseDone is the terminal frame both provider protocols understand.
const sseDone = "data: [DONE]\n\n"

// sseDelta covers the incremental frames of both streaming protocols:
// OpenAI choices[0].delta.content and Anthropic content_block_delta
// with delta.text.
type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// deltaText extracts the assistant text carried by one SSE data payload.
// Frames that are not deltas (message_start, pings, usage frames) carry
// no text and return empty.
func deltaText(data string) string {
	var d sseDelta
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return ""
	}
	if len(d.Choices) > 0 {
		return d.Choices[0].Delta.Content
	}
	if d.Type == "content_block_delta" {
		return d.Delta.Text
	}
	return ""
}

// dataPayload returns the payload of an SSE data line, and whether the
// line is one. The terminal [DONE] marker is not a payload.
func dataPayload(line string) (string, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	payload := strings.TrimSpace(line[len(prefix):])
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}

// abortPayload is the body of the ongarde_block frame appended to an
// aborted stream.
type abortPayload struct {
	ScanID          string `json:"scan_id"`
	RuleID          string `json:"rule_id"`
	RiskLevel       string `json:"risk_level"`
	TokensDelivered int    `json:"tokens_delivered"`
	Timestamp       string `json:"timestamp"`
	RedactedExcerpt string `json:"redacted_excerpt,omitempty"`
	SuppressionHint string `json:"suppression_hint,omitempty"`
}

// writeAbortFrames emits the stream-abort sequence: a [DONE] frame so
// standard SSE clients terminate cleanly, then an ongarde_block event
// that aware clients can surface. Clients that do not know the event
// type ignore it per the SSE spec.
func writeAbortFrames(w io.Writer, res scan.ScanResult) error {
	payload, err := json.Marshal(abortPayload{
		ScanID:          res.ScanID,
		RuleID:          res.RuleID,
		RiskLevel:       string(res.RiskLevel),
		TokensDelivered: res.TokensDelivered,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RedactedExcerpt: res.Excerpt,
		SuppressionHint: res.SuppressionHint,
	})
	if err != nil {
		return fmt.Errorf("marshal abort payload: %w", err)
	}
	if _, err := io.WriteString(w, sseDone); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: ongarde_block\ndata: %s\n\n", payload)
	return err
}

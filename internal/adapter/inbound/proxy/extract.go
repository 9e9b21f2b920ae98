package proxy

import (
	"encoding/json"
	"strings"
)

// chatRequest covers the fields shared by the OpenAI chat-completions
// and Anthropic messages request shapes. Content and System are raw
// because both APIs accept either a string or an array of typed parts.
type chatRequest struct {
	System   json.RawMessage `json:"system"`
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// chatResponse covers both non-streaming response shapes: OpenAI
// choices[*].message.content and Anthropic content[*].text.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RequestText extracts the user-visible text of a chat request: the
// system prompt plus every message's content, including typed content
// parts. A body that does not parse as JSON, or that parses but yields
// no text (an unknown shape), is returned whole so it still goes
// through the scanner.
func RequestText(body []byte) string {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return string(body)
	}

	var parts []string
	if t := contentText(req.System); t != "" {
		parts = append(parts, t)
	}
	for _, m := range req.Messages {
		if t := contentText(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return string(body)
	}
	return strings.Join(parts, "\n")
}

// ResponseText extracts the assistant-visible text of a buffered
// response. Unparseable bodies are returned whole, same as requests,
// and so is any body outside the two known provider shapes: extraction
// narrows what is scanned, it must never exempt bytes from scanning.
func ResponseText(body []byte) string {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return string(body)
	}

	var parts []string
	for _, c := range resp.Choices {
		if t := contentText(c.Message.Content); t != "" {
			parts = append(parts, t)
		}
	}
	for _, p := range resp.Content {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return string(body)
	}
	return strings.Join(parts, "\n")
}

// contentText flattens a content value that is either a JSON string or
// an array of typed parts. Non-text parts (images, tool calls) carry no
// scannable text and are skipped.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

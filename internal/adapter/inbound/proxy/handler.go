// Package proxy implements the inbound LLM proxy: admission, request
// scanning, upstream dispatch, and buffered or streaming response
// scanning with abort injection.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ongarde/ongarde/internal/adapter/outbound/upstream"
	"github.com/ongarde/ongarde/internal/config"
	"github.com/ongarde/ongarde/internal/ctxkey"
	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/key"
	"github.com/ongarde/ongarde/internal/domain/scan"
	"github.com/ongarde/ongarde/internal/service"
)

const (
	// maxBodyBytes caps inbound request bodies at 1 MiB, enforced before
	// any scanning.
	maxBodyBytes = 1 << 20

	// streamThreshold routes responses with a declared body above
	// 512 KiB through the streaming path instead of buffering.
	streamThreshold = 512 << 10
)

// Handler is the proxy endpoint for /v1/* traffic.
type Handler struct {
	scans        *service.ScanService
	keys         *key.Service
	client       *upstream.Client
	counters     *service.Counters
	authRequired bool
	logger       *slog.Logger

	// sem caps in-flight requests at the connection pool size. Excess
	// requests get 503 instead of queueing behind a full pool.
	sem chan struct{}
}

// NewHandler wires the proxy pipeline.
func NewHandler(
	scans *service.ScanService,
	keys *key.Service,
	client *upstream.Client,
	counters *service.Counters,
	authRequired bool,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		scans:        scans,
		keys:         keys,
		client:       client,
		counters:     counters,
		authRequired: authRequired,
		logger:       logger,
		sem:          make(chan struct{}, config.MaxConnections),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "overloaded", "Too many concurrent requests")
		return
	}

	provider, ok := routeProvider(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Unknown endpoint")
		return
	}

	scanID := scanIDFrom(r.Context())
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	h.counters.RecordRequest()

	in := service.ScanInput{
		Text:      RequestText(body),
		ScanID:    scanID,
		UserID:    userID,
		Upstream:  provider,
		Direction: audit.DirectionRequest,
	}
	if res := h.scans.ScanRequest(r.Context(), in); res.Blocked() {
		h.logger.Info("request blocked",
			"scan_id", scanID, "rule_id", res.RuleID, "risk_level", res.RiskLevel)
		writeBlock(w, res)
		return
	}

	resp, err := h.client.Do(r.Context(), provider, r.Method, r.URL.Path, r.URL.RawQuery,
		r.Header, bytes.NewReader(body), scanID)
	if err != nil {
		h.logger.Warn("upstream dispatch failed", "scan_id", scanID, "upstream", provider, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "Upstream request failed")
		return
	}
	defer resp.Body.Close()

	if isStreaming(resp) {
		h.streamResponse(w, r, resp, scanID, userID, provider)
		return
	}
	h.bufferedResponse(w, r, resp, scanID, userID, provider)
}

// routeProvider maps the request path to an upstream provider. Anything
// outside /v1/ is not proxied.
func routeProvider(r *http.Request) (string, bool) {
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		return "", false
	}
	if r.URL.Path == "/v1/messages" {
		return upstream.ProviderAnthropic, true
	}
	return upstream.ProviderOpenAI, true
}

// authenticate resolves and validates the client's proxy key. Returns
// the key id used as the audit user id, or writes a 401.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.authRequired {
		return "anonymous", true
	}
	plaintext := clientKey(r)
	if plaintext == "" {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "Missing API key")
		return "", false
	}
	k, err := h.keys.Validate(r.Context(), plaintext)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return "", false
	}
	return k.ID, true
}

// clientKey extracts the proxy API key: X-OnGarde-Key takes precedence,
// then a Bearer token carrying the ong- prefix. A bearer token without
// the prefix is a provider credential, not ours.
func clientKey(r *http.Request) string {
	if k := r.Header.Get(upstream.HeaderKey); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	const bearer = "bearer "
	if len(auth) < len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
		return ""
	}
	tok := strings.TrimSpace(auth[len(bearer):])
	if !strings.HasPrefix(tok, key.Prefix) {
		return ""
	}
	return tok
}

// readBody enforces the 1 MiB cap against both the declared length and
// the actual byte count, so chunked bodies cannot bypass it.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body exceeds 1 MiB")
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "Failed to read request body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body exceeds 1 MiB")
		return nil, false
	}
	return body, true
}

// isStreaming selects the response path: SSE, a declared body over the
// buffering threshold, or chunked with no declared length.
func isStreaming(resp *http.Response) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	return resp.ContentLength < 0 || resp.ContentLength > streamThreshold
}

// bufferedResponse reads the whole upstream body, scans it (fast path
// plus NLP regardless of size), and only then releases bytes to the
// client. Nothing is observable client-side before the scan settles.
func (h *Handler) bufferedResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, scanID, userID, provider string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("upstream body read failed", "scan_id", scanID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "Upstream response read failed")
		return
	}

	in := service.ScanInput{
		Text:      ResponseText(body),
		ScanID:    scanID,
		UserID:    userID,
		Upstream:  provider,
		Direction: audit.DirectionResponse,
	}
	if res := h.scans.ScanResponse(r.Context(), in); res.Blocked() {
		h.logger.Info("response blocked",
			"scan_id", scanID, "rule_id", res.RuleID, "risk_level", res.RiskLevel)
		writeBlock(w, res)
		return
	}

	upstream.ForwardResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(upstream.HeaderScanID, scanID)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// streamResponse relays SSE frames, scanning extracted assistant text
// in 512-char windows. On a window block the current frame is withheld,
// the abort sequence is emitted, and the rest of the upstream body is
// discarded. At most one window plus overlap can have been forwarded.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, scanID, userID, provider string) {
	upstream.ForwardResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(upstream.HeaderScanID, scanID)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	in := service.ScanInput{
		ScanID:    scanID,
		UserID:    userID,
		Upstream:  provider,
		Direction: audit.DirectionResponse,
		Streaming: true,
	}
	scanner := service.NewStreamScanner(h.scans, scanID)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if payload, ok := dataPayload(strings.TrimRight(line, "\r\n")); ok {
				if text := deltaText(payload); text != "" {
					if res, blocked := scanner.AddContent(text); blocked {
						h.abortStream(w, res, in, scanner, flush)
						return
					}
				}
			}
			if _, werr := io.WriteString(w, line); werr != nil {
				// Client gone; the stream result is still audited.
				h.finishStream(scan.ScanResult{}, in, scanner)
				return
			}
			flush()
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("upstream stream read failed", "scan_id", scanID, "error", err)
			}
			break
		}
	}

	if res, blocked := scanner.Flush(); blocked {
		h.abortStream(w, res, in, scanner, flush)
		return
	}
	h.finishStream(scan.ScanResult{}, in, scanner)
}

func (h *Handler) abortStream(w http.ResponseWriter, res scan.ScanResult, in service.ScanInput, scanner *service.StreamScanner, flush func()) {
	h.logger.Info("stream aborted",
		"scan_id", in.ScanID, "rule_id", res.RuleID,
		"risk_level", res.RiskLevel, "tokens_delivered", res.TokensDelivered)
	if err := writeAbortFrames(w, res); err != nil {
		h.logger.Warn("abort frame write failed", "scan_id", in.ScanID, "error", err)
	}
	flush()
	h.scans.FinishStream(res, in, scanner.DeliveredChars())
}

// finishStream records the clean end-of-stream ALLOW event.
func (h *Handler) finishStream(res scan.ScanResult, in service.ScanInput, scanner *service.StreamScanner) {
	if res.Decision == "" {
		res = scan.ScanResult{Decision: scan.Pass, ScanID: in.ScanID, Source: scan.SourceStreaming}
	}
	h.scans.FinishStream(res, in, scanner.DeliveredChars())
}

// scanIDFrom reads the request-id middleware's scan id, minting one for
// callers outside the middleware chain.
func scanIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.ScanIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

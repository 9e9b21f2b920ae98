// Package admin serves the loopback-only dashboard API: key management,
// counters, recent audit events, and config status.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/key"
	"github.com/ongarde/ongarde/internal/service"
)

// Handler implements the /dashboard/api endpoints.
type Handler struct {
	keys      *key.Service
	audit     audit.Store
	counters  *service.Counters
	allowlist *service.Allowlist
	scans     *service.ScanService
	logger    *slog.Logger
	start     time.Time
}

// NewHandler wires the dashboard API.
func NewHandler(
	keys *key.Service,
	auditStore audit.Store,
	counters *service.Counters,
	allowlist *service.Allowlist,
	scans *service.ScanService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		keys:      keys,
		audit:     auditStore,
		counters:  counters,
		allowlist: allowlist,
		scans:     scans,
		logger:    logger,
		start:     time.Now(),
	}
}

// Routes builds the dashboard mux. Every route sits behind the loopback
// check; the key-management mutations are additionally rate limited.
func (h *Handler) Routes() http.Handler {
	limiter := newRateLimiter(rateLimitMax, rateLimitWindow)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /dashboard/api/counters", h.handleCounters)
	mux.HandleFunc("GET /dashboard/api/events", h.handleEvents)
	mux.HandleFunc("GET /dashboard/api/status", h.handleStatus)
	mux.HandleFunc("GET /dashboard/api/config-status", h.handleConfigStatus)
	mux.HandleFunc("GET /dashboard/api/keys", h.handleListKeys)
	mux.Handle("POST /dashboard/api/keys", limiter.limit(http.HandlerFunc(h.handleCreateKey)))
	mux.Handle("POST /dashboard/api/keys/{id}/rotate", limiter.limit(http.HandlerFunc(h.handleRotateKey)))
	mux.Handle("DELETE /dashboard/api/keys/{id}", limiter.limit(http.HandlerFunc(h.handleRevokeKey)))

	return loopbackOnly(mux)
}

// requireKey authenticates a key-management call with a proxy key from
// X-OnGarde-Key or a Bearer token. Returns false after writing a 401.
func (h *Handler) requireKey(w http.ResponseWriter, r *http.Request) bool {
	plaintext := r.Header.Get("X-OnGarde-Key")
	if plaintext == "" {
		auth := r.Header.Get("Authorization")
		const bearer = "bearer "
		if len(auth) >= len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
			plaintext = strings.TrimSpace(auth[len(bearer):])
		}
	}
	if plaintext == "" {
		respondError(w, http.StatusUnauthorized, "missing API key")
		return false
	}
	if _, err := h.keys.Validate(r.Context(), plaintext); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid API key")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing left to do but note it.
		slog.Default().Warn("dashboard response encode failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// handleCounters returns the rolling today/all-time counters.
// GET /dashboard/api/counters
func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.counters.Snapshot())
}

// handleEvents returns recent audit events, newest first. Suppressed
// events are hidden unless include_suppressed=true.
// GET /dashboard/api/events?limit=N&include_suppressed=true
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		IncludeSuppressed: r.URL.Query().Get("include_suppressed") == "true",
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

type statusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	ScannerMode   string  `json:"scanner_mode"`
	Calibration   any     `json:"calibration"`
	KeyCacheSize  int     `json:"key_cache_size"`
	AvgScanMs     float64 `json:"avg_scan_ms"`
}

// handleStatus reports runtime state for the dashboard header.
// GET /dashboard/api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.start).Seconds()),
		ScannerMode:   h.scans.Mode(),
		Calibration:   h.scans.Calibration(),
		KeyCacheSize:  h.keys.CacheLen(),
		AvgScanMs:     h.counters.AvgScanMs(),
	})
}

type configStatusResponse struct {
	AllowlistEntries  int     `json:"allowlist_entries"`
	AllowlistReloaded *string `json:"allowlist_reloaded_at"`
}

// handleConfigStatus reports hot-reloadable config state: when the
// allowlist was last (re)loaded and how many entries are in force.
// GET /dashboard/api/config-status
func (h *Handler) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	resp := configStatusResponse{AllowlistEntries: h.allowlist.Count()}
	if at := h.allowlist.LastReloadAt(); !at.IsZero() {
		s := at.UTC().Format(time.RFC3339)
		resp.AllowlistReloaded = &s
	}
	respondJSON(w, http.StatusOK, resp)
}

package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/ongarde/ongarde/internal/config"
	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/key"
	"github.com/ongarde/ongarde/internal/domain/scan"
	"github.com/ongarde/ongarde/internal/service"
)

// HealthHandler serves /health and /health/scanner. It reports
// "starting" with 503 until SetReady is called, which happens after the
// rule catalog compiled, the NLP analyzer loaded, and calibration ran.
type HealthHandler struct {
	engine     *scan.Engine
	analyzer   *entity.Analyzer // nil in lite mode
	scans      *service.ScanService
	counters   *service.Counters
	auditSvc   *service.AuditService
	keys       *key.Service
	deployment string

	ready atomic.Bool
}

// NewHealthHandler wires the health surface. deployment names the
// install flavor shown to operators ("local", "container").
func NewHealthHandler(
	engine *scan.Engine,
	analyzer *entity.Analyzer,
	scans *service.ScanService,
	counters *service.Counters,
	auditSvc *service.AuditService,
	keys *key.Service,
	deployment string,
) *HealthHandler {
	return &HealthHandler{
		engine:     engine,
		analyzer:   analyzer,
		scans:      scans,
		counters:   counters,
		auditSvc:   auditSvc,
		keys:       keys,
		deployment: deployment,
	}
}

// SetReady flips the health surface from starting to serving.
func (h *HealthHandler) SetReady() {
	h.ready.Store(true)
}

type healthResponse struct {
	Status             string  `json:"status"`
	Proxy              string  `json:"proxy"`
	Scanner            string  `json:"scanner"`
	ScannerMode        string  `json:"scanner_mode"`
	ConnectionPoolSize int     `json:"connection_pool_size"`
	AvgScanMs          float64 `json:"avg_scan_ms"`
	QueueDepth         int64   `json:"queue_depth"`
	DeploymentMode     string  `json:"deployment_mode"`
}

// Handler serves GET /health.
func (h *HealthHandler) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}

		// Audit backpressure degrades health without failing it: the
		// proxy still forwards, but events are at risk of dropping.
		status := "ok"
		if h.auditSvc.QueueDepth()*10 >= h.auditSvc.ChannelCapacity()*9 || h.auditSvc.DroppedEvents() > 0 {
			status = "degraded"
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{
			Status:             status,
			Proxy:              "running",
			Scanner:            "ready",
			ScannerMode:        h.scans.Mode(),
			ConnectionPoolSize: config.MaxConnections,
			AvgScanMs:          h.counters.AvgScanMs(),
			QueueDepth:         h.counters.QueueDepth(),
			DeploymentMode:     h.deployment,
		})
	})
}

type scannerHealthResponse struct {
	ScannerMode  string   `json:"scanner_mode"`
	RuleCount    int      `json:"rule_count"`
	EntitySet    []string `json:"entity_set"`
	Calibration  any      `json:"calibration"`
	AvgScanMs    float64  `json:"avg_scan_ms"`
	KeyCacheSize int      `json:"key_cache_size"`
}

// ScannerHandler serves GET /health/scanner with detailed scanner
// state. No filesystem paths appear here.
func (h *HealthHandler) ScannerHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}

		resp := scannerHealthResponse{
			ScannerMode:  h.scans.Mode(),
			RuleCount:    h.engine.RuleCount(),
			EntitySet:    []string{},
			Calibration:  h.scans.Calibration(),
			AvgScanMs:    h.counters.AvgScanMs(),
			KeyCacheSize: h.keys.CacheLen(),
		}
		if h.analyzer != nil {
			resp.EntitySet = h.analyzer.EntityTypes()
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

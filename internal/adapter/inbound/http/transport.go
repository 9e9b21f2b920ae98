package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Listener timeouts. The idle timeout bounds keep-alive connections
// from parked SDK clients.
const (
	idleTimeout       = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the single inbound listener: proxy traffic on /v1/*, the
// dashboard API, health, and metrics all share one port.
type Server struct {
	addr    string
	logger  *slog.Logger
	debug   bool
	handler http.Handler
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is 127.0.0.1:4242.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDebug exposes the /docs endpoint.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// NewServer assembles the route table. proxyHandler owns everything
// under /v1/; adminRoutes owns /dashboard/.
func NewServer(
	proxyHandler http.Handler,
	adminRoutes http.Handler,
	health *HealthHandler,
	reg *prometheus.Registry,
	opts ...Option,
) *Server {
	s := &Server{
		addr:   "127.0.0.1:4242",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	proxy := ScanIDMiddleware(s.logger)(proxyHandler)

	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler())
	mux.Handle("/health/scanner", health.ScannerHandler())
	mux.Handle("/metrics", MetricsHandler(reg))
	mux.Handle("/dashboard/", adminRoutes)
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if s.debug {
		mux.Handle("/docs", docsHandler())
	}
	// The proxy handler is the catch-all; it 404s anything outside /v1/.
	mux.Handle("/", proxy)

	s.handler = mux
	return s
}

// Handler exposes the assembled route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listener started", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down listener")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("listener shutdown failed", "error", err)
		return err
	}
	s.logger.Info("listener shutdown complete")
	return nil
}

// docsHandler lists the HTTP surface. Debug builds only.
func docsHandler() http.Handler {
	endpoints := map[string]string{
		"POST /v1/chat/completions":            "proxy an OpenAI-shape chat request",
		"POST /v1/messages":                    "proxy an Anthropic-shape messages request",
		"GET /health":                          "liveness and readiness",
		"GET /health/scanner":                  "detailed scanner state",
		"GET /metrics":                         "Prometheus metrics",
		"GET /dashboard/api/counters":          "rolling counters",
		"GET /dashboard/api/events":            "recent audit events",
		"GET /dashboard/api/status":            "runtime status",
		"GET /dashboard/api/config-status":     "allowlist reload state",
		"GET /dashboard/api/keys":              "masked key list",
		"POST /dashboard/api/keys":             "create key",
		"POST /dashboard/api/keys/{id}/rotate": "rotate key",
		"DELETE /dashboard/api/keys/{id}":      "revoke key",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(endpoints)
	})
}

// Package http provides the HTTP transport: listener lifecycle, scan-id
// middleware, health endpoints, and the Prometheus metrics surface.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ongarde/ongarde/internal/ctxkey"
)

// ScanIDMiddleware mints the per-request scan id and stores it, plus a
// logger enriched with it, in the request context. Every audit event,
// block response, and abort frame for the request carries this id.
func ScanIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scanID := uuid.NewString()
			ctx := context.WithValue(r.Context(), ctxkey.ScanIDKey{}, scanID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger.With("scan_id", scanID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger, falling back to the
// process default outside the middleware chain.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

package auditstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// pruneHourUTC is when the daily retention pass runs.
const pruneHourUTC = 3

// errRetry is how long the pruner waits after a failed pass before
// trying again instead of waiting for the next day.
const errRetry = time.Hour

// RunPruner deletes events older than retentionDays once per day at
// 03:00 UTC, blocking until ctx is done. retentionDays <= 0 disables
// pruning and returns immediately.
func RunPruner(ctx context.Context, store audit.Store, retentionDays int, logger *slog.Logger) {
	if retentionDays <= 0 {
		logger.Info("audit retention pruning disabled")
		return
	}

	timer := time.NewTimer(untilNextPrune(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		boundary := time.Now().UTC().AddDate(0, 0, -retentionDays)
		deleted, err := store.PurgeOlderThan(ctx, boundary)
		if err != nil {
			logger.Warn("audit retention prune failed, retrying",
				"error", err, "retry_in", errRetry)
			timer.Reset(errRetry)
			continue
		}
		logger.Info("audit retention prune complete",
			"deleted", deleted, "boundary", boundary.Format(time.RFC3339))
		timer.Reset(untilNextPrune(time.Now()))
	}
}

// untilNextPrune returns the wait until the next 03:00 UTC.
func untilNextPrune(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), pruneHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

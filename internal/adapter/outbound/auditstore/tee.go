package auditstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// RemoteSink is the optional secondary audit destination (a managed
// table, a log shipper). Writes are best effort.
type RemoteSink interface {
	Append(ctx context.Context, events ...audit.Event) error
	Close() error
}

// Tee writes every batch to the primary store and mirrors it to a
// remote sink. The primary is authoritative: a remote failure is logged
// and otherwise ignored, and reads always come from the primary.
type Tee struct {
	primary audit.Store
	remote  RemoteSink
	logger  *slog.Logger
}

// NewTee wraps a primary store with a best-effort remote mirror.
func NewTee(primary audit.Store, remote RemoteSink, logger *slog.Logger) *Tee {
	return &Tee{primary: primary, remote: remote, logger: logger}
}

func (t *Tee) Append(ctx context.Context, events ...audit.Event) error {
	if err := t.primary.Append(ctx, events...); err != nil {
		return err
	}
	if err := t.remote.Append(ctx, events...); err != nil {
		t.logger.Warn("remote audit sink write failed", "error", err, "count", len(events))
	}
	return nil
}

func (t *Tee) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	return t.primary.Query(ctx, filter)
}

func (t *Tee) Counts(ctx context.Context, since time.Time) (audit.Counts, error) {
	return t.primary.Counts(ctx, since)
}

func (t *Tee) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return t.primary.PurgeOlderThan(ctx, before)
}

func (t *Tee) Close() error {
	if err := t.remote.Close(); err != nil {
		t.logger.Warn("remote audit sink close failed", "error", err)
	}
	return t.primary.Close()
}

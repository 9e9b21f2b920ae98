// Package auditstore implements the audit.Store interface on an
// embedded SQLite database.
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/entity"
)

// schemaVersion is enforced via PRAGMA user_version: 0 means a fresh
// database, 1 is migrated in place, anything newer than this build is
// refused.
const schemaVersion = 2

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Uniqueness is (scan_id, direction): one scan id covers both the
// request-side and the response-side event of the same proxied call,
// and a response BLOCK must never be shadowed by the earlier request
// ALLOW.
const schemaTable = `
CREATE TABLE IF NOT EXISTS audit_events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    scan_id           TEXT    NOT NULL,
    timestamp         TEXT    NOT NULL,
    user_id           TEXT,
    action            TEXT    NOT NULL CHECK (action IN ('ALLOW','BLOCK','ALLOW_SUPPRESSED')),
    direction         TEXT    NOT NULL CHECK (direction IN ('REQUEST','RESPONSE')),
    rule_id           TEXT,
    risk_level        TEXT,
    redacted_excerpt  TEXT,
    test              INTEGER NOT NULL DEFAULT 0,
    upstream          TEXT,
    was_streaming     INTEGER NOT NULL DEFAULT 0,
    tokens_delivered  INTEGER NOT NULL DEFAULT 0,
    truncated         INTEGER NOT NULL DEFAULT 0,
    original_length   INTEGER NOT NULL DEFAULT 0,
    advisory_entities TEXT,
    allowlist_rule_id TEXT,
    schema_version    INTEGER NOT NULL DEFAULT 1,
    UNIQUE (scan_id, direction)
);
`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events (action);
CREATE INDEX IF NOT EXISTS idx_audit_events_user ON audit_events (user_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action_ts ON audit_events (action, timestamp);
`

// Store is the SQLite-backed audit sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database. The parent directory is
// created 0700 and the database file forced to 0600.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// SQLite is single-writer; one shared connection serializes callers
	// in database/sql instead of tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("chmod audit db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version == 0:
		if _, err := s.db.Exec(schemaTable + schemaIndexes); err != nil {
			return fmt.Errorf("create audit schema: %w", err)
		}
	case version == 1:
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("migrate audit schema v1: %w", err)
		}
	case version == schemaVersion:
		return nil
	default:
		return fmt.Errorf("audit db schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

// migrateV1 rebuilds the events table. v1 had scan_id alone UNIQUE,
// which silently dropped the response-side event when both sides of a
// call shared one scan id. SQLite cannot drop a table constraint, so
// the rows are copied into a fresh table. Indexes are recreated last:
// the renamed table keeps the old ones until it is dropped.
func (s *Store) migrateV1() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"ALTER TABLE audit_events RENAME TO audit_events_v1",
		schemaTable,
		`INSERT INTO audit_events (
			scan_id, timestamp, user_id, action, direction, rule_id,
			risk_level, redacted_excerpt, test, upstream, was_streaming,
			tokens_delivered, truncated, original_length,
			advisory_entities, allowlist_rule_id, schema_version
		) SELECT
			scan_id, timestamp, user_id, action, direction, rule_id,
			risk_level, redacted_excerpt, test, upstream, was_streaming,
			tokens_delivered, truncated, original_length,
			advisory_entities, allowlist_rule_id, schema_version
		FROM audit_events_v1`,
		"DROP TABLE audit_events_v1",
		schemaIndexes,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Append writes events in one transaction. INSERT OR IGNORE on the
// unique (scan_id, direction) pair keeps retried batches idempotent
// without letting the request-side event shadow the response-side one.
func (s *Store) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (
			scan_id, timestamp, user_id, action, direction, rule_id,
			risk_level, redacted_excerpt, test, upstream, was_streaming,
			tokens_delivered, truncated, original_length,
			advisory_entities, allowlist_rule_id, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var advisory any
		if len(ev.Advisory) > 0 {
			blob, err := json.Marshal(ev.Advisory)
			if err != nil {
				return fmt.Errorf("marshal advisory entities: %w", err)
			}
			advisory = string(blob)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ScanID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.UserID,
			string(ev.Action),
			string(ev.Direction),
			ev.RuleID,
			ev.RiskLevel,
			ev.RedactedExcerpt,
			boolToInt(ev.Test),
			ev.Upstream,
			boolToInt(ev.WasStreaming),
			ev.TokensDelivered,
			boolToInt(ev.Truncated),
			ev.OriginalLength,
			advisory,
			ev.AllowlistRuleID,
			ev.SchemaVersion,
		); err != nil {
			return fmt.Errorf("insert audit event %s: %w", ev.ScanID, err)
		}
	}
	return tx.Commit()
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	q := `
		SELECT scan_id, timestamp, user_id, action, direction, rule_id,
		       risk_level, redacted_excerpt, test, upstream, was_streaming,
		       tokens_delivered, truncated, original_length,
		       advisory_entities, allowlist_rule_id, schema_version
		FROM audit_events`
	if !filter.IncludeSuppressed {
		q += ` WHERE action != 'ALLOW_SUPPRESSED'`
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		ev                                audit.Event
		ts                                string
		userID, ruleID, risk, excerpt     sql.NullString
		upstream, advisory, allowlistRule sql.NullString
		test, wasStreaming, truncated     int
	)
	if err := rows.Scan(
		&ev.ScanID, &ts, &userID, &ev.Action, &ev.Direction, &ruleID,
		&risk, &excerpt, &test, &upstream, &wasStreaming,
		&ev.TokensDelivered, &truncated, &ev.OriginalLength,
		&advisory, &allowlistRule, &ev.SchemaVersion,
	); err != nil {
		return audit.Event{}, fmt.Errorf("scan audit row: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return audit.Event{}, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	ev.UserID = userID.String
	ev.RuleID = ruleID.String
	ev.RiskLevel = risk.String
	ev.RedactedExcerpt = excerpt.String
	ev.Upstream = upstream.String
	ev.AllowlistRuleID = allowlistRule.String
	ev.Test = test != 0
	ev.WasStreaming = wasStreaming != 0
	ev.Truncated = truncated != 0
	if advisory.Valid && advisory.String != "" {
		var findings []entity.Finding
		if err := json.Unmarshal([]byte(advisory.String), &findings); err != nil {
			return audit.Event{}, fmt.Errorf("parse advisory entities: %w", err)
		}
		ev.Advisory = findings
	}
	return ev, nil
}

// Counts aggregates totals since the given time (zero time = all).
func (s *Store) Counts(ctx context.Context, since time.Time) (audit.Counts, error) {
	q := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN action = 'ALLOW' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action = 'BLOCK' AND test = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action = 'ALLOW_SUPPRESSED' THEN 1 ELSE 0 END), 0)
		FROM audit_events
		WHERE timestamp >= ?`

	boundary := ""
	if !since.IsZero() {
		boundary = since.UTC().Format(time.RFC3339Nano)
	}

	var c audit.Counts
	err := s.db.QueryRowContext(ctx, q, boundary).
		Scan(&c.Total, &c.Allowed, &c.Blocked, &c.Suppressed)
	if err != nil {
		return audit.Counts{}, fmt.Errorf("count audit events: %w", err)
	}
	return c, nil
}

// PurgeOlderThan deletes events strictly older than the boundary;
// events exactly at the boundary survive.
func (s *Store) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE timestamp < ?",
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

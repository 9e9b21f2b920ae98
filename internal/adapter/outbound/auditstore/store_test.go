package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func event(scanID string, action audit.Action, ts time.Time) audit.Event {
	return audit.Event{
		ScanID:        scanID,
		Timestamp:     ts,
		UserID:        "key-1",
		Action:        action,
		Direction:     audit.DirectionRequest,
		RuleID:        "CREDENTIAL_DETECTED",
		RiskLevel:     "CRITICAL",
		SchemaVersion: audit.SchemaVersion,
	}
}

func TestOpenSetsFilePerms(t *testing.T) {
	_, path := openTestStore(t)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("db perms = %o, want 600", perm)
	}
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ev := event("scan-1", audit.ActionBlock, now)
	ev.RedactedExcerpt = "key [REDACTED:openai-project-key] end"
	ev.Upstream = "openai"
	ev.WasStreaming = true
	ev.TokensDelivered = 42
	ev.Truncated = true
	ev.OriginalLength = 9000
	ev.Advisory = []entity.Finding{{Type: entity.TypeEmail, Start: 3, End: 20, Score: 1.0}}

	if err := s.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	g := got[0]
	if g.ScanID != "scan-1" || g.Action != audit.ActionBlock || g.Upstream != "openai" {
		t.Errorf("round trip mismatch: %+v", g)
	}
	if !g.WasStreaming || g.TokensDelivered != 42 || !g.Truncated || g.OriginalLength != 9000 {
		t.Errorf("streaming fields mismatch: %+v", g)
	}
	if len(g.Advisory) != 1 || g.Advisory[0].Type != entity.TypeEmail {
		t.Errorf("advisory round trip mismatch: %+v", g.Advisory)
	}
	if !g.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", g.Timestamp, now)
	}
}

func TestAppendIdempotentOnScanID(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	ev := event("scan-dup", audit.ActionBlock, time.Now())
	if err := s.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.RiskLevel = "LOW" // retried write with different payload still ignored
	if err := s.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1 after duplicate append", len(got))
	}
	if got[0].RiskLevel != "CRITICAL" {
		t.Error("first write must win for a duplicated scan_id")
	}
}

func TestAppendSameScanIDBothDirections(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// One proxied call: the request scan allowed, the response scan
	// blocked. Both share the scan id and both must be durable.
	allow := event("scan-1", audit.ActionAllow, now)
	allow.RuleID = ""
	allow.RiskLevel = ""
	block := event("scan-1", audit.ActionBlock, now.Add(time.Second))
	block.Direction = audit.DirectionResponse

	if err := s.Append(ctx, allow); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, block); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want both directions stored", len(got))
	}
	var sawBlock bool
	for _, ev := range got {
		if ev.Action == audit.ActionBlock && ev.Direction == audit.DirectionResponse {
			sawBlock = true
		}
	}
	if !sawBlock {
		t.Error("response-side BLOCK missing from the durable trail")
	}

	// A retried response event is still idempotent.
	if err := s.Append(ctx, block); err != nil {
		t.Fatal(err)
	}
	got, err = s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d after retry, want 2", len(got))
	}
}

func TestOpenMigratesV1Schema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	// Build a v1 database by hand: scan_id alone was UNIQUE.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	const v1Schema = `
CREATE TABLE audit_events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    scan_id           TEXT    NOT NULL UNIQUE,
    timestamp         TEXT    NOT NULL,
    user_id           TEXT,
    action            TEXT    NOT NULL,
    direction         TEXT    NOT NULL,
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
    schema_version    INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX idx_audit_events_timestamp ON audit_events (timestamp DESC);`
	if _, err := db.Exec(v1Schema); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO audit_events (scan_id, timestamp, action, direction) VALUES (?, ?, 'ALLOW', 'REQUEST')`,
		"scan-old", ts,
	); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open after v1: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	// Existing rows survive the rebuild.
	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ScanID != "scan-old" {
		t.Fatalf("migrated rows = %+v, want scan-old", got)
	}

	// The migrated table accepts the response-side event for the same
	// scan id, which v1 dropped.
	block := event("scan-old", audit.ActionBlock, time.Now())
	block.Direction = audit.DirectionResponse
	if err := s.Append(ctx, block); err != nil {
		t.Fatal(err)
	}
	got, err = s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events after migration = %d, want 2", len(got))
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}
}

func TestQueryExcludesSuppressedByDefault(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Append(ctx,
		event("scan-a", audit.ActionBlock, now),
		event("scan-b", audit.ActionAllowSuppressed, now.Add(time.Second)),
		event("scan-c", audit.ActionAllow, now.Add(2*time.Second)),
	); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("default query events = %d, want 2", len(got))
	}
	for _, ev := range got {
		if ev.Action == audit.ActionAllowSuppressed {
			t.Error("suppressed event returned without include_suppressed")
		}
	}

	got, err = s.Query(ctx, audit.Filter{IncludeSuppressed: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("include_suppressed events = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].ScanID != "scan-c" || got[2].ScanID != "scan-a" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].ScanID, got[1].ScanID, got[2].ScanID)
	}
}

func TestQueryLimit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 10; i++ {
		if err := s.Append(ctx, event(fmt.Sprintf("scan-%02d", i), audit.ActionAllow, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Query(ctx, audit.Filter{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].ScanID != "scan-09" {
		t.Errorf("newest = %s, want scan-09", got[0].ScanID)
	}
}

func TestCounts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	testBlock := event("scan-test", audit.ActionBlock, now)
	testBlock.Test = true

	if err := s.Append(ctx,
		event("scan-1", audit.ActionAllow, now),
		event("scan-2", audit.ActionBlock, now),
		event("scan-3", audit.ActionAllowSuppressed, now),
		testBlock,
	); err != nil {
		t.Fatal(err)
	}

	c, err := s.Counts(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 4 || c.Allowed != 1 || c.Blocked != 1 || c.Suppressed != 1 {
		t.Errorf("counts = %+v (test blocks must not count as blocked)", c)
	}
}

func TestPurgeKeepsBoundary(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	boundary := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Append(ctx,
		event("scan-old", audit.ActionAllow, boundary.Add(-time.Hour)),
		event("scan-edge", audit.ActionAllow, boundary),
		event("scan-new", audit.ActionAllow, boundary.Add(time.Hour)),
	); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.PurgeOlderThan(ctx, boundary)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("remaining = %d, want 2 (boundary event kept)", len(got))
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(path, testLogger()); err == nil {
		t.Fatal("expected error opening a database with a newer schema version")
	}
}

func TestUntilNextPrune(t *testing.T) {
	before := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	if d := untilNextPrune(before); d != 2*time.Hour {
		t.Errorf("at 01:00 wait = %v, want 2h", d)
	}
	after := time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)
	if d := untilNextPrune(after); d != 23*time.Hour {
		t.Errorf("at 04:00 wait = %v, want 23h", d)
	}
}

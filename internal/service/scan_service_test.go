package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/scan"
)

type scanFixture struct {
	svc   *ScanService
	store *mockAuditStore
	audit *AuditService
}

// newScanFixture wires a full-mode pipeline over an in-memory audit
// store. allowlistYAML may be empty.
func newScanFixture(t *testing.T, allowlistYAML string, cal Calibration) *scanFixture {
	t.Helper()
	logger := discardLogger()

	path := filepath.Join(t.TempDir(), "allowlist.yaml")
	allow := NewAllowlist(path, logger)
	if allowlistYAML != "" {
		writeAllowlist(t, filepath.Dir(path), allowlistYAML)
	}
	if _, err := allow.Load(); err != nil {
		t.Fatal(err)
	}

	store := &mockAuditStore{}
	auditSvc := NewAuditService(store, logger, WithBatchSize(1), WithFlushInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	auditSvc.Start(ctx)
	t.Cleanup(func() {
		auditSvc.Stop()
		cancel()
	})

	svc := NewScanService(
		scan.NewEngine(),
		entity.NewAnalyzer(),
		allow,
		auditSvc,
		NewCounters(prometheus.NewRegistry()),
		cal,
		logger,
	)
	return &scanFixture{svc: svc, store: store, audit: auditSvc}
}

func defaultCal() Calibration {
	return Calibration{Tier: "standard", SyncCap: DefaultSyncCap, Timeout: 60 * time.Millisecond, OK: true}
}

func (f *scanFixture) waitForEvents(t *testing.T, n int) []audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.store.count() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events, _ := f.store.Query(context.Background(), audit.Filter{})
	if len(events) < n {
		t.Fatalf("audit events = %d, want at least %d", len(events), n)
	}
	return events
}

func TestScanRequestBlocksCredential(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	secret := "sk-proj-" + strings.Repeat("A", 60)

	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "my key is " + secret,
		ScanID:    "scan-1",
		UserID:    "key-1",
		Upstream:  "openai",
		Direction: audit.DirectionRequest,
	})
	if !res.Blocked() {
		t.Fatal("credential must block")
	}
	if res.RuleID != scan.RuleIDCredential {
		t.Errorf("rule id = %s", res.RuleID)
	}
	if strings.Contains(res.Excerpt, secret) {
		t.Error("excerpt leaked the credential")
	}

	events := f.waitForEvents(t, 1)
	ev := events[0]
	if ev.Action != audit.ActionBlock || ev.ScanID != "scan-1" || ev.Upstream != "openai" {
		t.Errorf("unexpected audit event: %+v", ev)
	}
}

func TestScanRequestCleanTextPasses(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "please summarize the quarterly planning notes",
		ScanID:    "scan-2",
		Direction: audit.DirectionRequest,
	})
	if res.Blocked() {
		t.Fatalf("clean text blocked: %+v", res)
	}
	events := f.waitForEvents(t, 1)
	if events[0].Action != audit.ActionAllow {
		t.Errorf("action = %s, want ALLOW", events[0].Action)
	}
}

func TestScanRequestAllowlistSuppression(t *testing.T) {
	f := newScanFixture(t, "- rule_id: DANGEROUS_COMMAND_DETECTED\n  reason: test rig\n", defaultCal())
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "run: sudo rm -rf /",
		ScanID:    "scan-3",
		Direction: audit.DirectionRequest,
	})
	if res.Blocked() {
		t.Fatal("allowlisted rule must not block")
	}
	if !res.SuppressedByAllowlist {
		t.Fatal("expected suppression flag")
	}

	events := f.waitForEvents(t, 1)
	ev := events[0]
	if ev.Action != audit.ActionAllowSuppressed {
		t.Errorf("action = %s, want ALLOW_SUPPRESSED", ev.Action)
	}
	if ev.RuleID != "DANGEROUS_COMMAND_DETECTED" {
		t.Errorf("suppressed event must keep rule id, got %s", ev.RuleID)
	}
	if ev.AllowlistRuleID == "" {
		t.Error("suppressed event missing allowlist rule label")
	}
}

func TestScanRequestSuppressedRuleStillRunsNLPGate(t *testing.T) {
	f := newScanFixture(t, "- rule_id: DANGEROUS_COMMAND_DETECTED\n  reason: test rig\n", defaultCal())
	// Suppressing the dangerous-command rule must not waive the entity
	// scan: the card number still blocks.
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "run: sudo rm -rf / and bill card 4111 1111 1111 1111",
		ScanID:    "scan-9",
		Direction: audit.DirectionRequest,
	})
	if !res.Blocked() {
		t.Fatal("PII must block even when the fast-path finding is allowlisted")
	}
	if res.RuleID != scan.RuleIDPIICreditCard {
		t.Errorf("rule id = %s", res.RuleID)
	}
	if res.Source != scan.SourceNLP {
		t.Errorf("source = %s, want nlp", res.Source)
	}

	events := f.waitForEvents(t, 1)
	if events[0].Action != audit.ActionBlock {
		t.Errorf("action = %s, want BLOCK", events[0].Action)
	}
}

func TestScanRequestSyncNLPBlocksPII(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	// Under the sync cap, so the NLP gate runs inline and blocks.
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "bill card 4111 1111 1111 1111 for the order",
		ScanID:    "scan-4",
		Direction: audit.DirectionRequest,
	})
	if !res.Blocked() {
		t.Fatal("Luhn-valid card under sync cap must block")
	}
	if res.RuleID != scan.RuleIDPIICreditCard {
		t.Errorf("rule id = %s", res.RuleID)
	}
	if res.Source != scan.SourceNLP {
		t.Errorf("source = %s, want nlp", res.Source)
	}
}

func TestScanRequestLongTextGoesAdvisory(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	// Past the sync cap: the card number must NOT block, only land as
	// an advisory finding on the ALLOW event.
	long := strings.Repeat("plain prose filler. ", 40) + "card 4111 1111 1111 1111 end"
	if len(long) <= DefaultSyncCap {
		t.Fatal("test text not past sync cap")
	}

	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      long,
		ScanID:    "scan-5",
		Direction: audit.DirectionRequest,
	})
	if res.Blocked() {
		t.Fatal("advisory path must not block")
	}

	events := f.waitForEvents(t, 1)
	ev := events[0]
	if ev.Action != audit.ActionAllow {
		t.Fatalf("action = %s, want ALLOW", ev.Action)
	}
	found := false
	for _, fd := range ev.Advisory {
		if fd.Type == entity.TypeCreditCard {
			found = true
		}
	}
	if !found {
		t.Errorf("advisory findings missing credit card: %+v", ev.Advisory)
	}
}

func TestScanResponseScansNLPRegardlessOfLength(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	long := strings.Repeat("plain prose filler. ", 40) + "card 4111 1111 1111 1111 end"

	res := f.svc.ScanResponse(context.Background(), ScanInput{
		Text:      long,
		ScanID:    "scan-6",
		Direction: audit.DirectionResponse,
	})
	if !res.Blocked() {
		t.Fatal("buffered response scan must run NLP regardless of length")
	}
	if res.RuleID != scan.RuleIDPIICreditCard {
		t.Errorf("rule id = %s", res.RuleID)
	}
}

func TestScanLiteModeSkipsNLP(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	f.svc.analyzer = nil

	if f.svc.Mode() != "lite" {
		t.Errorf("mode = %s, want lite", f.svc.Mode())
	}
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "bill card 4111 1111 1111 1111 for the order",
		ScanID:    "scan-7",
		Direction: audit.DirectionRequest,
	})
	if res.Blocked() {
		t.Error("lite mode has no NLP gate; bare card number passes the fast path")
	}
}

func TestScanRequestTestCredential(t *testing.T) {
	f := newScanFixture(t, "", defaultCal())
	res := f.svc.ScanRequest(context.Background(), ScanInput{
		Text:      "use sk-ongarde-test-fake-key-12345 here",
		ScanID:    "scan-8",
		Direction: audit.DirectionRequest,
	})
	if !res.Blocked() {
		t.Fatal("test credential must still block")
	}
	if !res.Test {
		t.Error("result must carry test=true")
	}
	// Test blocks are excluded from the block counters.
	if got := f.svc.counters.Snapshot().AllTime.Blocks; got != 0 {
		t.Errorf("block counter = %d, want 0 for test credential", got)
	}
}

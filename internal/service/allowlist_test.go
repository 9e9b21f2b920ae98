package service

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ongarde/ongarde/internal/domain/scan"
)

func writeAllowlist(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "allowlist.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockResult(ruleID, excerpt string) scan.ScanResult {
	return scan.ScanResult{
		Decision:  scan.Block,
		RuleID:    ruleID,
		RiskLevel: scan.RiskCritical,
		Excerpt:   excerpt,
		ScanID:    "scan-1",
	}
}

func TestAllowlistLoadMissingFileIsEmpty(t *testing.T) {
	a := NewAllowlist(filepath.Join(t.TempDir(), "nope.yaml"), discardLogger())
	count, err := a.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestAllowlistVariants(t *testing.T) {
	path := writeAllowlist(t, t.TempDir(), `
- rule_id: DANGEROUS_COMMAND_DETECTED
  reason: CI scripts legitimately use sudo
- text_contains: "staging-fixture"
- regex: "example[0-9]+"
`)
	a := NewAllowlist(path, discardLogger())
	if count, err := a.Load(); err != nil || count != 3 {
		t.Fatalf("Load = %d, %v; want 3, nil", count, err)
	}

	tests := []struct {
		name     string
		res      scan.ScanResult
		wantSup  bool
		wantRule string
	}{
		{
			"rule id match",
			blockResult("DANGEROUS_COMMAND_DETECTED", "run [REDACTED:sudo-usage] now"),
			true, "rule_id:DANGEROUS_COMMAND_DETECTED",
		},
		{
			"text contains match on excerpt",
			blockResult("CREDENTIAL_DETECTED", "loading staging-fixture token"),
			true, "text_contains:staging-fixture",
		},
		{
			"regex match on excerpt",
			blockResult("CREDENTIAL_DETECTED", "host example42 flagged"),
			true, "regex:example[0-9]+",
		},
		{
			"no match stays blocked",
			blockResult("CREDENTIAL_DETECTED", "real credential"),
			false, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Apply(tt.res)
			if got.SuppressedByAllowlist != tt.wantSup {
				t.Errorf("suppressed = %v, want %v", got.SuppressedByAllowlist, tt.wantSup)
			}
			if got.AllowlistRule != tt.wantRule {
				t.Errorf("allowlist rule = %q, want %q", got.AllowlistRule, tt.wantRule)
			}
			if tt.wantSup && got.Blocked() {
				t.Error("suppressed result must not report Blocked")
			}
			if tt.wantSup && got.RuleID != tt.res.RuleID {
				t.Error("suppression must preserve the original rule id")
			}
		})
	}
}

func TestAllowlistNeverSuppressesSystemRules(t *testing.T) {
	path := writeAllowlist(t, t.TempDir(), `
- rule_id: SCANNER_ERROR
`)
	a := NewAllowlist(path, discardLogger())
	if _, err := a.Load(); err != nil {
		t.Fatal(err)
	}
	got := a.Apply(scan.ErrorResult("scan-1", ""))
	if got.SuppressedByAllowlist || !got.Blocked() {
		t.Error("scanner failures must never be allowlisted")
	}
}

func TestAllowlistParseErrorKeepsPriorSet(t *testing.T) {
	dir := t.TempDir()
	path := writeAllowlist(t, dir, "- rule_id: DANGEROUS_COMMAND_DETECTED\n")
	a := NewAllowlist(path, discardLogger())
	if count, err := a.Load(); err != nil || count != 1 {
		t.Fatalf("Load = %d, %v", count, err)
	}

	if err := os.WriteFile(path, []byte("- regex: '['\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	count, err := a.Load()
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if count != 1 {
		t.Errorf("count after failed reload = %d, want prior 1", count)
	}
	got := a.Apply(blockResult("DANGEROUS_COMMAND_DETECTED", "x"))
	if !got.SuppressedByAllowlist {
		t.Error("prior set must stay in force after a failed reload")
	}
}

func TestAllowlistRejectsAmbiguousEntry(t *testing.T) {
	path := writeAllowlist(t, t.TempDir(), `
- rule_id: A
  text_contains: also-this
`)
	a := NewAllowlist(path, discardLogger())
	if _, err := a.Load(); err == nil {
		t.Fatal("expected error for entry with two variants")
	}
}

func TestAllowlistWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeAllowlist(t, dir, "- rule_id: A\n")
	a := NewAllowlist(path, discardLogger())
	if _, err := a.Load(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	defer close(done)
	if err := a.Watch(done); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("- rule_id: A\n- rule_id: B\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Count() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Count() != 2 {
		t.Errorf("count after watched edit = %d, want 2", a.Count())
	}
}

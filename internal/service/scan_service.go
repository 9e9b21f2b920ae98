package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/scan"
)

// ScanInput carries one piece of text through the pipeline together
// with the request metadata the audit event needs.
type ScanInput struct {
	Text      string
	ScanID    string
	UserID    string
	Upstream  string
	Direction audit.Direction
	Streaming bool
}

// ScanService is the decision pipeline: input cap, regex fast path,
// allowlist, NLP gate (sync under the calibrated cap, advisory above),
// audit emission and counters. It never panics outward and never
// returns PASS on an internal failure.
type ScanService struct {
	engine    *scan.Engine
	analyzer  *entity.Analyzer // nil in lite mode
	allowlist *Allowlist
	auditor   *AuditService
	counters  *Counters
	cal       Calibration
	logger    *slog.Logger
}

// NewScanService wires the pipeline. analyzer may be nil (lite mode).
func NewScanService(
	engine *scan.Engine,
	analyzer *entity.Analyzer,
	allowlist *Allowlist,
	auditor *AuditService,
	counters *Counters,
	cal Calibration,
	logger *slog.Logger,
) *ScanService {
	return &ScanService{
		engine:    engine,
		analyzer:  analyzer,
		allowlist: allowlist,
		auditor:   auditor,
		counters:  counters,
		cal:       cal,
		logger:    logger,
	}
}

// Calibration returns the active sync/advisory boundary.
func (s *ScanService) Calibration() Calibration {
	return s.cal
}

// Mode reports "full" or "lite" for the health surface.
func (s *ScanService) Mode() string {
	if s.analyzer == nil {
		return "lite"
	}
	return "full"
}

// ScanRequest runs the request-side pipeline. NLP runs synchronously
// iff the capped text is within the calibrated cap; otherwise it is
// scheduled as an advisory task that records but cannot block.
func (s *ScanService) ScanRequest(ctx context.Context, in ScanInput) scan.ScanResult {
	return s.scan(ctx, in, false)
}

// ScanResponse runs the buffered response-side pipeline. NLP runs
// synchronously regardless of length: buffered responses carry an
// absolute guarantee, so there is no advisory shortcut.
func (s *ScanService) ScanResponse(ctx context.Context, in ScanInput) scan.ScanResult {
	return s.scan(ctx, in, true)
}

// ScanWindow runs only the fast path, for streaming windows. No audit
// event is emitted here; the stream scanner owns the final event.
func (s *ScanService) ScanWindow(text, scanID string) (scan.ScanResult, bool) {
	m, matched := s.engine.Scan(text)
	if !matched {
		return scan.ScanResult{}, false
	}
	res := s.allowlist.Apply(m.Result(scanID, text, scan.SourceStreaming))
	return res, res.Blocked()
}

// FinishStream records the settled decision for a streaming response.
// The stream scanner only evaluates windows; the audit event for the
// whole stream is emitted here exactly once, on abort or on clean end
// of stream. deliveredChars is the total assistant text forwarded.
func (s *ScanService) FinishStream(res scan.ScanResult, in ScanInput, deliveredChars int) {
	s.finish(res, in, deliveredChars, false)
}

func (s *ScanService) scan(ctx context.Context, in ScanInput, forceSyncNLP bool) (result scan.ScanResult) {
	start := time.Now()
	defer func() {
		s.counters.ObserveScanLatency(time.Since(start))
		if r := recover(); r != nil {
			s.logger.Error("scan pipeline panic, failing safe to BLOCK",
				"scan_id", in.ScanID, "panic", fmt.Sprint(r))
			result = scan.ErrorResult(in.ScanID, "")
			s.finish(result, in, len(in.Text), false)
		}
	}()

	text, originalLen, truncated := scan.CapInput(in.Text)

	res := scan.ScanResult{Decision: scan.Pass, ScanID: in.ScanID, Source: scan.SourceFastPath}

	// Fast path.
	if m, matched := s.engine.Scan(text); matched {
		res = s.allowlist.Apply(m.Result(in.ScanID, text, scan.SourceFastPath))
		if res.Blocked() {
			s.finish(res, in, originalLen, truncated)
			return res
		}
		// Suppressed: the entry waives that one rule, not the NLP gate.
		// Fall through so the text still gets the entity scan any other
		// input of its size would get.
	}

	// NLP gate.
	if s.analyzer != nil {
		syncNLP := forceSyncNLP || len(text) <= s.cal.SyncCap
		if syncNLP {
			nres, blocked := s.nlpSync(ctx, text, in.ScanID)
			if blocked {
				nres = s.allowlist.Apply(nres)
				if nres.Blocked() {
					s.finish(nres, in, originalLen, truncated)
					return nres
				}
				// Both findings suppressed: the fast-path suppression
				// stays on the event, it settled first.
				if !res.SuppressedByAllowlist {
					res = nres
				}
			}
		} else {
			// The advisory goroutine owns the final event so findings
			// land on it; return the settled decision to the caller now.
			s.scheduleAdvisory(ctx, text, in, res, originalLen, truncated)
			if res.SuppressedByAllowlist {
				s.counters.RecordSuppressed()
			}
			return res
		}
	}

	s.finish(res, in, originalLen, truncated)
	return res
}

// nlpSync runs the analyzer under the calibrated timeout. A timeout is
// a scanner failure: BLOCK with SCANNER_TIMEOUT, never a silent pass.
func (s *ScanService) nlpSync(ctx context.Context, text, scanID string) (scan.ScanResult, bool) {
	type outcome struct {
		findings []entity.Finding
	}
	done := make(chan outcome, 1) // buffered: the worker exits even after timeout
	go func() {
		done <- outcome{findings: s.analyzer.Analyze(text)}
	}()

	timer := time.NewTimer(s.cal.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		f, ok := worstFinding(out.findings)
		if !ok {
			return scan.ScanResult{}, false
		}
		return nlpResult(f, text, scanID), true
	case <-timer.C:
		s.logger.Warn("sync NLP scan exceeded timeout, failing safe to BLOCK",
			"scan_id", scanID, "timeout", s.cal.Timeout)
		res := scan.ErrorResult(scanID, scan.RuleIDScannerTimeout)
		return res, true
	case <-ctx.Done():
		res := scan.ErrorResult(scanID, scan.RuleIDScannerTimeout)
		return res, true
	}
}

// scheduleAdvisory runs the analyzer off the request path. Findings are
// recorded on the request's settled event (ALLOW, or ALLOW_SUPPRESSED
// when the fast path was allowlisted); they never block, and never
// upgrade a past decision. Client disconnect cancels the task.
func (s *ScanService) scheduleAdvisory(ctx context.Context, text string, in ScanInput, res scan.ScanResult, originalLen int, truncated bool) {
	s.counters.AdvisoryEnqueued()
	go func() {
		defer s.counters.AdvisoryDone()

		done := make(chan []entity.Finding, 1)
		go func() { done <- s.analyzer.Analyze(text) }()

		select {
		case findings := <-done:
			ev := s.event(res, in, originalLen, truncated)
			ev.Advisory = findings
			s.auditor.Record(ev)
		case <-ctx.Done():
			// Client gone: record the settled decision without findings.
			s.auditor.Record(s.event(res, in, originalLen, truncated))
		}
	}()
}

// finish emits the audit event and updates counters for a settled
// decision.
func (s *ScanService) finish(res scan.ScanResult, in ScanInput, originalLen int, truncated bool) {
	s.auditor.Record(s.event(res, in, originalLen, truncated))
	if res.Blocked() {
		s.counters.RecordBlock(string(res.RiskLevel), res.Test)
	} else if res.SuppressedByAllowlist {
		s.counters.RecordSuppressed()
	}
}

func (s *ScanService) event(res scan.ScanResult, in ScanInput, originalLen int, truncated bool) audit.Event {
	ev := audit.FromScanResult(res, in.Direction, in.UserID, originalLen, truncated)
	ev.Upstream = in.Upstream
	ev.WasStreaming = in.Streaming
	return ev
}

// worstFinding picks the highest-severity finding, score breaking ties.
func worstFinding(findings []entity.Finding) (entity.Finding, bool) {
	if len(findings) == 0 {
		return entity.Finding{}, false
	}
	best := findings[0]
	for _, f := range findings[1:] {
		br, fr := entity.Risk(best.Type), entity.Risk(f.Type)
		if fr.AtLeast(br) && (fr != br || f.Score > best.Score) {
			best = f
		}
	}
	return best, true
}

// nlpResult converts a finding into a blocking ScanResult with the same
// redaction rules as the fast path.
func nlpResult(f entity.Finding, text, scanID string) scan.ScanResult {
	m := scan.Match{
		Rule: scan.Rule{
			ID:       entity.RuleID(f.Type),
			Category: scan.CategoryPIINLP,
			Risk:     entity.Risk(f.Type),
			Slug:     entity.Slug(f.Type),
		},
		RawMatch: text[f.Start:f.End],
		Start:    f.Start,
		End:      f.End,
	}
	return m.Result(scanID, text, scan.SourceNLP)
}

package service

import (
	"strings"

	"github.com/ongarde/ongarde/internal/domain/scan"
)

// Streaming scan geometry. The overlap carry is rescanned with each
// window so a match straddling a window boundary cannot slip through.
const (
	streamWindowSize = 512
	streamOverlap    = 128
)

// StreamScanner accumulates assistant text from an SSE stream and runs
// the fast path on each full window. State is confined to one stream:
// not safe for concurrent use, by design.
//
// The guarantee is best-effort: text is forwarded as it arrives and
// scanned when the window fills, so a block may leak at most one window
// plus the overlap.
type StreamScanner struct {
	svc    *ScanService
	scanID string

	window    strings.Builder
	carry     string
	aborted   bool
	cached    scan.ScanResult
	delivered int // chars forwarded before the abort
}

// NewStreamScanner creates per-stream scan state.
func NewStreamScanner(svc *ScanService, scanID string) *StreamScanner {
	return &StreamScanner{svc: svc, scanID: scanID}
}

// AddContent feeds extracted assistant text. Returns the cached block
// result once aborted; after an abort the call is a constant-time
// short-circuit and the text is swallowed.
func (s *StreamScanner) AddContent(text string) (scan.ScanResult, bool) {
	if s.aborted {
		return s.cached, true
	}

	s.window.WriteString(text)
	if s.window.Len() >= streamWindowSize {
		win := s.window.String()
		if res, blocked := s.svc.ScanWindow(s.carry+win, s.scanID); blocked {
			s.abort(res)
			return s.cached, true
		}
		if len(win) > streamOverlap {
			s.carry = win[len(win)-streamOverlap:]
		} else {
			s.carry = win
		}
		s.window.Reset()
	}

	s.delivered += len(text)
	return scan.ScanResult{}, false
}

// Flush scans the remaining partial window at end of stream.
func (s *StreamScanner) Flush() (scan.ScanResult, bool) {
	if s.aborted {
		return s.cached, true
	}
	if s.window.Len() == 0 {
		return scan.ScanResult{}, false
	}
	win := s.window.String()
	s.window.Reset()
	if res, blocked := s.svc.ScanWindow(s.carry+win, s.scanID); blocked {
		s.abort(res)
		return s.cached, true
	}
	return scan.ScanResult{}, false
}

// Aborted reports whether a block has fired on this stream.
func (s *StreamScanner) Aborted() bool {
	return s.aborted
}

// TokensDelivered approximates tokens forwarded before the abort as
// chars/4.
func (s *StreamScanner) TokensDelivered() int {
	return s.delivered / 4
}

// DeliveredChars is the exact count of forwarded assistant characters.
func (s *StreamScanner) DeliveredChars() int {
	return s.delivered
}

func (s *StreamScanner) abort(res scan.ScanResult) {
	res.TokensDelivered = s.delivered / 4
	s.aborted = true
	s.cached = res
}

package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ongarde/ongarde/internal/domain/entity"
)

// Calibration constants. The sync cap is the largest text length the
// NLP path scans synchronously; longer texts go advisory-only.
const (
	calibrationIterations = 5
	targetP99             = 30 * time.Millisecond
	timeoutFloor          = 25 * time.Millisecond
	timeoutCeil           = 60 * time.Millisecond
	DefaultSyncCap        = 500
)

var calibrationSizes = []int{200, 500, 1000}

// calibrationTemplate is clean prose: no PII, no credentials, nothing
// that would trip a recognizer and skew the timing.
const calibrationTemplate = "The quick brown fox jumps over the lazy dog. " +
	"Alice went to the market to buy fresh vegetables and fruits. " +
	"Bob called his colleague to discuss the quarterly report. " +
	"The conference is scheduled for next Tuesday in the main meeting room. " +
	"Please review the attached document and provide feedback by Friday. "

// Calibration is the measured sync/advisory boundary, reported on the
// scanner health endpoint.
type Calibration struct {
	Tier           string        `json:"tier"`
	SyncCap        int           `json:"sync_cap"`
	Timeout        time.Duration `json:"-"`
	TimeoutMs      float64       `json:"timeout_ms"`
	MeasuredP99Ms  float64       `json:"measured_p99_ms"`
	OK             bool          `json:"calibration_ok"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
}

// LiteCalibration is used when the NLP path is disabled: no sync gate,
// no timeout budget beyond the fast path.
func LiteCalibration() Calibration {
	return Calibration{Tier: "lite", SyncCap: 0, Timeout: timeoutCeil, TimeoutMs: float64(timeoutCeil.Milliseconds()), OK: true}
}

func fallbackCalibration(reason string) Calibration {
	return Calibration{
		Tier:           "standard",
		SyncCap:        DefaultSyncCap,
		Timeout:        timeoutCeil,
		TimeoutMs:      float64(timeoutCeil.Milliseconds()),
		OK:             false,
		FallbackReason: reason,
	}
}

// Calibrate measures NLP scan latency on this host and picks the sync
// cap. It scans clean prose at each sample size, takes the p99 across
// all runs, and maps it to a tier:
//
//	p99 ≤ 10 ms  → fast     (cap 1000)
//	p99 ≤ 30 ms  → standard (cap 500)
//	p99 ≤ 60 ms  → slow     (cap 200)
//	otherwise    → minimal  (cap 0, NLP fully advisory)
//
// The scan timeout is p99 × 1.5 clamped to [25 ms, 60 ms]. A cancelled
// context or empty measurement falls back to the standard tier with
// calibration_ok=false.
func Calibrate(ctx context.Context, analyzer *entity.Analyzer, logger *slog.Logger) Calibration {
	var samples []time.Duration
	for _, size := range calibrationSizes {
		text := makeCalibrationText(size)
		for i := 0; i < calibrationIterations; i++ {
			if err := ctx.Err(); err != nil {
				return fallbackCalibration("calibration cancelled: " + err.Error())
			}
			start := time.Now()
			analyzer.Analyze(text)
			samples = append(samples, time.Since(start))
		}
	}
	if len(samples) == 0 {
		return fallbackCalibration("no calibration samples")
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p99 := samples[(len(samples)*99)/100]

	cal := Calibration{
		MeasuredP99Ms: float64(p99.Microseconds()) / 1000.0,
		OK:            true,
	}
	switch {
	case p99 <= 10*time.Millisecond:
		cal.Tier, cal.SyncCap = "fast", 1000
	case p99 <= targetP99:
		cal.Tier, cal.SyncCap = "standard", DefaultSyncCap
	case p99 <= 60*time.Millisecond:
		cal.Tier, cal.SyncCap = "slow", 200
	default:
		// Host too slow for any sync NLP: everything goes advisory.
		cal.Tier, cal.SyncCap = "minimal", 0
	}

	cal.Timeout = p99 * 3 / 2
	if cal.Timeout < timeoutFloor {
		cal.Timeout = timeoutFloor
	}
	if cal.Timeout > timeoutCeil {
		cal.Timeout = timeoutCeil
	}
	cal.TimeoutMs = float64(cal.Timeout.Microseconds()) / 1000.0

	logger.Info("scanner calibration complete",
		"tier", cal.Tier,
		"sync_cap", cal.SyncCap,
		"p99_ms", cal.MeasuredP99Ms,
		"timeout", cal.Timeout,
	)
	return cal
}

// makeCalibrationText builds clean prose of exactly size characters.
func makeCalibrationText(size int) string {
	reps := size/len(calibrationTemplate) + 2
	return strings.Repeat(calibrationTemplate, reps)[:size]
}

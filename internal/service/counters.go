package service

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ewmaAlpha weights the newest scan latency sample at 20%.
const ewmaAlpha = 0.2

// Counters tracks rolling today/all-time request statistics with
// lock-free atomics on the hot path. "Today" rolls over at midnight UTC;
// the roll is detected lazily on the next write.
type Counters struct {
	day atomic.Int64 // unix day the today-window belongs to

	todayRequests atomic.Int64
	todayBlocks   atomic.Int64
	allRequests   atomic.Int64
	allBlocks     atomic.Int64
	suppressed    atomic.Int64

	// EWMA of scan latency in milliseconds, stored as float64 bits.
	ewmaScanMs atomic.Uint64

	queueDepth atomic.Int64

	mu          sync.Mutex
	byRiskToday map[string]int64
	byRiskAll   map[string]int64

	promRequests   prometheus.Counter
	promBlocks     *prometheus.CounterVec
	promSuppressed prometheus.Counter
	promScanDur    prometheus.Histogram
	promQueueDepth prometheus.Gauge
}

// NewCounters creates the counter set and registers its Prometheus
// mirrors with reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		byRiskToday: make(map[string]int64),
		byRiskAll:   make(map[string]int64),
		promRequests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ongarde",
			Name:      "requests_total",
			Help:      "Total proxied requests admitted past authentication",
		}),
		promBlocks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ongarde",
			Name:      "blocks_total",
			Help:      "Total blocked scans by risk level (test blocks excluded)",
		}, []string{"risk"}),
		promSuppressed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ongarde",
			Name:      "suppressed_total",
			Help:      "Blocks downgraded by an allowlist entry",
		}),
		promScanDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "ongarde",
			Name:      "scan_duration_seconds",
			Help:      "Full scan pipeline duration",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		promQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "ongarde",
			Name:      "advisory_queue_depth",
			Help:      "Pending advisory NLP scans",
		}),
	}
	c.day.Store(unixDay(time.Now()))
	return c
}

func unixDay(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// rollover resets the today window when the UTC day has changed.
func (c *Counters) rollover() {
	today := unixDay(time.Now())
	old := c.day.Load()
	if old == today {
		return
	}
	if !c.day.CompareAndSwap(old, today) {
		return // another goroutine won the roll
	}
	c.todayRequests.Store(0)
	c.todayBlocks.Store(0)
	c.mu.Lock()
	c.byRiskToday = make(map[string]int64)
	c.mu.Unlock()
}

// RecordRequest counts one admitted request.
func (c *Counters) RecordRequest() {
	c.rollover()
	c.todayRequests.Add(1)
	c.allRequests.Add(1)
	c.promRequests.Inc()
}

// RecordBlock counts one blocked scan. Test-credential blocks are
// surfaced to the client like real ones but excluded here.
func (c *Counters) RecordBlock(risk string, test bool) {
	if test {
		return
	}
	c.rollover()
	c.todayBlocks.Add(1)
	c.allBlocks.Add(1)
	c.mu.Lock()
	c.byRiskToday[risk]++
	c.byRiskAll[risk]++
	c.mu.Unlock()
	c.promBlocks.WithLabelValues(risk).Inc()
}

// RecordSuppressed counts one allowlist downgrade.
func (c *Counters) RecordSuppressed() {
	c.suppressed.Add(1)
	c.promSuppressed.Inc()
}

// ObserveScanLatency folds one scan duration into the EWMA.
func (c *Counters) ObserveScanLatency(d time.Duration) {
	c.promScanDur.Observe(d.Seconds())
	sample := float64(d.Microseconds()) / 1000.0
	for {
		oldBits := c.ewmaScanMs.Load()
		old := math.Float64frombits(oldBits)
		next := sample
		if oldBits != 0 {
			next = ewmaAlpha*sample + (1-ewmaAlpha)*old
		}
		if c.ewmaScanMs.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// AvgScanMs returns the current scan latency EWMA in milliseconds.
func (c *Counters) AvgScanMs() float64 {
	return math.Float64frombits(c.ewmaScanMs.Load())
}

// AdvisoryEnqueued / AdvisoryDone track the advisory NLP queue depth.
func (c *Counters) AdvisoryEnqueued() {
	c.queueDepth.Add(1)
	c.promQueueDepth.Inc()
}

func (c *Counters) AdvisoryDone() {
	c.queueDepth.Add(-1)
	c.promQueueDepth.Dec()
}

// QueueDepth returns the number of pending advisory scans.
func (c *Counters) QueueDepth() int64 {
	return c.queueDepth.Load()
}

// CounterWindow is one today-or-all-time slice of the snapshot.
type CounterWindow struct {
	Requests     int64            `json:"requests"`
	Blocks       int64            `json:"blocks"`
	BlocksByRisk map[string]int64 `json:"blocks_by_risk"`
}

// CountersSnapshot is the dashboard view of all counters.
type CountersSnapshot struct {
	Today      CounterWindow `json:"today"`
	AllTime    CounterWindow `json:"all_time"`
	Suppressed int64         `json:"suppressed"`
	AvgScanMs  float64       `json:"avg_scan_ms"`
	QueueDepth int64         `json:"queue_depth"`
}

// Snapshot returns a point-in-time copy. Consistent per counter, not
// atomic across counters.
func (c *Counters) Snapshot() CountersSnapshot {
	c.rollover()
	c.mu.Lock()
	today := make(map[string]int64, len(c.byRiskToday))
	for k, v := range c.byRiskToday {
		today[k] = v
	}
	all := make(map[string]int64, len(c.byRiskAll))
	for k, v := range c.byRiskAll {
		all[k] = v
	}
	c.mu.Unlock()

	return CountersSnapshot{
		Today: CounterWindow{
			Requests:     c.todayRequests.Load(),
			Blocks:       c.todayBlocks.Load(),
			BlocksByRisk: today,
		},
		AllTime: CounterWindow{
			Requests:     c.allRequests.Load(),
			Blocks:       c.allBlocks.Load(),
			BlocksByRisk: all,
		},
		Suppressed: c.suppressed.Load(),
		AvgScanMs:  c.AvgScanMs(),
		QueueDepth: c.queueDepth.Load(),
	}
}

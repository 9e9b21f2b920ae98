package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// AuditService decouples audit persistence from the request path: events
// go into a bounded channel and a single worker drains them into the
// store in batches. Record never blocks longer than the send timeout;
// overflow drops the event and counts it.
type AuditService struct {
	store         audit.Store
	events        chan audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately on a full channel
	dropCount   atomic.Int64

	warningThreshold int          // channel depth %, 0 disables
	lastWarning      atomic.Int64 // unix nanos, rate-limits the warning log
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets how many events accumulate before a write.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) { s.batchSize = size }
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) { s.flushInterval = interval }
}

// WithChannelSize sets the event buffer capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.events = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets how long Record may block on a full channel
// before dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = timeout }
}

// NewAuditService creates the service. Call Start before Record and Stop
// on shutdown to flush the tail.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1024
	s := &AuditService{
		store:            store,
		events:           make(chan audit.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        64,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      0, // request path never waits on audit
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the drain worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record enqueues an event. Non-blocking unless a send timeout is
// configured; a full channel drops the event and bumps the counter.
func (s *AuditService) Record(ev audit.Event) {
	if s.warningThreshold > 0 {
		if depth := len(s.events); depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(ev)
		return
	}
	select {
	case s.events <- ev:
	case <-time.After(s.sendTimeout):
		s.recordDrop(ev)
	}
}

func (s *AuditService) recordDrop(ev audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"scan_id", ev.ScanID,
		"action", ev.Action,
		"total_drops", drops,
	)
}

func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
		)
	}
}

// DroppedEvents returns the total events dropped to backpressure.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// QueueDepth returns the current channel depth for the health endpoint.
func (s *AuditService) QueueDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the configured channel size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the channel and waits for the worker to flush the tail.
func (s *AuditService) Stop() {
	close(s.events)
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever has been enqueued, then stop. Stop()
			// closing the channel ends the range.
			for ev := range s.events {
				batch = append(batch, ev)
			}
			s.finalFlush(batch)
			return
		}
	}
}

// finalFlush writes the tail with its own bounded deadline: shutdown
// must not hang on a wedged store.
func (s *AuditService) finalFlush(batch []audit.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch. Errors are logged, never propagated: a broken
// audit store must not take the proxy down with it.
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("audit batch write failed",
			"error", err,
			"count", len(batch),
		)
	}
}

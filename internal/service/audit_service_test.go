package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ongarde/ongarde/internal/domain/audit"
)

// mockAuditStore collects appended events; an optional delay simulates
// a slow backend for backpressure tests.
type mockAuditStore struct {
	mu     sync.Mutex
	events []audit.Event
	delay  time.Duration
}

func (m *mockAuditStore) Append(_ context.Context, events ...audit.Event) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockAuditStore) Query(context.Context, audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *mockAuditStore) Counts(context.Context, time.Time) (audit.Counts, error) {
	return audit.Counts{}, nil
}

func (m *mockAuditStore) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockAuditStore) Close() error { return nil }

func (m *mockAuditStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestAuditServiceFlushesOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAuditService(store, logger, WithBatchSize(100), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(audit.Event{ScanID: fmt.Sprintf("scan-%d", i), Action: audit.ActionAllow})
	}
	svc.Stop()

	if got := store.count(); got != 5 {
		t.Errorf("events persisted = %d, want 5 (tail must flush on Stop)", got)
	}
}

func TestAuditServiceBatching(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAuditService(store, logger, WithBatchSize(2), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 4; i++ {
		svc.Record(audit.Event{ScanID: fmt.Sprintf("scan-%d", i), Action: audit.ActionBlock})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.count(); got != 4 {
		t.Errorf("events persisted = %d, want 4", got)
	}
	svc.Stop()
}

func TestAuditServiceDropsOnOverflow(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{delay: 50 * time.Millisecond}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAuditService(store, logger,
		WithChannelSize(2),
		WithSendTimeout(5*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(audit.Event{ScanID: fmt.Sprintf("scan-%d", i)})
	}

	if svc.DroppedEvents() == 0 {
		t.Error("expected drops with a slow store and a 2-slot channel")
	}
	svc.Stop()
}

func TestAuditServiceChannelDepthWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	store := &mockAuditStore{}
	svc := NewAuditService(store, logger, WithChannelSize(10), WithSendTimeout(0))

	// No worker: let the channel fill to 90%.
	for i := 0; i < 9; i++ {
		svc.events <- audit.Event{ScanID: fmt.Sprintf("scan-%d", i)}
	}
	svc.Record(audit.Event{ScanID: "trigger"})

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("expected capacity warning, got: %s", logBuf.String())
	}

	close(svc.events)
	for range svc.events {
	}
}

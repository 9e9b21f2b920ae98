package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ongarde/ongarde/internal/adapter/outbound/keystore"
	"github.com/ongarde/ongarde/internal/adapter/outbound/upstream"
	"github.com/ongarde/ongarde/internal/domain/audit"
	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/key"
	"github.com/ongarde/ongarde/internal/domain/scan"
	"github.com/ongarde/ongarde/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memAuditStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAuditStore) Append(_ context.Context, events ...audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memAuditStore) Query(context.Context, audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memAuditStore) Counts(context.Context, time.Time) (audit.Counts, error) {
	return audit.Counts{}, nil
}

func (m *memAuditStore) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memAuditStore) Close() error { return nil }

type fixture struct {
	handler   *Handler
	store     *memAuditStore
	keys      *key.Service
	plaintext string
}

// newFixture wires the whole proxy pipeline against a fake upstream
// with a real key store, real scanners, and an in-memory audit store.
func newFixture(t *testing.T, upstreamURL string, authRequired bool) *fixture {
	t.Helper()
	logger := testLogger()

	allow := service.NewAllowlist(filepath.Join(t.TempDir(), "allowlist.yaml"), logger)
	if _, err := allow.Load(); err != nil {
		t.Fatal(err)
	}

	store := &memAuditStore{}
	auditSvc := service.NewAuditService(store, logger,
		service.WithBatchSize(1), service.WithFlushInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	auditSvc.Start(ctx)
	t.Cleanup(func() {
		auditSvc.Stop()
		cancel()
	})

	cal := service.Calibration{Tier: "standard", SyncCap: service.DefaultSyncCap, Timeout: 60 * time.Millisecond, OK: true}
	scans := service.NewScanService(
		scan.NewEngine(), entity.NewAnalyzer(), allow, auditSvc,
		service.NewCounters(prometheus.NewRegistry()), cal, logger)

	ks, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ks.Close() })
	keySvc := key.NewService(ks, auditSvc, logger)
	plaintext, _, err := keySvc.Create(context.Background(), "local")
	if err != nil {
		t.Fatal(err)
	}

	client, err := upstream.NewClient(map[string]string{
		upstream.ProviderOpenAI:    upstreamURL,
		upstream.ProviderAnthropic: upstreamURL,
	}, upstream.WithHTTPClient(&http.Client{}))
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		handler:   NewHandler(scans, keySvc, client, service.NewCounters(prometheus.NewRegistry()), authRequired, logger),
		store:     store,
		keys:      keySvc,
		plaintext: plaintext,
	}
}

func (f *fixture) post(t *testing.T, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for name, values := range header {
		req.Header[name] = values
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) authedHeader() http.Header {
	h := http.Header{}
	h.Set(upstream.HeaderKey, f.plaintext)
	return h
}

func (f *fixture) waitForAction(t *testing.T, action audit.Action) audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := f.store.Query(context.Background(), audit.Filter{})
		for _, ev := range events {
			if ev.Action == action {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s audit event recorded", action)
	return audit.Event{}
}

const userBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"summarize the planning notes"}]}`

func TestProxyRejectsMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unauthenticated request reached upstream")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestProxyAuthViaBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.plaintext)
	w := f.post(t, "/v1/chat/completions", userBody, h)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestProxyRejectsUnknownPath(t *testing.T) {
	f := newFixture(t, "http://unused.invalid", true)
	w := f.post(t, "/admin/keys", "{}", f.authedHeader())
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestProxyBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized request reached upstream")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	big := strings.Repeat("a", maxBodyBytes+1)
	w := f.post(t, "/v1/chat/completions", big, f.authedHeader())
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestProxyRoutesMessagesToAnthropic(t *testing.T) {
	var gotPath string
	var gotScanID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotScanID = r.Header.Get(upstream.HeaderScanID)
		w.Write([]byte(`{"content":[{"type":"text","text":"bonjour"}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`
	w := f.post(t, "/v1/messages", body, f.authedHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotPath != "/v1/messages" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotScanID == "" {
		t.Error("scan id header not forwarded upstream")
	}
}

func TestProxyBlocksCredentialRequest(t *testing.T) {
	upstreamHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	secret := "sk-proj-" + strings.Repeat("A", 60)
	body := `{"messages":[{"role":"user","content":"use this key: ` + secret + `"}]}`
	w := f.post(t, "/v1/chat/completions", body, f.authedHeader())

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if upstreamHit {
		t.Error("blocked request reached upstream")
	}
	out := w.Body.String()
	if !strings.Contains(out, `"code":"ongarde_block"`) || !strings.Contains(out, scan.RuleIDCredential) {
		t.Errorf("block body = %s", out)
	}
	if strings.Contains(out, secret) {
		t.Error("block body leaked the credential")
	}
	if w.Header().Get(upstream.HeaderScanID) == "" {
		t.Error("missing scan id header on block response")
	}

	ev := f.waitForAction(t, audit.ActionBlock)
	if ev.Direction != audit.DirectionRequest || ev.Upstream != "openai" {
		t.Errorf("block event = %+v", ev)
	}
}

func TestProxyBufferedResponsePassesBytesThrough(t *testing.T) {
	const respBody = `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"the plan looks fine"}}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ratelimit-Remaining-Requests", "99")
		w.Write([]byte(respBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != respBody {
		t.Errorf("body altered on pass: %s", w.Body.String())
	}
	if w.Header().Get("X-Ratelimit-Remaining-Requests") != "99" {
		t.Error("rate-limit header not forwarded")
	}
	if w.Header().Get(upstream.HeaderScanID) == "" {
		t.Error("missing scan id header")
	}
}

func TestProxyBuffersAndBlocksResponse(t *testing.T) {
	secret := "sk-proj-" + strings.Repeat("B", 60)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"your key is ` + secret + `"}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if strings.Contains(w.Body.String(), secret) {
		t.Error("response block leaked the credential")
	}

	ev := f.waitForAction(t, audit.ActionBlock)
	if ev.Direction != audit.DirectionResponse {
		t.Errorf("block direction = %s, want RESPONSE", ev.Direction)
	}
}

func TestProxyBlocksUnknownShapeResponse(t *testing.T) {
	// A reply outside the two known provider shapes is scanned whole;
	// the PII in it must still block.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "contact me at jane.doe@example.com or 555-123-4567"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !strings.Contains(out, `"code":"ongarde_block"`) {
		t.Errorf("block body = %s", out)
	}
	if strings.Contains(out, "jane.doe@example.com") || strings.Contains(out, "555-123-4567") {
		t.Error("block body leaked the PII")
	}
	if w.Header().Get(upstream.HeaderScanID) == "" {
		t.Error("missing scan id header on block response")
	}

	ev := f.waitForAction(t, audit.ActionBlock)
	if ev.Direction != audit.DirectionResponse {
		t.Errorf("block direction = %s, want RESPONSE", ev.Direction)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newFixture(t, url, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), url) {
		t.Error("502 body leaked the upstream address")
	}
}

func TestProxyStreamingAbort(t *testing.T) {
	secret := "sk-proj-" + strings.Repeat("C", 60)
	filler := strings.Repeat("x", 520)
	frames := []string{
		`data: {"choices":[{"delta":{"content":"intro text"}}]}`,
		`data: {"choices":[{"delta":{"content":"key ` + secret + `"}}]}`,
		`data: {"choices":[{"delta":{"content":"` + filler + `"}}]}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame+"\n\n")
			fl.Flush()
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	out := w.Body.String()

	if !strings.Contains(out, "event: ongarde_block") {
		t.Fatalf("missing abort frame: %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Error("missing [DONE] before the abort frame")
	}
	// The filler frame fills the window and triggers the block; it must
	// have been withheld. Earlier frames are the documented bounded leak.
	if strings.Contains(out, filler) {
		t.Error("frame that triggered the block was forwarded")
	}
	if !strings.Contains(out, "intro text") {
		t.Error("pre-block frames should have been forwarded")
	}

	ev := f.waitForAction(t, audit.ActionBlock)
	if !ev.WasStreaming || ev.Direction != audit.DirectionResponse {
		t.Errorf("stream block event = %+v", ev)
	}
	if ev.TokensDelivered == 0 {
		t.Error("tokens_delivered missing on stream abort event")
	}
}

func TestProxyStreamingCleanPassThrough(t *testing.T) {
	frames := "data: {\"choices\":[{\"delta\":{\"content\":\"all clear\"}}]}\n\ndata: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, frames)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	w := f.post(t, "/v1/chat/completions", userBody, f.authedHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != frames {
		t.Errorf("stream altered on pass:\n%q\nwant\n%q", w.Body.String(), frames)
	}
	if strings.Contains(w.Body.String(), "ongarde_block") {
		t.Error("clean stream must not carry an abort frame")
	}
}

func TestProxyAuthDisabledBypassesKeyCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	w := f.post(t, "/v1/chat/completions", userBody, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", w.Code)
	}
}

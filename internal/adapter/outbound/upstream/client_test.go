package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// testClient disables the SSRF dialer so the httptest loopback server
// is reachable.
func testClient(t *testing.T, targets map[string]string) *Client {
	t.Helper()
	c, err := NewClient(targets, WithHTTPClient(&http.Client{}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestDoForwardsMethodPathAndBody(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody, gotScanID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotScanID = r.Header.Get(HeaderScanID)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, map[string]string{ProviderOpenAI: srv.URL})
	resp, err := c.Do(context.Background(), ProviderOpenAI,
		http.MethodPost, "/v1/chat/completions", "stream=true",
		http.Header{"Content-Type": {"application/json"}},
		strings.NewReader(`{"model":"gpt-4o"}`), "scan-42")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if gotMethod != http.MethodPost || gotPath != "/v1/chat/completions" || gotQuery != "stream=true" {
		t.Errorf("forwarded %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotBody != `{"model":"gpt-4o"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotScanID != "scan-42" {
		t.Errorf("scan id = %q", gotScanID)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDoUnknownProvider(t *testing.T) {
	c := testClient(t, map[string]string{ProviderOpenAI: "https://api.openai.com"})
	_, err := c.Do(context.Background(), "mistral", http.MethodPost, "/v1/chat/completions", "", nil, nil, "scan-1")
	if err == nil || !strings.Contains(err.Error(), "unknown upstream provider") {
		t.Errorf("err = %v, want unknown provider", err)
	}
}

func TestDoPreservesBaseURLPrefix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	// A base URL with a path prefix (Azure-style deployments).
	c := testClient(t, map[string]string{ProviderOpenAI: srv.URL + "/proxy/"})
	resp, err := c.Do(context.Background(), ProviderOpenAI, http.MethodPost, "/v1/chat/completions", "", nil, nil, "scan-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotPath != "/proxy/v1/chat/completions" {
		t.Errorf("path = %q, want /proxy/v1/chat/completions", gotPath)
	}
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	if _, err := NewClient(map[string]string{ProviderOpenAI: "://bad"}); err == nil {
		t.Fatal("expected error for invalid base URL")
	}
}

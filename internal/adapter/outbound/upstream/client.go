// Package upstream forwards proxied traffic to the configured LLM
// providers over a bounded, SSRF-safe connection pool.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ongarde/ongarde/internal/domain/ssrf"
)

// Provider names match the keys of the upstream config map.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	// poolSize bounds idle and total upstream connections. It matches
	// the listener's concurrency cap so an accepted request can always
	// hold one upstream connection.
	poolSize = 100

	requestTimeout  = 30 * time.Second
	idleConnTimeout = 90 * time.Second
)

// Provider is a resolved upstream target.
type Provider struct {
	Name    string
	BaseURL *url.URL

	// APIKey is the configured provider credential, read from the
	// provider's conventional environment variable. Empty means the
	// client's own credential passes through.
	APIKey string
}

// Client dispatches requests to the configured providers.
type Client struct {
	providers map[string]Provider
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client. Tests use this to
// drop the SSRF dialer when the fake upstream listens on a test port.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient builds a client from the provider→base-URL map. Base URLs
// are assumed to be SSRF-validated at config load; the dialer re-checks
// every connection, which also covers DNS rebinding.
func NewClient(targets map[string]string, opts ...Option) (*Client, error) {
	c := &Client{
		providers: make(map[string]Provider, len(targets)),
		http: &http.Client{
			Timeout: requestTimeout,
			// Redirects pass through to the caller untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext:         ssrf.SafeDialContext(),
				MaxIdleConns:        poolSize,
				MaxIdleConnsPerHost: poolSize,
				MaxConnsPerHost:     poolSize,
				IdleConnTimeout:     idleConnTimeout,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}

	for name, raw := range targets {
		base, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: invalid base URL %q: %w", name, raw, err)
		}
		c.providers[name] = Provider{
			Name:    name,
			BaseURL: base,
			APIKey:  providerKeyFromEnv(name),
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// providerKeyFromEnv reads the conventional credential variable for a
// provider. Unknown providers have no conventional variable.
func providerKeyFromEnv(name string) string {
	switch name {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

// Provider resolves a provider by name.
func (c *Client) Provider(name string) (Provider, bool) {
	p, ok := c.providers[name]
	return p, ok
}

// Do forwards a request to the named provider, preserving method, path,
// query, and body. The caller owns the returned response body.
func (c *Client) Do(ctx context.Context, providerName, method, path, rawQuery string, header http.Header, body io.Reader, scanID string) (*http.Response, error) {
	p, ok := c.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown upstream provider %q", providerName)
	}

	target := *p.BaseURL
	target.Path = joinPath(p.BaseURL.Path, path)
	target.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = ForwardRequestHeaders(header, p, scanID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", providerName, err)
	}
	return resp, nil
}

// CloseIdleConnections drains the pool. Called on shutdown.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

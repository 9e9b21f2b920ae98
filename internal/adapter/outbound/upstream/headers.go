package upstream

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and must never be forwarded in
// either direction. Host and Content-Length are owned by net/http.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

// HeaderScanID is the response header carrying the request's scan id.
const HeaderScanID = "X-OnGarde-Scan-Id"

// HeaderKey is the proxy's own auth header; it never leaves the proxy.
const HeaderKey = "X-OnGarde-Key"

// keyPrefix marks proxy API keys inside an Authorization bearer value.
const keyPrefix = "ong-"

// ForwardRequestHeaders builds the outbound header set for an upstream
// request. Hop-by-hop headers and the proxy's own auth material are
// stripped; a provider credential, when configured, replaces whatever
// authorization the client sent. A client bearer token that is not a
// proxy key passes through untouched so callers can bring their own
// provider key.
func ForwardRequestHeaders(in http.Header, provider Provider, scanID string) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if _, drop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		if http.CanonicalHeaderKey(name) == HeaderKey {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}

	if isProxyBearer(out.Get("Authorization")) {
		out.Del("Authorization")
	}
	if isProxyKey(out.Get("X-Api-Key")) {
		out.Del("X-Api-Key")
	}

	if provider.APIKey != "" {
		switch provider.Name {
		case ProviderAnthropic:
			out.Del("Authorization")
			out.Set("X-Api-Key", provider.APIKey)
		default:
			out.Del("X-Api-Key")
			out.Set("Authorization", "Bearer "+provider.APIKey)
		}
	}

	out.Set(HeaderScanID, scanID)
	return out
}

// ForwardResponseHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers. Rate-limit and request-id headers pass
// through so SDK backoff logic keeps working behind the proxy.
func ForwardResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, drop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// isProxyBearer reports whether an Authorization value carries a proxy
// API key rather than a provider credential.
func isProxyBearer(auth string) bool {
	const bearer = "bearer "
	if len(auth) < len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
		return false
	}
	return isProxyKey(strings.TrimSpace(auth[len(bearer):]))
}

func isProxyKey(v string) bool {
	return strings.HasPrefix(v, keyPrefix)
}

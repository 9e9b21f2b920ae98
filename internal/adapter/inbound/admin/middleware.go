package admin

import (
	"net"
	"net/http"
)

// isLoopback checks the immediate peer address against 127.0.0.1, ::1,
// and localhost. X-Forwarded-For and similar headers are intentionally
// ignored: a proxy-forwarded request is by definition not local.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// loopbackOnly rejects non-local callers with 403 regardless of any
// credentials they present. Remote dashboard access goes through an SSH
// tunnel or not at all.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r) {
			respondError(w, http.StatusForbidden, "dashboard requires loopback access")
			return
		}
		next.ServeHTTP(w, r)
	})
}

package admin

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Key-management rate limit: 20 requests per minute per source IP.
const (
	rateLimitMax    = 20
	rateLimitWindow = time.Minute
)

type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window per-IP limiter for the key-management
// endpoints. Expired entries are cleaned up lazily on each check.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	max     int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*rateLimitEntry),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// allow reports whether the IP may proceed, and the Retry-After seconds
// when it may not.
func (rl *rateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, e := range rl.entries {
		if now.After(e.resetAt) {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[ip]
	if !ok || now.After(entry.resetAt) {
		rl.entries[ip] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.max {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	entry.count++
	return true, 0
}

// limit wraps a handler with the per-IP limiter. Loopback callers are
// NOT exempt: the dashboard is loopback-only, so an exemption would
// disable the limiter entirely.
func (rl *rateLimiter) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		allowed, retryAfter := rl.allow(ip)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

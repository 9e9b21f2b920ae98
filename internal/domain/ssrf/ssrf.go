// Package ssrf validates upstream addresses against private and metadata
// IP ranges. It is shared by the config loader (load-time URL validation)
// and the upstream HTTP client (connection-time dial validation), and has
// no dependencies on other internal packages.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// forbiddenNetworks contains CIDR ranges that upstream traffic must never
// reach. Loopback is intentionally absent: local LLM runtimes (Ollama,
// llama.cpp) are a supported upstream target.
var forbiddenNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // Link-local (AWS/GCP metadata at 169.254.169.254)
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in forbiddenNetworks: " + cidr)
		}
		forbiddenNetworks = append(forbiddenNetworks, network)
	}
}

// IsForbiddenIP reports whether an IP falls within a blocked range.
func IsForbiddenIP(ip net.IP) bool {
	for _, network := range forbiddenNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL checks an upstream base URL at config-load time. Only http
// and https schemes are accepted. A literal IP host is checked directly;
// hostnames are resolved and every resolved address must be allowed.
// Loopback hosts pass.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream URL %q: scheme must be http or https", rawURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("upstream URL %q: missing host", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsForbiddenIP(ip) {
			return fmt.Errorf("upstream URL %q resolves to forbidden range %s", rawURL, ip)
		}
		return nil
	}
	if host == "localhost" {
		return nil
	}

	// Best-effort resolution at load time; the dialer re-checks at
	// connection time, which also covers DNS rebinding.
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now is not a config error (offline start).
		return nil
	}
	for _, ip := range ips {
		if IsForbiddenIP(ip) {
			return fmt.Errorf("upstream URL %q resolves to forbidden range %s", rawURL, ip)
		}
	}
	return nil
}

// SafeDialContext returns a DialContext that blocks connections to
// forbidden IP ranges. The check happens after DNS resolution and the
// connection is pinned to the first resolved address, which prevents
// rebinding between check and connect.
func SafeDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
		}

		// Literal IPs skip resolution.
		if ip := net.ParseIP(host); ip != nil {
			if IsForbiddenIP(ip) {
				return nil, fmt.Errorf("ssrf: blocked connection to forbidden IP %s", ip)
			}
			return dialer.DialContext(ctx, network, addr)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("ssrf: DNS resolution failed for %q: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("ssrf: no IPs resolved for %q", host)
		}

		// Block if ANY resolved address is forbidden.
		for _, ip := range ips {
			if IsForbiddenIP(ip.IP) {
				return nil, fmt.Errorf("ssrf: blocked connection to forbidden IP %s (resolved from %s)", ip.IP, host)
			}
		}

		pinnedAddr := net.JoinHostPort(ips[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinnedAddr)
	}
}

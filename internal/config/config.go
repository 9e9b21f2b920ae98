// Package config provides configuration types and loading for OnGarde.
//
// Configuration is read from a YAML file plus a small set of ONGARDE_*
// environment variables. The loaded Config is immutable: changing it
// requires a restart. Upstream URLs are SSRF-validated at load time so a
// bad config fails startup instead of failing the first request.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// Default listener and audit settings. The port is deliberately high and
// unregistered; the host defaults to loopback so the proxy is never
// network-reachable without an explicit opt-in.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 4242
	DefaultRetentionDays = 90

	// MaxConnections bounds both the listener concurrency and the
	// upstream connection pool. The two must match: every accepted
	// request may hold one upstream connection.
	MaxConnections = 100
)

// Config is the top-level OnGarde configuration.
type Config struct {
	// Version is the config schema version. Required; only 1 is known.
	Version int `yaml:"version" mapstructure:"version" validate:"required,eq=1"`

	// Upstream maps provider name to base URL.
	// Known providers: "openai", "anthropic".
	Upstream map[string]string `yaml:"upstream" mapstructure:"upstream" validate:"omitempty,dive,url"`

	// Proxy configures the HTTP listener.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Scanner configures the scan pipeline.
	Scanner ScannerConfig `yaml:"scanner" mapstructure:"scanner"`

	// Audit configures the local audit store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// StrictMode is reserved. When true a warning is logged at startup;
	// it has no other effect.
	StrictMode bool `yaml:"strict_mode" mapstructure:"strict_mode"`

	// AuthRequired controls API-key enforcement on the proxy path.
	// Defaults to true; override with ONGARDE_AUTH_REQUIRED=false for
	// local development only.
	AuthRequired bool `yaml:"auth_required" mapstructure:"auth_required"`

	// Debug exposes schema docs endpoints when true.
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// ProxyConfig configures the HTTP listener.
type ProxyConfig struct {
	// Host is the listen address. Defaults to 127.0.0.1. Binding to
	// 0.0.0.0 is allowed but logs a warning: the dashboard trust model
	// assumes a loopback-only listener.
	Host string `yaml:"host" mapstructure:"host" validate:"omitempty,ip|hostname"`

	// Port is the listen port. Defaults to 4242. ONGARDE_PORT overrides.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// ScannerConfig configures the scan pipeline.
type ScannerConfig struct {
	// Mode selects "full" (regex + NLP entity scanning) or "lite"
	// (regex only). Defaults to "full".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=full lite"`
}

// AuditConfig configures the local audit store.
type AuditConfig struct {
	// Path is the SQLite database location. Defaults to
	// <home>/audit.db under the OnGarde state directory.
	Path string `yaml:"path" mapstructure:"path"`

	// RetentionDays is how long audit events are kept. Defaults to 90.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

// Home returns the OnGarde state directory: $ONGARDE_HOME if set,
// otherwise ~/.ongarde. The directory is created with 0700 permissions.
func Home() (string, error) {
	if h := os.Getenv("ONGARDE_HOME"); h != "" {
		if err := os.MkdirAll(h, 0o700); err != nil {
			return "", fmt.Errorf("create state dir %s: %w", h, err)
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".ongarde")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return dir, nil
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Upstream == nil {
		c.Upstream = map[string]string{}
	}
	if _, ok := c.Upstream["openai"]; !ok {
		c.Upstream["openai"] = "https://api.openai.com"
	}
	if _, ok := c.Upstream["anthropic"]; !ok {
		c.Upstream["anthropic"] = "https://api.anthropic.com"
	}
	if c.Proxy.Host == "" {
		c.Proxy.Host = DefaultHost
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = DefaultPort
	}
	if c.Scanner.Mode == "" {
		c.Scanner.Mode = "full"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = DefaultRetentionDays
	}
	if c.Audit.Path == "" {
		if home, err := Home(); err == nil {
			c.Audit.Path = filepath.Join(home, "audit.db")
		}
	}
}

// Validate checks the configuration, including SSRF validation of every
// upstream URL. Returns an error describing the first problem found.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for provider, rawURL := range c.Upstream {
		if err := ValidateUpstreamURL(rawURL); err != nil {
			return fmt.Errorf("upstream %q: %w", provider, err)
		}
	}
	return nil
}

// LogWarnings emits startup warnings for configurations that are legal
// but deserve operator attention.
func (c *Config) LogWarnings(logger *slog.Logger) {
	if c.Proxy.Host == "0.0.0.0" || c.Proxy.Host == "::" {
		logger.Warn("proxy bound to all interfaces; dashboard endpoints remain loopback-only but the proxy itself is network-reachable",
			"host", c.Proxy.Host)
	}
	if c.StrictMode {
		logger.Warn("strict_mode is reserved and has no effect in this release")
	}
	if !c.AuthRequired {
		logger.Warn("API key authentication is DISABLED; do not run this way outside local development")
	}
}

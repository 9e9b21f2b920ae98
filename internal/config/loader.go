package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/ongarde/ongarde/internal/domain/ssrf"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, the search order is:
//
//  1. $ONGARDE_CONFIG
//  2. ./.ongarde/config.yaml
//  3. ~/.ongarde/config.yaml
//
// The explicit .yaml requirement avoids Viper matching unrelated files.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = os.Getenv("ONGARDE_CONFIG")
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ONGARDE_PROXY_PORT etc.
	viper.SetEnvPrefix("ONGARDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for .ongarde/config.yaml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	dirs := []string{
		filepath.Join(".", ".ongarde"),
		filepath.Join(home, ".ongarde"),
	}
	if h := os.Getenv("ONGARDE_HOME"); h != "" {
		dirs = append([]string{h}, dirs...)
	}
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "config"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: ONGARDE_PROXY_HOST overrides proxy.host.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("proxy.host")
	_ = viper.BindEnv("proxy.port")
	_ = viper.BindEnv("scanner.mode")
	_ = viper.BindEnv("audit.path")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("strict_mode")
	_ = viper.BindEnv("debug")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result (including upstream SSRF checks).
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars and defaults.
	}

	cfg := Config{AuthRequired: true}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A missing config file means Version was never set; default it so
	// zero-config startup works with built-in upstreams.
	if viper.ConfigFileUsed() == "" && cfg.Version == 0 {
		cfg.Version = 1
	}

	applyEnvOverrides(&cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides handles the flat legacy environment variables that
// predate the nested viper keys. ONGARDE_PORT wins over proxy.port and
// ONGARDE_AUTH_REQUIRED=false disables key enforcement.
func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ONGARDE_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			cfg.Proxy.Port = port
		}
	}
	if raw := os.Getenv("ONGARDE_AUTH_REQUIRED"); raw != "" {
		cfg.AuthRequired = strings.EqualFold(raw, "true")
	}
	if os.Getenv("DEBUG") != "" {
		cfg.Debug = true
	}
}

// ValidateUpstreamURL rejects upstream URLs that resolve to private or
// metadata address ranges. Loopback is permitted to support local LLM
// runtimes (Ollama, llama.cpp and friends).
func ValidateUpstreamURL(rawURL string) error {
	return ssrf.ValidateURL(rawURL)
}

// ConfigFileUsed returns the path of the loaded config file, or "" when
// running on env vars and defaults only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

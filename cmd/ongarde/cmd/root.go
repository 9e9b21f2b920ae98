// Package cmd provides the CLI commands for OnGarde.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ongarde/ongarde/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ongarde",
	Short: "OnGarde - local LLM security proxy",
	Long: `OnGarde is a self-hosted security proxy that sits between local AI
agents and OpenAI- or Anthropic-compatible APIs.

Every request and response passes through a scan pipeline that blocks
credential leaks, prompt injection, dangerous content, and PII before
traffic leaves the machine. Blocked requests never reach the upstream.

Quick start:
  1. Run: ongarde start
  2. Point your agent at http://127.0.0.1:4242/v1
  3. Create an API key: POST /dashboard/api/keys (first key needs no auth)

Configuration:
  Config is loaded from .ongarde/config.yaml in the current directory
  or $HOME/.ongarde/, overridable with --config or $ONGARDE_CONFIG.

  Environment variables override config values with the ONGARDE_ prefix.
  Example: ONGARDE_PORT=9090

Commands:
  start       Start the proxy in the foreground
  stop        Stop the running proxy
  hash-key    Generate an argon2id hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./.ongarde/config.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ongarde/ongarde/internal/adapter/inbound/admin"
	"github.com/ongarde/ongarde/internal/adapter/inbound/http"
	"github.com/ongarde/ongarde/internal/adapter/inbound/proxy"
	"github.com/ongarde/ongarde/internal/adapter/outbound/auditstore"
	"github.com/ongarde/ongarde/internal/adapter/outbound/keystore"
	"github.com/ongarde/ongarde/internal/adapter/outbound/upstream"
	"github.com/ongarde/ongarde/internal/config"
	"github.com/ongarde/ongarde/internal/domain/entity"
	"github.com/ongarde/ongarde/internal/domain/key"
	"github.com/ongarde/ongarde/internal/domain/scan"
	"github.com/ongarde/ongarde/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy in the foreground",
	Long: `Start the OnGarde proxy server.

The proxy listens on a single port (default 127.0.0.1:4242) and serves
the OpenAI-compatible surface under /v1/, the Anthropic messages
endpoint at /v1/messages, the dashboard API under /dashboard/, and
health/metrics endpoints.

Examples:
  # Start with defaults (loopback, port 4242)
  ongarde start

  # Start on a different port
  ONGARDE_PORT=9090 ongarde start

  # Start with a specific config file
  ongarde --config /path/to/config.yaml start`,
	RunE: runStart,
}

var debugMode bool

func init() {
	startCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug mode (verbose logging, /docs endpoint)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debugMode {
		cfg.Debug = true
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	cfg.LogWarnings(logger)

	// Write PID file so "ongarde stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("ongarde stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	home, err := config.Home()
	if err != nil {
		return err
	}

	// ===== Stores =====
	auditStore, err := auditstore.Open(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	keyStore, err := keystore.Open(filepath.Join(home, "keys.db"), logger)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer func() { _ = keyStore.Close() }()

	auditSvc := service.NewAuditService(auditStore, logger)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	// Retention pruner runs daily at 03:00 UTC.
	go auditstore.RunPruner(ctx, auditStore, cfg.Audit.RetentionDays, logger)

	// ===== Scan pipeline =====
	engine := scan.NewEngine()
	var analyzer *entity.Analyzer
	cal := service.LiteCalibration()
	if cfg.Scanner.Mode == "full" {
		analyzer = entity.NewAnalyzer()
		cal = service.Calibrate(ctx, analyzer, logger)
	}
	logger.Info("scanner ready",
		"mode", cfg.Scanner.Mode,
		"rules", engine.RuleCount(),
		"calibration_tier", cal.Tier,
		"scan_timeout", cal.Timeout,
	)

	allowlist := service.NewAllowlist(filepath.Join(home, "allowlist.yaml"), logger)
	entries, err := allowlist.Load()
	if err != nil {
		logger.Warn("allowlist load failed, starting with empty set", "error", err)
	} else {
		logger.Info("allowlist loaded", "entries", entries)
	}
	go func() {
		if err := allowlist.Watch(ctx.Done()); err != nil {
			logger.Warn("allowlist watcher unavailable, hot reload disabled", "error", err)
		}
	}()

	reg := http.NewRegistry()
	counters := service.NewCounters(reg)
	scans := service.NewScanService(engine, analyzer, allowlist, auditSvc, counters, cal, logger)

	// ===== Keys and upstream =====
	keys := key.NewService(keyStore, auditSvc, logger)

	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("configure upstream client: %w", err)
	}
	defer client.CloseIdleConnections()

	// ===== Inbound surface =====
	proxyHandler := proxy.NewHandler(scans, keys, client, counters, cfg.AuthRequired, logger)
	adminHandler := admin.NewHandler(keys, auditStore, counters, allowlist, scans, logger)
	health := http.NewHealthHandler(engine, analyzer, scans, counters, auditSvc, keys, deploymentMode())

	addr := net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port))
	server := http.NewServer(
		proxyHandler,
		adminHandler.Routes(),
		health,
		reg,
		http.WithAddr(addr),
		http.WithLogger(logger),
		http.WithDebug(cfg.Debug),
	)

	logger.Info("ongarde starting",
		"version", Version,
		"addr", addr,
		"scanner_mode", cfg.Scanner.Mode,
		"auth_required", cfg.AuthRequired,
		"retention_days", cfg.Audit.RetentionDays,
	)
	printBanner(Version, addr, cfg.Scanner.Mode, cfg.AuthRequired, engine.RuleCount())

	health.SetReady()
	return server.Start(ctx)
}

// deploymentMode reports the install flavor shown on /health.
func deploymentMode() string {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return "container"
		}
	}
	return "local"
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, mode, and rule count.
func printBanner(version, addr, scannerMode string, authRequired bool, ruleCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	proxyURL := fmt.Sprintf("http://%s/v1", host)
	dashURL := fmt.Sprintf("http://%s/dashboard/api/status", host)

	authStr := green + "required" + reset
	if !authRequired {
		authStr = yellow + "disabled" + reset + dim + " (local development only)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s OnGarde %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Dashboard:", dashURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Scanner:", scannerMode)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Auth:", authStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d active\n", "Rules:", ruleCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

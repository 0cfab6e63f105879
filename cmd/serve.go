package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/internal/engine"
	"github.com/CosmoTheDev/webscan-engine/internal/gateway"
)

var servePort int
var serveLogDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webscan gateway daemon",
	Long: `Starts the webscan gateway: a long-running daemon that wraps the scan
engine in a REST + SSE control plane.

The gateway listens on localhost (default: http://127.0.0.1:6090) so
you can:

  • Trigger scans and watch their progress in real time
  • Stream live scan events via GET /events (Server-Sent Events)
  • Browse archived scans and per-origin finding lifecycles
  • Create cron schedules that run scans automatically
  • Receive notifications (Slack, Telegram, email, webhook, issues)

Example schedules:
  "0 2 * * *"   — every night at 02:00
  "@every 6h"   — every 6 hours
  "@daily"      — once per day at midnight

Quick API reference:
  GET    /health                       liveness + heartbeat status
  POST   /api/scans                    start a scan (body: {"target":"..."})
  GET    /api/scans                    list live + archived scans
  GET    /api/scans/{id}               scan status snapshot
  GET    /api/scans/{id}/results       consolidated findings
  DELETE /api/scans/{id}               cancel a running scan
  GET    /api/scanners                 list registered scanners
  GET    /api/profiles                 list scan profiles
  GET    /api/lifecycles?origin=...    finding lifecycle per origin
  GET    /api/schedules                list cron schedules
  POST   /api/schedules                create a schedule
  PUT    /api/schedules/{id}           update a schedule
  DELETE /api/schedules/{id}           delete a schedule
  POST   /api/schedules/{id}/run       run a schedule immediately
  GET    /events?scan_id=...           SSE stream of scan events
  GET    /metrics                      Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (default 6090, overrides config)")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "logs",
		"directory to write gateway logs for later inspection")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logFilePath, closeLog, err := setupServeFileLogger(serveLogDir)
	if err != nil {
		return fmt.Errorf("initialising gateway logger: %w", err)
	}
	defer closeLog()

	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 6090
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	eng := engine.New(cfg, slog.Default())

	fmt.Printf("webscan gateway starting\n")
	fmt.Printf("  API      : http://127.0.0.1:%d\n", cfg.Gateway.Port)
	fmt.Printf("  Events   : http://127.0.0.1:%d/events\n", cfg.Gateway.Port)
	fmt.Printf("  Metrics  : http://127.0.0.1:%d/metrics\n", cfg.Gateway.Port)
	fmt.Printf("  Database : %s\n", cfg.Database.Driver)
	fmt.Printf("  Logs     : %s\n\n", logFilePath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	slog.Info("gateway logger initialised", "file", logFilePath)
	gw := gateway.New(cfg, db, eng)
	return gw.Start(ctx)
}

func setupServeFileLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "gateway.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}

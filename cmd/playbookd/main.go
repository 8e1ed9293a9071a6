// Command playbookd runs the SOAR playbook execution engine: webhook
// ingress, the execution engine with its worker pool, approval
// workflows, SLA tracking, and the management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marlinsec/playbookd/internal/controlplane/config"
	"github.com/marlinsec/playbookd/internal/controlplane/playbooks"
	"github.com/marlinsec/playbookd/internal/controlplane/server"
	"github.com/marlinsec/playbookd/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the JSON config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("playbookd %s (commit %s, built %s)\n", server.Version, server.Commit, server.Date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "playbookd: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "playbookd: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("playbookd exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, server.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	// Seed playbooks dropped into the data dir before first start.
	seedDir := filepath.Join(cfg.DataDir, "playbooks.d")
	if _, err := os.Stat(seedDir); err == nil {
		loaded, err := playbooks.LoadSeedDir(srv.PlaybookStore(), seedDir, logger)
		if err != nil {
			logger.Warn("seed load incomplete", zap.Error(err))
		}
		if loaded > 0 {
			logger.Info("seeded playbooks", zap.Int("count", loaded))
		}
	}

	return srv.Run(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

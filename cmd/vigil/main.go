// Vigil is a home security and automation controller. It watches
// entity state from Home Assistant, zigbee2mqtt, Frigate and Z-Wave JS,
// runs persisted rules over every change, and drives the alarm state
// machine and notification channels with the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hearthside-labs/vigil/internal/config"
	"github.com/hearthside-labs/vigil/internal/server"
	"github.com/hearthside-labs/vigil/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vigil %s (commit %s, built %s)\n", server.Version, server.Commit, server.Date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, server.Version)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("server init", zap.Error(err))
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildLogger maps the configured level onto a production zap logger.
// Unknown levels fall back to info.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

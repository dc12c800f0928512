// Package main implements the bridge daemon: it subscribes to Nostr
// relays for encrypted events from a trusted publisher and forwards
// derived entity state to Home Assistant.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/IanDowney11/NOSTR-HA-Bridge/config"
	"github.com/IanDowney11/NOSTR-HA-Bridge/metric"
	"github.com/IanDowney11/NOSTR-HA-Bridge/service"
)

const (
	Version = "1.0.0"
	appName = "nostr-ha-bridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	// CLI/env settings take precedence over the options file
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.MetricsPort != 0 {
		cfg.MetricsPort = cliCfg.MetricsPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting bridge",
		"config_path", cliCfg.ConfigPath,
		"relays", len(cfg.Relays),
		"poll_interval_s", cfg.PollInterval)

	registry := metric.NewRegistry()
	bridge, err := service.New(cfg, registry, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = startMetricsServer(cfg.MetricsPort, registry, logger)
		defer shutdownMetricsServer(metricsServer, cliCfg.ShutdownTimeout, logger)
	}

	err = bridge.Run(ctx)
	logger.Info("bridge stopped")
	return err
}

func startMetricsServer(port int, registry *metric.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetricsServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
}

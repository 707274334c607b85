// Package main is the entry point for ccc-server, a local job service the
// remote engine can talk to. Jobs run as local processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"computecannon/internal/config"
	"computecannon/internal/devserver"
	"computecannon/internal/logger"
	"computecannon/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	addr := flag.String("addr", "", "Listen address (overrides server_addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "ccc-server", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "ccc-server")
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	srv, err := devserver.New(devserver.Config{
		Addr:      cfg.ServerAddr,
		WorkRoot:  cfg.ServerWorkRoot,
		RateLimit: cfg.ServerRateLimit,
		RateBurst: cfg.ServerRateBurst,
		Metrics:   metricsHandler,
		Logger:    log,
	})
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Observed only when scraped
	meter := otel.Meter("ccc-server")
	_, err = meter.Int64ObservableGauge("ccc.server.jobs",
		metric.WithDescription("Jobs known to the service"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(srv.Len()))
			return nil
		}),
	)
	if err != nil {
		log.Warn("failed to register job gauge", "error", err)
	}

	log.Info("ccc-server starting", "addr", cfg.ServerAddr, "work_root", srv.WorkRoot())
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server exited properly")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/relay/internal/config"
	"github.com/lsm/relay/internal/flow"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFlag   = flag.String("config-dir", "", "Directory of flow definitions. Can also be set via RELAY_CONFIG_DIR.")
		metricsFlag  = flag.String("metrics-addr", "", "Metrics and health listen address. Can also be set via RELAY_METRICS_ADDR.")
		logLevelFlag = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via RELAY_LOG_LEVEL env var.")
	)
	flag.Parse()

	level := observability.GetLogLevel(*logLevelFlag)
	logger := observability.NewLogger("relay", level)
	slog.SetDefault(logger)

	configDir := firstNonEmpty(*configFlag, os.Getenv("RELAY_CONFIG_DIR"), "/etc/relay/flows")
	metricsAddr := firstNonEmpty(*metricsFlag, os.Getenv("RELAY_METRICS_ADDR"), ":9090")

	loader := config.NewLoader(configDir, logger)
	flows, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(flows) == 0 {
		return fmt.Errorf("no flow definitions found in %s", configDir)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("relay"), logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := flow.NewManager(ctx, flow.Deps{
		Logger:  logger,
		Metrics: metrics,
		Health:  health,
		Tracer:  tracer,
	})
	if err := manager.Apply(flows); err != nil {
		logger.Error("some flows failed to start", "error", err)
	}
	if len(manager.Names()) == 0 {
		_ = httpServer.Close()
		return errors.New("no flow could be started")
	}

	loader.OnChange(func(defs map[string]*config.FlowDefinition) {
		logger.Info("flow definitions changed", "flows", len(defs))
		if err := manager.Apply(defs); err != nil {
			logger.Error("failed to apply flow definitions", "error", err)
		}
	})
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := manager.Shutdown(); err != nil {
		logger.Error("flow shutdown error", "error", err)
		errs = append(errs, err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

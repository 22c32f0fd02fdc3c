// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-event-bus/internal/admin"
	"github.com/flyingrobots/cognitive-event-bus/internal/cognitive"
	"github.com/flyingrobots/cognitive-event-bus/internal/config"
	"github.com/flyingrobots/cognitive-event-bus/internal/events"
	"github.com/flyingrobots/cognitive-event-bus/internal/obs"
	"github.com/flyingrobots/cognitive-event-bus/internal/schema"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zlog, err := obs.NewZapLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	logger := obs.NewEventsLogger(zlog)
	metrics := obs.NewPrometheusMetrics()

	tp, err := obs.MaybeInitTracing(obs.TracingConfig(cfg.Observability.Tracing))
	if err != nil {
		zlog.Warn("tracing init failed, continuing without it", obs.Err(err))
	}
	var tracer events.Tracer
	if tp != nil {
		tracer = obs.NewOTelTracer("eventbusd")
		defer tp.Shutdown(context.Background())
	}

	schemaProvider, err := schema.New(cfg.Schema.Dir, cfg.Schema.Strict)
	if err != nil {
		zlog.Fatal("failed to load schemas", obs.Err(err))
	}

	bus, err := events.NewEventBus(events.BusConfig{
		Persistence: cfg.Persistence,
		Dispatcher:  cfg.Dispatcher,
	}, schemaProvider, logger, metrics, tracer)
	if err != nil {
		zlog.Fatal("failed to construct event bus", obs.Err(err))
	}

	router := cognitive.NewDispatcher(cfg.CognitiveRouting, logger, metrics)
	backpressure := cognitive.NewController(cfg.Backpressure, logger, metrics)
	dlq := cognitive.NewManager(cfg.DLQ, bus.Persistence(), logger, metrics)
	groups := cognitive.NewGroupManager(logger, metrics)
	groups.RegisterGroup("default", cfg.ConsumerGroup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		zlog.Fatal("failed to start event bus", obs.Err(err))
	}
	defer bus.Shutdown(context.Background())

	stop := make(chan struct{})
	router.RunMaintenanceLoop(stop)
	backpressure.RunBackgroundLoop(stop, func() map[string]cognitive.SystemSignal { return nil })
	dlq.RunBackgroundLoops(stop, func([]*cognitive.FailureRecord) {})
	groups.RunHealthMonitorLoop(stop, 0)
	groups.RunScalingLoop(stop, 0, nil)
	defer close(stop)

	snapshotter := admin.NewSnapshotter(bus, router, dlq, groups, backpressure, []string{"default"})

	httpSrv := newAdminServer(cfg.Observability.MetricsPort, snapshotter, bus)
	zlog.Info("eventbusd listening", obs.Int("port", cfg.Observability.MetricsPort))

	go handleSignals(cancel, zlog)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("admin server shutdown error", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

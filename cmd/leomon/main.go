// Command leomon runs the reconfiguration-triggered RTT fluctuation monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	dbmigrations "github.com/coachpo/leomon/db/migrations"
	"github.com/coachpo/leomon/internal/app/diagnostics"
	"github.com/coachpo/leomon/internal/app/dispatcher"
	"github.com/coachpo/leomon/internal/app/recorder"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/windowstore"
	"github.com/coachpo/leomon/internal/infra/config"
	"github.com/coachpo/leomon/internal/infra/ingest"
	"github.com/coachpo/leomon/internal/infra/persistence"
	"github.com/coachpo/leomon/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/leomon/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/leomon/internal/infra/server/http"
	"github.com/coachpo/leomon/internal/infra/telemetry"
	"github.com/coachpo/leomon/lib/async"
)

const (
	defaultConfigPath            = "config/leomon.yaml"
	monitorLoggerPrefix          = "leomon "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	ingestShutdownTimeout        = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	recorderShutdownTimeout      = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	readHeaderTimeout            = 5 * time.Second
	databaseConnectTimeout       = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newMonitorLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, contexts=%d, ingest=%s, api=%s",
		appCfg.Environment, len(appCfg.Monitor.Contexts), appCfg.Ingest.Addr, appCfg.APIServer.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, err := openStore(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}

	workers, err := async.NewPool(appCfg.Recorder.Workers, appCfg.Recorder.QueueSize,
		async.WithErrorHandler(func(err error) {
			logger.Printf("recorder worker: %v", err)
		}))
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}

	var windows windowstore.Store
	if store != nil {
		windows = store.Windows()
	}
	rec, err := recorder.New(recorder.Options{
		Store:      windows,
		Pool:       workers,
		History:    appCfg.Recorder.History,
		MaxRetries: appCfg.Recorder.MaxRetries,
		Timeout:    appCfg.Recorder.Timeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("initialise recorder: %v", err)
	}

	trigger := fluctuation.NewTriggerState()
	registry := dispatcher.NewRegistry(trigger, fluctuation.Observers{
		newLogObserver(logger, appCfg.Monitor),
		telemetry.NewMonitorMetrics(telemetryProvider.Meter("monitor"), trigger),
		rec,
	}, logger)
	for _, id := range appCfg.Monitor.Contexts {
		if _, err := registry.Create(id); err != nil {
			logger.Fatalf("register context %s: %v", id, err)
		}
	}
	dispatch := dispatcher.New(registry)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), //nolint:exhaustruct
		telemetry.NewStateCollector(trigger, registry),
	)
	ingestMetrics := telemetry.NewIngestMetrics(promRegistry)

	var lifecycle conc.WaitGroup

	ingestServer := ingest.NewServer(dispatch, registry,
		ingest.WithMetrics(ingestMetrics),
		ingest.WithLogger(logger),
		ingest.WithReadLimit(appCfg.Ingest.ReadLimit))
	ingestHTTP := buildServer(appCfg.Ingest.Addr, ingestServer.Handler())
	startServer(&lifecycle, logger, "ingest server", ingestHTTP)
	logger.Printf("ingest listening on %s", ingestHTTP.Addr)

	apiServer := buildServer(appCfg.APIServer.Addr, otelhttp.NewHandler(httpserver.NewHandler(httpserver.Dependencies{
		Environment: appCfg.Environment,
		Trigger:     trigger,
		Contexts:    registry,
		Windows:     rec,
		Metrics:     telemetry.MetricsHandler(promRegistry),
	}), "control-api"))
	startServer(&lifecycle, logger, "control server", apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("monitor started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		apiServer:    apiServer,
		ingestHTTP:   ingestHTTP,
		ingestServer: ingestServer,
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		recorder:     rec,
		workers:      workers,
		store:        store,
		telemetry:    telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newMonitorLogger() *log.Logger {
	return log.New(os.Stdout, monitorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func newLogObserver(logger *log.Logger, cfg config.MonitorConfig) *diagnostics.LogObserver {
	opts := []diagnostics.Option{diagnostics.WithLimit(cfg.ParseLogRate, cfg.ParseLogBurst)}
	if cfg.LogWindows {
		opts = append(opts, diagnostics.WithWindowLogging())
	}
	return diagnostics.NewLogObserver(logger, opts...)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.EnableTraces = cfg.EnableTraces

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgstore.Store, error) {
	if !cfg.Enabled() {
		logger.Print("database not configured; windows kept in memory only")
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()

	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(connectCtx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	base, err := persistence.Open(connectCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pgstore.ObservePoolMetrics(base.Pool(), "windows"); err != nil {
		logger.Printf("database pool metrics: %v", err)
	}
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pgstore.Wrap(base), nil
}

func buildServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:                         addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            readHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *log.Logger, name string, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("%s: %v", name, err)
		}
	})
}

type gracefulShutdownConfig struct {
	apiServer    *http.Server
	ingestHTTP   *http.Server
	ingestServer *ingest.Server
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	recorder     *recorder.Recorder
	workers      *async.Pool
	store        *pgstore.Store
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.ingestHTTP != nil {
		shutdownStep("stopping ingest listener", ingestShutdownTimeout, func(stepCtx context.Context) error {
			if err := cfg.ingestHTTP.Shutdown(stepCtx); err != nil {
				return err
			}
			if cfg.ingestServer == nil {
				return nil
			}
			return cfg.ingestServer.Shutdown(stepCtx)
		})
	}

	if cfg.apiServer != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.apiServer.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.recorder != nil {
		shutdownStep("flushing window recorder", recorderShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.recorder.Flush(stepCtx)
		})
	}

	if cfg.workers != nil {
		shutdownStep("shutting down worker pool", recorderShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.workers.Shutdown(stepCtx)
		})
	}

	if cfg.store != nil {
		logger.Print("shutdown: closing database pool")
		cfg.store.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}

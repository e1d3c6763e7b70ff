package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reservio/accessgate/internal/config"
	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/driver/sipass"
	"github.com/reservio/accessgate/internal/engine"
	"github.com/reservio/accessgate/internal/metrics"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/notify"
	"github.com/reservio/accessgate/internal/ops"
	"github.com/reservio/accessgate/internal/pin"
	"github.com/reservio/accessgate/internal/provision"
	"github.com/reservio/accessgate/internal/store"
	"github.com/reservio/accessgate/internal/worker"
)

const usage = `usage: accessgate <command> [flags]

commands:
  run      serve the ops API and run the reconciliation worker
  sync     run a single reconciliation sweep and exit
  apply    apply a YAML description of systems and bindings
  schema   print driver config schemas as JSON
`

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(cfg, logger)
	case "sync":
		syncCmd(cfg, logger)
	case "apply":
		applyCmd(cfg, logger, os.Args[2:])
	case "schema":
		schemaCmd(cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// app bundles the wired components shared by every subcommand.
type app struct {
	store    *store.Store
	metrics  *metrics.Metrics
	registry *driver.Registry
	engine   *engine.Engine
	worker   *worker.Worker
}

func buildApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	m := metrics.New()

	var notifier notify.Notifier
	if cfg.SlackEnabled() {
		notifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack code delivery enabled")
	} else {
		notifier = notify.NewLogNotifier(logger)
		logger.Info().Msg("Slack not configured — codes delivered to the log only")
	}

	registry := driver.NewRegistry(driver.Env{
		Store:         st,
		Pins:          &pin.Random{Set: st},
		Notifier:      notifier,
		Logger:        logger,
		RemoteTimeout: cfg.RemoteTimeout,
	})
	sipass.Register(registry)

	eng := engine.New(st, registry, m, logger)
	w := worker.New(st, eng, m, logger)

	return &app{store: st, metrics: m, registry: registry, engine: eng, worker: w}, nil
}

func runCmd(cfg *config.Config, logger zerolog.Logger) {
	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.store.Close()

	logger.Info().
		Str("environment", cfg.Environment).
		Str("ops_addr", cfg.OpsListenAddr).
		Int("metrics_port", cfg.MetricsPort).
		Dur("sync_interval", cfg.SyncInterval).
		Msg("starting accessgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	opsServer := ops.New(a.store, logger)
	go func() {
		if err := opsServer.Start(cfg.OpsListenAddr); err != nil {
			logger.Error().Err(err).Msg("ops API server error")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", a.metrics.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.MetricsPort).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.worker.Run(ctx, cfg.SyncInterval)
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := opsServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("ops API shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	select {
	case <-workerDone:
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("accessgate stopped")
}

func syncCmd(cfg *config.Config, logger zerolog.Logger) {
	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.store.Close()

	if err := a.worker.Sweep(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("sweep failed")
	}
	logger.Info().Msg("sweep complete")
}

func applyCmd(cfg *config.Config, logger zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	path := fs.String("f", "systems.yaml", "path to the systems YAML file")
	_ = fs.Parse(args)

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.store.Close()

	if err := provision.Apply(context.Background(), *path, a.store, a.registry, logger); err != nil {
		logger.Fatal().Err(err).Msg("apply failed")
	}
	logger.Info().Str("file", *path).Msg("apply complete")
}

func schemaCmd(cfg *config.Config, logger zerolog.Logger) {
	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.store.Close()

	out := map[string]any{}
	for _, kind := range a.registry.Kinds() {
		drv, err := a.registry.NewForValidation(kind, &models.System{DriverKind: kind})
		if err != nil {
			logger.Fatal().Err(err).Str("kind", kind).Msg("building driver")
		}
		out[kind] = map[string]any{
			"system":   drv.SystemConfigSchema(),
			"resource": drv.ResourceConfigSchema(),
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Fatal().Err(err).Msg("encoding schemas")
	}
}

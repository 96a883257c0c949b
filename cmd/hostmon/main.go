package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/hostmon/internal/collector"
	"codeberg.org/mutker/hostmon/internal/config"
	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/health"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/pid"
	"codeberg.org/mutker/hostmon/internal/sampler"
	"codeberg.org/mutker/hostmon/internal/server"
	"codeberg.org/mutker/hostmon/internal/telemetry"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(start())
}

func start() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if cfg.LogLevel != "" {
		level, _ := logger.ParseLevel(cfg.LogLevel.String())
		logger.SetLogLevel(level)
	}
	log := logger.Get()

	if cfg.ConfigFile != "" {
		log.Debug().Str("path", cfg.ConfigFile).Msg("Config loaded")
	}
	for _, a := range cfg.Adjustments {
		log.Warn().
			Str("key", a.Key).
			Interface("value", a.Value).
			Interface("using", a.Using).
			Msg("Config value out of range, adjusted")
	}

	// Nothing to clean up yet, so exiting here is safe
	if err := pid.Write(cfg.PIDFile); err != nil {
		logger.FatalWithCode(asError(err)).Str("pid_file", cfg.PIDFile).Msg("Failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			log.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	if err := run(cfg, log); err != nil {
		log.ErrorWithCode(asError(err)).Msg("hostmon exited with error")
		return 1
	}
	log.Info().Msg("Exiting...")
	return 0
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	clock := metrics.SystemClock{}

	storeCfg := metrics.Config{
		DBPath:              cfg.DBPath,
		BackupOnMigrate:     true,
		RawRetentionHours:   cfg.RawRetentionHours,
		RollupRetentionDays: cfg.RollupRetentionDays,
		DefaultRangeHours:   cfg.DefaultRangeHours,
	}
	store, err := metrics.NewRepository(ctx, storeCfg, log.With("store"))
	if err != nil {
		return errors.New().Wrap(errors.ErrOpenStore, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.ErrorWithCode(errors.New().Wrap(errors.ErrCloseStore, err)).Msg("Failed to close metrics store")
		}
	}()

	telCfg := telemetry.DefaultConfig()
	telCfg.Enabled = cfg.Prometheus
	exporter, err := telemetry.NewService(telCfg, log.With("telemetry"))
	if err != nil {
		return err
	}

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	probeTimeout := time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond

	colCfg := collector.DefaultConfig()
	colCfg.DiskPath = cfg.DiskPath
	colCfg.ProbeTimeout = probeTimeout
	col := collector.New(colCfg, clock, log.With("collector"))

	sched := sampler.New(sampler.Config{
		Interval:  interval,
		Retention: storeCfg.Retention(),
	}, store, col, clock, log.With("sampler"), exporter)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	healthCfg := health.DefaultConfig()
	healthCfg.Service = cfg.Service
	healthCfg.ProbeTimeout = probeTimeout
	healthCfg.StaleAfter = 3 * sched.Interval()
	healthCfg.KernelLog = cfg.KernelLog
	healthCfg.KernelLogWindow = time.Duration(cfg.KernelLogWindowMin) * time.Minute

	var metricsHandler http.Handler
	if cfg.Prometheus {
		metricsHandler = exporter.Handler()
	}

	srv := server.New(server.Config{Listen: cfg.Listen}, server.Deps{
		Query:   metrics.NewQueryService(store, clock, storeCfg),
		Sampler: sched,
		Store:   store,
		Health:  health.NewEvaluator(healthCfg, clock, log.With("health")),
		Metrics: metricsHandler,
		Clock:   clock,
	}, log.With("http"))

	var serveErr error
	l, err := srv.Listen()
	if err != nil {
		serveErr = err
		cancel()
	} else {
		serveDone := make(chan error, 1)
		go func() { serveDone <- srv.Serve(l) }()

		select {
		case <-ctx.Done():
		case serveErr = <-serveDone:
			cancel()
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if serveErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.ErrorWithCode(asError(err)).Msg("HTTP shutdown failed")
		}
	}

	// Pending samples are flushed before the deferred store close
	if err := sched.Stop(shutdownCtx); err != nil {
		log.ErrorWithCode(errors.New().Wrap(errors.ErrStopSampler, err)).Msg("Failed to stop sampler")
	}

	return serveErr
}

func handleSignals(cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Received termination signal.")
	cancel()
}

func asError(err error) errors.Error {
	if e, ok := err.(errors.Error); ok {
		return e
	}
	return errors.New().Wrap(errors.ErrInternal, err)
}

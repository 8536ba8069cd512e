// Package main is the entry point for tierbot.
// It loads configuration, wires the exchange, store and lifecycle, and runs ticks.
//
// Usage:
//
//	tierbot --config configs/config.yaml
//	tierbot --config configs/config.yaml --dry-run --loop 1m
//	tierbot --config configs/config.yaml --cancel-pending BTC-USD
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tierbot/internal/exchange"
	"tierbot/internal/lifecycle"
	"tierbot/internal/metrics"
	"tierbot/internal/server"
	"tierbot/internal/storage"
	"tierbot/pkg/config"
)

// Command-line flags.
var (
	// configPath is the path to the YAML configuration file.
	configPath string
	// dryRun routes orders to the in-memory paper exchange.
	dryRun bool
	// loopInterval repeats ticks at this interval. Zero runs a single tick.
	loopInterval time.Duration
	// cancelPending names an asset whose pending buy is cancelled instead of ticking.
	cancelPending string
)

func init() {
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	flag.BoolVar(&dryRun, "dry-run", false, "run in dry-run mode (paper trading)")
	flag.DurationVar(&loopInterval, "loop", 0, "repeat ticks at this interval until interrupted")
	flag.StringVar(&cancelPending, "cancel-pending", "", "cancel the pending buy of this asset and exit")
}

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "tierbot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(&cfg.App)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ex, err := exchange.NewExchange(&cfg.Exchange, dryRun, logger.Named("exchange"))
	if err != nil {
		return fmt.Errorf("create exchange: %w", err)
	}

	store, err := storage.Open(cfg.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics != nil && cfg.Metrics.Prometheus.Enabled {
		m = metrics.New()
	}

	mgr, err := lifecycle.NewManager(lifecycle.Config{
		Exchange: ex,
		Store:    store,
		Logger:   logger.Named("lifecycle"),
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		zap.String("env", cfg.App.Env),
		zap.String("exchange", ex.Name()),
		zap.Bool("dry_run", dryRun),
		zap.Strings("assets", cfg.AssetIDs()))

	if cancelPending != "" {
		phase, err := mgr.CancelPending(ctx, cancelPending)
		if err != nil {
			return err
		}
		logger.Info("cancel finished", zap.String("asset", cancelPending), zap.String("phase", string(phase)))
		return nil
	}

	var tickTimeout time.Duration
	if cfg.Execution != nil {
		tickTimeout = cfg.Execution.TickTimeout
	}
	runnerCfg := lifecycle.RunnerConfig{
		Parallel:    cfg.Parallel(),
		TickTimeout: tickTimeout,
		Logger:      logger.Named("runner"),
	}

	if loopInterval <= 0 {
		summary := lifecycle.NewRunner(mgr, runnerCfg).RunTick(ctx, cfg.Assets)
		for _, r := range summary.Results {
			logger.Info("asset ticked",
				zap.String("asset", r.Asset),
				zap.String("phase", string(r.To)),
				zap.Bool("changed", r.Changed),
				zap.Error(r.Err))
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server != nil {
		srv := newStatusServer(cfg, store, mgr, m, logger.Named("http"))
		runnerCfg.OnTick = srv.RecordTick
		g.Go(func() error { return srv.Run(gctx) })
	}

	runner := lifecycle.NewRunner(mgr, runnerCfg)
	g.Go(func() error {
		runner.Loop(gctx, loopInterval, cfg.Assets)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newStatusServer(cfg *config.Config, store storage.Store, mgr *lifecycle.Manager, m *metrics.Metrics, logger *zap.Logger) *server.Server {
	scfg := server.Config{
		Port:         cfg.Server.HTTP.Port,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		Store:        store,
		Canceller:    mgr,
		Assets:       cfg.AssetIDs(),
		Debug:        cfg.IsDevelopment(),
		Logger:       logger,
	}
	if m != nil {
		scfg.Metrics = m.Handler()
		scfg.MetricsPath = cfg.Metrics.Prometheus.Path
	}
	return server.New(scfg)
}

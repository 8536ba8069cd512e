package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tierbot/pkg/config"
)

// Processor advances one asset by one tick.
type Processor interface {
	Process(ctx context.Context, asset config.AssetConfig) Result
}

// TickSummary reports one pass over all assets.
type TickSummary struct {
	Started  time.Time
	Finished time.Time
	// Results are in the order assets were given.
	Results []Result
}

// Failed returns the results that ended with an error.
func (s TickSummary) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Runner walks the configured assets once per tick.
// Assets run sequentially unless Parallel is set; a failing asset never stops the others.
type Runner struct {
	processor   Processor
	parallel    bool
	tickTimeout time.Duration
	onTick      func(TickSummary)
	logger      *zap.Logger
}

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	// Parallel processes assets concurrently using errgroup.
	Parallel bool
	// TickTimeout bounds each asset's tick. Zero means no bound.
	TickTimeout time.Duration
	// OnTick, when set, receives every summary produced by Loop.
	OnTick func(TickSummary)
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewRunner creates a Runner. If logger is nil, a no-op logger is used.
func NewRunner(p Processor, cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		processor:   p,
		parallel:    cfg.Parallel,
		tickTimeout: cfg.TickTimeout,
		onTick:      cfg.OnTick,
		logger:      logger,
	}
}

// RunTick processes every asset once.
func (r *Runner) RunTick(ctx context.Context, assets []config.AssetConfig) TickSummary {
	summary := TickSummary{Started: time.Now(), Results: make([]Result, len(assets))}

	if r.parallel {
		// Each goroutine writes only its own slot.
		g, gctx := errgroup.WithContext(ctx)
		for i := range assets {
			i := i
			g.Go(func() error {
				summary.Results[i] = r.runOne(gctx, assets[i])
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range assets {
			if ctx.Err() != nil {
				summary.Results[i] = Result{Asset: assets[i].ID, Err: ctx.Err()}
				continue
			}
			summary.Results[i] = r.runOne(ctx, assets[i])
		}
	}

	summary.Finished = time.Now()
	r.logger.Info("tick complete",
		zap.Int("assets", len(assets)),
		zap.Int("failed", len(summary.Failed())),
		zap.Bool("parallel", r.parallel),
		zap.Duration("took", summary.Finished.Sub(summary.Started)))
	return summary
}

func (r *Runner) runOne(ctx context.Context, asset config.AssetConfig) Result {
	if r.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.tickTimeout)
		defer cancel()
	}
	return r.processor.Process(ctx, asset)
}

// Loop runs ticks every interval until ctx is cancelled. The first tick runs immediately.
func (r *Runner) Loop(ctx context.Context, interval time.Duration, assets []config.AssetConfig) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary := r.RunTick(ctx, assets)
		if r.onTick != nil {
			r.onTick(summary)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("loop stopped", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}

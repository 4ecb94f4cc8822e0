package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ReweighConfig tunes the adaptive feedback step.
type ReweighConfig struct {
	Enabled  bool
	Interval time.Duration

	// BaselineWinRate is the win rate at which a strategy's weight is left
	// unchanged. Strategies trending above it get a bounded positive
	// adjustment, underperformers a bounded negative one.
	BaselineWinRate float64

	// Gain scales the per-cycle adjustment: delta = Gain * (winRate - baseline).
	Gain float64

	// MinWeight and MaxWeight clamp the adaptive weight so no streak can
	// drive a strategy to dominate the queue indefinitely.
	MinWeight float64
	MaxWeight float64

	// MinSamples is the number of recorded executions a strategy needs
	// before its weight is adjusted at all.
	MinSamples int64
}

// Reweighter periodically recomputes each strategy's adaptive weight from
// its recent win rate.
type Reweighter struct {
	cfg    ReweighConfig
	book   *Book
	logger *slog.Logger
}

// NewReweighter creates a Reweighter over the given metrics book.
func NewReweighter(cfg ReweighConfig, book *Book, logger *slog.Logger) *Reweighter {
	return &Reweighter{
		cfg:    cfg,
		book:   book,
		logger: logger.With(slog.String("component", "reweighter")),
	}
}

// Run drives the reweight cadence until the context is cancelled. A disabled
// reweighter blocks without ever touching the weights.
func (r *Reweighter) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("adaptive learning disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("reweighter started", slog.Duration("interval", r.cfg.Interval))
	defer r.logger.Info("reweighter stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Reweigh()
		}
	}
}

// Reweigh applies one bounded adjustment cycle to every strategy with enough
// samples. Exported so tests and operators can force a cycle.
func (r *Reweighter) Reweigh() {
	now := time.Now()
	for _, s := range domain.AllStrategies() {
		m := r.book.Get(s)
		if m.Executions < r.cfg.MinSamples {
			continue
		}

		delta := r.cfg.Gain * (m.WinRate - r.cfg.BaselineWinRate)
		next := clamp(m.AdaptiveWeight+delta, r.cfg.MinWeight, r.cfg.MaxWeight)
		if next == m.AdaptiveWeight {
			continue
		}

		r.book.setAdaptiveWeight(s, next, now)
		r.logger.Info("adaptive weight adjusted",
			slog.String("strategy", string(s)),
			slog.Float64("win_rate", m.WinRate),
			slog.Float64("weight", next),
		)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// MetricsSource supplies the current per-strategy metrics for status
// refreshes. Satisfied by the scoring book.
type MetricsSource interface {
	All() []domain.StrategyMetrics
}

// StatusPublisher periodically writes the pool snapshot and strategy metrics
// to the status cache so API-only processes serve fresh numbers even when no
// executions are resolving.
type StatusPublisher struct {
	status   domain.StatusCache
	pool     PoolSource
	metrics  MetricsSource
	interval time.Duration
	logger   *slog.Logger
}

// NewStatusPublisher creates a StatusPublisher.
func NewStatusPublisher(status domain.StatusCache, pool PoolSource, metrics MetricsSource, interval time.Duration, logger *slog.Logger) *StatusPublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatusPublisher{
		status:   status,
		pool:     pool,
		metrics:  metrics,
		interval: interval,
		logger:   logger.With(slog.String("component", "status_publisher")),
	}
}

// Run publishes on the configured interval until the context is cancelled.
func (p *StatusPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("status publisher started", slog.Duration("interval", p.interval))
	defer p.logger.Info("status publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *StatusPublisher) publish(ctx context.Context) {
	if err := p.status.SetPool(ctx, p.pool.Snapshot()); err != nil {
		p.logger.Warn("cache pool snapshot", slog.String("error", err.Error()))
		return
	}
	for _, m := range p.metrics.All() {
		if err := p.status.SetMetrics(ctx, m); err != nil {
			p.logger.Warn("cache metrics",
				slog.String("strategy", string(m.Strategy)),
				slog.String("error", err.Error()),
			)
		}
	}
}

package intake

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// GeneratorConfig tunes the synthetic opportunity source.
type GeneratorConfig struct {
	// Interval is the mean time between generated opportunities.
	Interval time.Duration
	// MaxCapital bounds the requested capital of a generated opportunity.
	MaxCapital decimal.Decimal
	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed int64
}

// Generator produces randomized opportunities across the strategy set and
// submits them directly to the scheduler. It stands in for real strategy
// producers in paper runs, where there is no event bus to feed from.
type Generator struct {
	cfg        GeneratorConfig
	scheduler  Submitter
	strategies []domain.StrategyID
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator submitting into the given scheduler.
func NewGenerator(cfg GeneratorConfig, scheduler Submitter, logger *slog.Logger) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &Generator{
		cfg:        cfg,
		scheduler:  scheduler,
		strategies: domain.AllStrategies(),
		logger:     logger.With(slog.String("component", "opportunity_generator")),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Run emits opportunities until the context is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	g.logger.Info("opportunity generator started",
		slog.Duration("interval", g.cfg.Interval),
	)
	defer g.logger.Info("opportunity generator stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			opp := g.next()
			if err := g.scheduler.Submit(ctx, opp); err != nil {
				g.logger.Debug("generated opportunity rejected",
					slog.String("opportunity_id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// next builds one randomized opportunity.
func (g *Generator) next() *domain.Opportunity {
	g.mu.Lock()
	defer g.mu.Unlock()

	strategy := g.strategies[g.rng.Intn(len(g.strategies))]
	// Capital between 5% and 100% of the configured cap.
	fraction := 0.05 + 0.95*g.rng.Float64()
	capital := g.cfg.MaxCapital.Mul(decimal.NewFromFloat(fraction)).Round(2)
	// Expected profit between 0.5% and 8% of requested capital.
	profit := capital.Mul(decimal.NewFromFloat(0.005 + 0.075*g.rng.Float64())).Round(4)

	priority := domain.PriorityMedium
	switch p := g.rng.Float64(); {
	case p < 0.1:
		priority = domain.PriorityCritical
	case p < 0.35:
		priority = domain.PriorityHigh
	case p > 0.85:
		priority = domain.PriorityLow
	}

	return &domain.Opportunity{
		ID:               uuid.NewString(),
		Strategy:         strategy,
		TokenID:          fmt.Sprintf("paper-%d", g.rng.Intn(1000)),
		EstimatedProfit:  profit,
		EstimatedRisk:    g.rng.Float64(),
		RequestedCapital: capital,
		Priority:         priority,
	}
}

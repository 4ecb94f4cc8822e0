package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Resolver accepts execution results. Satisfied by *Dispatcher.
type Resolver interface {
	Resolve(res domain.ExecutionResult) bool
}

// PaperConfig tunes the simulated executor.
type PaperConfig struct {
	// Latency is the simulated execution round trip.
	Latency time.Duration
	// WinRate is the probability of a successful outcome.
	WinRate float64
	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed int64
}

// PaperExecutor simulates the external execution layer for standalone and
// development runs: each emitted command resolves after the configured
// latency with a randomized outcome and a profit proportional to the
// reserved amount.
type PaperExecutor struct {
	cfg      PaperConfig
	resolver Resolver
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPaperExecutor creates a PaperExecutor that reports results into the
// given resolver.
func NewPaperExecutor(cfg PaperConfig, resolver Resolver, logger *slog.Logger) *PaperExecutor {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperExecutor{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "paper_executor")),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Emit schedules a simulated execution. It never blocks the caller.
func (p *PaperExecutor) Emit(ctx context.Context, cmd domain.ExecutionCommand) error {
	p.mu.Lock()
	win := p.rng.Float64() < p.cfg.WinRate
	// Profit between 1% and 5% of reserved capital, negated on a loss.
	margin := 0.01 + 0.04*p.rng.Float64()
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Latency):
		}

		outcome := domain.OutcomeFailure
		profit := cmd.Amount.Mul(decimal.NewFromFloat(margin))
		if win {
			outcome = domain.OutcomeSuccess
		} else {
			profit = profit.Neg()
		}

		p.resolver.Resolve(domain.ExecutionResult{
			ReservationID:  cmd.ReservationID,
			OpportunityID:  cmd.OpportunityID,
			Outcome:        outcome,
			RealizedProfit: profit,
			CompletedAt:    time.Now().UTC(),
		})
	}()
	return nil
}

// Package risk provides pre-dispatch risk verification for the scheduler:
// per-strategy exposure, leverage ratio, and portfolio heat limits, plus the
// global circuit breaker that suspends all dispatches after adverse-outcome
// thresholds are crossed.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the tunable parameters for pre-dispatch risk checks.
type Config struct {
	// MaxStrategyExposure caps the sum of live reserved capital per
	// strategy. Zero disables the check.
	MaxStrategyExposure decimal.Decimal

	// MaxLeverageRatio caps (allocated + candidate amount) / total capital.
	MaxLeverageRatio float64

	// PortfolioHeatLimit caps the sum over in-flight opportunities of
	// estimated_risk * (amount / total capital).
	PortfolioHeatLimit float64

	Breaker BreakerConfig
}

// ExposureSource supplies the ledger-side numbers a risk check needs. The
// ledger satisfies this without the risk service reaching into its state.
type ExposureSource interface {
	Snapshot() domain.PoolSnapshot
	StrategyExposure(s domain.StrategyID) decimal.Decimal
}

// Service verifies candidates against configured limits before the scheduler
// requests capital for them. It also tracks portfolio heat contributions of
// in-flight opportunities.
type Service struct {
	cfg     Config
	ledger  ExposureSource
	breaker *Breaker
	logger  *slog.Logger

	mu   sync.Mutex
	heat map[string]float64 // opportunity id -> heat contribution
}

// NewService creates a Service over the given exposure source.
func NewService(cfg Config, ledger ExposureSource, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		ledger:  ledger,
		breaker: NewBreaker(cfg.Breaker, logger),
		logger:  logger.With(slog.String("component", "risk")),
		heat:    make(map[string]float64),
	}
}

// Breaker exposes the circuit breaker for status reads, result recording,
// and operator resets.
func (s *Service) Breaker() *Breaker { return s.breaker }

// Check verifies that dispatching the candidate keeps the strategy's
// exposure, the pool leverage ratio, and the portfolio heat within limits.
// A tripped circuit breaker short-circuits everything to an automatic deny.
// The first failed check is returned; nil means the candidate may proceed to
// the capital request.
func (s *Service) Check(ctx context.Context, opp *domain.Opportunity) error {
	if s.breaker.Tripped() {
		return fmt.Errorf("risk: %w", domain.ErrCircuitBreakerTripped)
	}

	snap := s.ledger.Snapshot()

	// Exposure: live reserved capital for this strategy plus the candidate.
	if s.cfg.MaxStrategyExposure.IsPositive() {
		exposure := s.ledger.StrategyExposure(opp.Strategy).Add(opp.RequestedCapital)
		if exposure.GreaterThan(s.cfg.MaxStrategyExposure) {
			s.logger.WarnContext(ctx, "strategy exposure limit",
				slog.String("strategy", string(opp.Strategy)),
				slog.String("exposure", exposure.String()),
				slog.String("max", s.cfg.MaxStrategyExposure.String()),
			)
			return fmt.Errorf("risk: exposure %s exceeds max %s: %w",
				exposure, s.cfg.MaxStrategyExposure, domain.ErrRiskLimitExceeded)
		}
	}

	// Leverage: hypothetical pool utilization after this reservation.
	if s.cfg.MaxLeverageRatio > 0 && snap.Total.IsPositive() {
		leverage, _ := snap.Allocated.Add(opp.RequestedCapital).Div(snap.Total).Float64()
		if leverage > s.cfg.MaxLeverageRatio {
			s.logger.WarnContext(ctx, "leverage limit",
				slog.String("strategy", string(opp.Strategy)),
				slog.Float64("leverage", leverage),
				slog.Float64("max", s.cfg.MaxLeverageRatio),
			)
			return fmt.Errorf("risk: leverage %.3f exceeds max %.3f: %w",
				leverage, s.cfg.MaxLeverageRatio, domain.ErrRiskLimitExceeded)
		}
	}

	// Portfolio heat: risk-weighted share of capital already in flight plus
	// this candidate's contribution.
	if s.cfg.PortfolioHeatLimit > 0 && snap.Total.IsPositive() {
		contribution := heatContribution(opp, snap.Total)
		s.mu.Lock()
		current := 0.0
		for _, h := range s.heat {
			current += h
		}
		s.mu.Unlock()

		if current+contribution > s.cfg.PortfolioHeatLimit {
			s.logger.WarnContext(ctx, "portfolio heat limit",
				slog.String("strategy", string(opp.Strategy)),
				slog.Float64("heat", current+contribution),
				slog.Float64("max", s.cfg.PortfolioHeatLimit),
			)
			return fmt.Errorf("risk: portfolio heat %.4f exceeds max %.4f: %w",
				current+contribution, s.cfg.PortfolioHeatLimit, domain.ErrRiskLimitExceeded)
		}
	}

	return nil
}

// AddHeat registers an in-flight opportunity's heat contribution after a
// successful dispatch.
func (s *Service) AddHeat(opp *domain.Opportunity) {
	total := s.ledger.Snapshot().Total
	if !total.IsPositive() {
		return
	}
	s.mu.Lock()
	s.heat[opp.ID] = heatContribution(opp, total)
	s.mu.Unlock()
}

// RemoveHeat drops an opportunity's heat contribution once its execution
// resolves (result, timeout, or cancellation). Idempotent.
func (s *Service) RemoveHeat(opportunityID string) {
	s.mu.Lock()
	delete(s.heat, opportunityID)
	s.mu.Unlock()
}

// Heat returns the current portfolio heat for the status API.
func (s *Service) Heat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, h := range s.heat {
		total += h
	}
	return total
}

// RecordResult feeds an execution result into the circuit breaker.
func (s *Service) RecordResult(res domain.ExecutionResult) {
	s.breaker.Record(res)
}

func heatContribution(opp *domain.Opportunity, totalCapital decimal.Decimal) float64 {
	share, _ := opp.RequestedCapital.Div(totalCapital).Float64()
	return opp.EstimatedRisk * share
}

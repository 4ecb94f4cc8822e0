package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyMetrics is the long-lived performance record for one strategy.
// It is mutated only by the feedback step after a result is ingested and is
// read by the scoring function on every insertion and re-rank.
type StrategyMetrics struct {
	Strategy   StrategyID
	Executions int64
	Wins       int64

	// WinRate is computed over a rolling window of recent results, not over
	// the full execution history.
	WinRate float64

	TotalProfit decimal.Decimal
	AvgProfit   decimal.Decimal

	// AdaptiveWeight is a bounded, feedback-derived multiplier applied to
	// the strategy's score. It starts at 1.0 and is clamped on every
	// reweight so a short lucky streak can never dominate the queue.
	AdaptiveWeight float64

	UpdatedAt time.Time
}

// NewStrategyMetrics returns the zero record for a strategy with the neutral
// adaptive weight.
func NewStrategyMetrics(s StrategyID) StrategyMetrics {
	return StrategyMetrics{
		Strategy:       s,
		TotalProfit:    decimal.Zero,
		AvgProfit:      decimal.Zero,
		AdaptiveWeight: 1.0,
	}
}

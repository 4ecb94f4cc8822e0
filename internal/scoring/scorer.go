// Package scoring computes opportunity scores and maintains the per-strategy
// performance metrics that feed the adaptive component of the score.
package scoring

import (
	"fmt"
	"sync"
)

// Weights holds the scoring coefficients. They are configuration and may be
// retuned at runtime through SetWeights.
type Weights struct {
	Profit            float64
	Risk              float64
	CapitalEfficiency float64
	StrategyBonus     float64
}

// Validate rejects weight sets that would invert the meaning of the score.
func (w Weights) Validate() error {
	if w.Profit < 0 || w.Risk < 0 || w.CapitalEfficiency < 0 || w.StrategyBonus < 0 {
		return fmt.Errorf("scoring: weights must be non-negative, got %+v", w)
	}
	return nil
}

// Scorer computes raw scores from opportunity estimates and current strategy
// metrics. Safe for concurrent use; weight updates take effect on the next
// Score call.
type Scorer struct {
	mu sync.RWMutex
	w  Weights
}

// NewScorer creates a Scorer with the given weights.
func NewScorer(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{w: w}, nil
}

// Score computes the raw score:
//
//	w_profit*profit - w_risk*risk - w_capital*capitalCost + w_strategy*adaptiveWeight
//
// profit and capitalCost are the opportunity's estimated profit and requested
// capital in pool units; risk is the producer's 0..1 estimate. The adaptive
// weight comes from the strategy's current metrics. Scoring happens on
// ingestion and is refreshed at pop time, so a metrics update between enqueue
// and dispatch is always reflected before capital is requested.
func (s *Scorer) Score(profit, risk, capitalCost, adaptiveWeight float64) float64 {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()

	return w.Profit*profit - w.Risk*risk - w.CapitalEfficiency*capitalCost + w.StrategyBonus*adaptiveWeight
}

// SetWeights replaces the scoring coefficients at runtime.
func (s *Scorer) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
	return nil
}

// Weights returns the current coefficients.
func (s *Scorer) Weights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w
}

package scoring

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func result(win bool, profit int64) domain.ExecutionResult {
	outcome := domain.OutcomeFailure
	if win {
		outcome = domain.OutcomeSuccess
	}
	return domain.ExecutionResult{
		Outcome:        outcome,
		RealizedProfit: decimal.NewFromInt(profit),
		CompletedAt:    time.Now(),
	}
}

func TestScorer_Formula(t *testing.T) {
	s, err := NewScorer(Weights{Profit: 2, Risk: 1, CapitalEfficiency: 0.5, StrategyBonus: 1})
	require.NoError(t, err)

	// 2*10 - 1*0.4 - 0.5*6 + 1*1.2 = 17.8
	got := s.Score(10, 0.4, 6, 1.2)
	assert.InDelta(t, 17.8, got, 1e-9)
}

func TestScorer_RejectsNegativeWeights(t *testing.T) {
	_, err := NewScorer(Weights{Profit: -1})
	require.Error(t, err)

	s, err := NewScorer(Weights{Profit: 1})
	require.NoError(t, err)
	require.Error(t, s.SetWeights(Weights{Risk: -2}))
}

func TestScorer_RuntimeRetune(t *testing.T) {
	s, err := NewScorer(Weights{Profit: 1})
	require.NoError(t, err)
	require.NoError(t, s.SetWeights(Weights{Profit: 3}))
	assert.InDelta(t, 30, s.Score(10, 0, 0, 0), 1e-9)
}

func TestBook_RecordUpdatesMetrics(t *testing.T) {
	b := NewBook(10)

	m := b.Record(domain.StrategyArbitrage, result(true, 10))
	assert.Equal(t, int64(1), m.Executions)
	assert.Equal(t, int64(1), m.Wins)
	assert.InDelta(t, 1.0, m.WinRate, 1e-9)

	m = b.Record(domain.StrategyArbitrage, result(false, -4))
	assert.Equal(t, int64(2), m.Executions)
	assert.Equal(t, int64(1), m.Wins)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.True(t, m.TotalProfit.Equal(decimal.NewFromInt(6)))
	assert.True(t, m.AvgProfit.Equal(decimal.NewFromInt(3)))
}

func TestBook_RollingWindow(t *testing.T) {
	b := NewBook(4)

	// Four losses, then four wins: window of 4 means win rate recovers fully.
	for i := 0; i < 4; i++ {
		b.Record(domain.StrategySniper, result(false, -1))
	}
	for i := 0; i < 4; i++ {
		b.Record(domain.StrategySniper, result(true, 1))
	}
	m := b.Get(domain.StrategySniper)
	assert.InDelta(t, 1.0, m.WinRate, 1e-9)
	assert.Equal(t, int64(8), m.Executions)
}

func TestBook_UnknownStrategyIsNeutral(t *testing.T) {
	b := NewBook(0)
	m := b.Get(domain.StrategyMomentum)
	assert.Equal(t, int64(0), m.Executions)
	assert.InDelta(t, 1.0, m.AdaptiveWeight, 1e-9)
}

// Adaptive weight bound: 100 consecutive wins must not push the weight past
// the configured maximum clamp, no matter how many reweigh cycles run.
func TestReweigh_WeightClampedAfterWinStreak(t *testing.T) {
	b := NewBook(20)
	r := NewReweighter(ReweighConfig{
		Enabled:         true,
		Interval:        time.Minute,
		BaselineWinRate: 0.5,
		Gain:            0.2,
		MinWeight:       0.25,
		MaxWeight:       2.0,
		MinSamples:      5,
	}, b, testLogger())

	for i := 0; i < 100; i++ {
		b.Record(domain.StrategyFlashLoanArbitrage, result(true, 5))
		r.Reweigh()
	}

	m := b.Get(domain.StrategyFlashLoanArbitrage)
	assert.LessOrEqual(t, m.AdaptiveWeight, 2.0)
	assert.InDelta(t, 2.0, m.AdaptiveWeight, 1e-9, "streak should saturate at the clamp")
}

func TestReweigh_UnderperformerBoundedBelow(t *testing.T) {
	b := NewBook(20)
	r := NewReweighter(ReweighConfig{
		Enabled:         true,
		Interval:        time.Minute,
		BaselineWinRate: 0.5,
		Gain:            0.2,
		MinWeight:       0.25,
		MaxWeight:       2.0,
		MinSamples:      5,
	}, b, testLogger())

	for i := 0; i < 100; i++ {
		b.Record(domain.StrategyMarketMaking, result(false, -2))
		r.Reweigh()
	}

	m := b.Get(domain.StrategyMarketMaking)
	assert.GreaterOrEqual(t, m.AdaptiveWeight, 0.25)
	assert.InDelta(t, 0.25, m.AdaptiveWeight, 1e-9)
}

func TestReweigh_SkipsBelowMinSamples(t *testing.T) {
	b := NewBook(20)
	r := NewReweighter(ReweighConfig{
		Enabled:         true,
		BaselineWinRate: 0.5,
		Gain:            0.5,
		MinWeight:       0.25,
		MaxWeight:       2.0,
		MinSamples:      10,
	}, b, testLogger())

	for i := 0; i < 3; i++ {
		b.Record(domain.StrategyArbitrage, result(true, 1))
	}
	r.Reweigh()
	assert.InDelta(t, 1.0, b.Get(domain.StrategyArbitrage).AdaptiveWeight, 1e-9)
}

func TestBook_Restore(t *testing.T) {
	b := NewBook(0)
	b.Restore([]domain.StrategyMetrics{
		{Strategy: domain.StrategySniper, Executions: 40, Wins: 30, WinRate: 0.75, AdaptiveWeight: 1.4,
			TotalProfit: decimal.NewFromInt(80), AvgProfit: decimal.NewFromInt(2)},
		{Strategy: "bogus", Executions: 1},
	})

	m := b.Get(domain.StrategySniper)
	assert.Equal(t, int64(40), m.Executions)
	assert.InDelta(t, 1.4, m.AdaptiveWeight, 1e-9)

	// Invalid strategy ids are ignored.
	all := b.All()
	assert.Len(t, all, len(domain.AllStrategies()))
}

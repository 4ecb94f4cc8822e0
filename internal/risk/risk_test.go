package risk

import (
	"context"
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

// fakeLedger is a canned ExposureSource.
type fakeLedger struct {
	total     decimal.Decimal
	allocated decimal.Decimal
	exposure  map[domain.StrategyID]decimal.Decimal
}

func (f *fakeLedger) Snapshot() domain.PoolSnapshot {
	return domain.PoolSnapshot{
		Total:     f.total,
		Allocated: f.allocated,
		Available: f.total.Sub(f.allocated),
	}
}

func (f *fakeLedger) StrategyExposure(s domain.StrategyID) decimal.Decimal {
	if v, ok := f.exposure[s]; ok {
		return v
	}
	return decimal.Zero
}

func opp(s domain.StrategyID, capital int64, riskEst float64) *domain.Opportunity {
	return &domain.Opportunity{
		ID:               "opp-" + string(s),
		Strategy:         s,
		RequestedCapital: decimal.NewFromInt(capital),
		EstimatedRisk:    riskEst,
	}
}

func loss(amount int64) domain.ExecutionResult {
	return domain.ExecutionResult{Outcome: domain.OutcomeFailure, RealizedProfit: decimal.NewFromInt(-amount)}
}

func win(amount int64) domain.ExecutionResult {
	return domain.ExecutionResult{Outcome: domain.OutcomeSuccess, RealizedProfit: decimal.NewFromInt(amount)}
}

func TestCheck_ExposureLimit(t *testing.T) {
	fl := &fakeLedger{
		total: decimal.NewFromInt(1000),
		exposure: map[domain.StrategyID]decimal.Decimal{
			domain.StrategyArbitrage: decimal.NewFromInt(90),
		},
	}
	s := NewService(Config{MaxStrategyExposure: decimal.NewFromInt(100)}, fl, testLogger())

	require.NoError(t, s.Check(context.Background(), opp(domain.StrategyArbitrage, 10, 0)))
	err := s.Check(context.Background(), opp(domain.StrategyArbitrage, 11, 0))
	require.ErrorIs(t, err, domain.ErrRiskLimitExceeded)

	// Other strategies are unaffected.
	require.NoError(t, s.Check(context.Background(), opp(domain.StrategySniper, 50, 0)))
}

func TestCheck_LeverageLimit(t *testing.T) {
	fl := &fakeLedger{total: decimal.NewFromInt(100), allocated: decimal.NewFromInt(70)}
	s := NewService(Config{MaxLeverageRatio: 0.8}, fl, testLogger())

	require.NoError(t, s.Check(context.Background(), opp(domain.StrategyMomentum, 10, 0)))
	err := s.Check(context.Background(), opp(domain.StrategyMomentum, 20, 0))
	require.ErrorIs(t, err, domain.ErrRiskLimitExceeded)
}

func TestCheck_PortfolioHeat(t *testing.T) {
	fl := &fakeLedger{total: decimal.NewFromInt(100)}
	s := NewService(Config{PortfolioHeatLimit: 0.10}, fl, testLogger())

	// risk 0.5 on 10% of capital = 0.05 heat.
	first := opp(domain.StrategyArbitrage, 10, 0.5)
	require.NoError(t, s.Check(context.Background(), first))
	s.AddHeat(first)
	assert.InDelta(t, 0.05, s.Heat(), 1e-9)

	// Another 0.06 would exceed the 0.10 limit.
	hot := opp(domain.StrategySniper, 12, 0.5)
	require.ErrorIs(t, s.Check(context.Background(), hot), domain.ErrRiskLimitExceeded)

	// Resolving the first opportunity frees the heat. RemoveHeat is idempotent.
	s.RemoveHeat(first.ID)
	s.RemoveHeat(first.ID)
	require.NoError(t, s.Check(context.Background(), hot))
}

func TestBreaker_TripsOnConsecutiveLosses(t *testing.T) {
	fl := &fakeLedger{total: decimal.NewFromInt(100)}
	s := NewService(Config{Breaker: BreakerConfig{ConsecutiveLossLimit: 5}}, fl, testLogger())

	for i := 0; i < 4; i++ {
		s.RecordResult(loss(1))
	}
	require.NoError(t, s.Check(context.Background(), opp(domain.StrategyArbitrage, 1, 0)))

	s.RecordResult(loss(1))
	err := s.Check(context.Background(), opp(domain.StrategyArbitrage, 1, 0))
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTripped)

	state := s.Breaker().State()
	assert.True(t, state.Tripped)
	assert.Equal(t, "consecutive_losses", state.Reason)

	s.Breaker().Reset()
	require.NoError(t, s.Check(context.Background(), opp(domain.StrategyArbitrage, 1, 0)))
}

func TestBreaker_WinResetsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{ConsecutiveLossLimit: 3}, testLogger())

	b.Record(loss(1))
	b.Record(loss(1))
	b.Record(win(2))
	b.Record(loss(1))
	b.Record(loss(1))
	assert.False(t, b.Tripped())

	b.Record(loss(1))
	assert.True(t, b.Tripped())
}

func TestBreaker_TripsOnDrawdown(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxDrawdown: decimal.NewFromInt(50)}, testLogger())

	b.Record(win(100)) // peak = 100
	b.Record(loss(30))
	assert.False(t, b.Tripped())
	b.Record(loss(25)) // drawdown 55 >= 50
	assert.True(t, b.Tripped())
	assert.Equal(t, "max_drawdown", b.State().Reason)
}

func TestBreaker_CooldownAutoReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{ConsecutiveLossLimit: 1, Cooldown: time.Minute}, testLogger())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	b.Record(loss(1))
	assert.True(t, b.Tripped())

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, b.Tripped())
	assert.Equal(t, 0, b.State().ConsecutiveLosses)
}

func TestBreaker_Hooks(t *testing.T) {
	b := NewBreaker(BreakerConfig{ConsecutiveLossLimit: 1}, testLogger())

	var tripReason string
	var resets int
	b.OnTrip(func(reason string) { tripReason = reason })
	b.OnReset(func() { resets++ })

	b.Record(loss(1))
	assert.Equal(t, "consecutive_losses", tripReason)

	b.Reset()
	assert.Equal(t, 1, resets)

	// Resetting an armed breaker does not fire the hook again.
	b.Reset()
	assert.Equal(t, 1, resets)
}

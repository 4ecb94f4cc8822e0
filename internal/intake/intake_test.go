package intake

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

type stubSubmitter struct {
	opps []*domain.Opportunity
	err  error
}

func (s *stubSubmitter) Submit(_ context.Context, opp *domain.Opportunity) error {
	s.opps = append(s.opps, opp)
	return s.err
}

type stubResolver struct {
	results []domain.ExecutionResult
}

func (s *stubResolver) Resolve(res domain.ExecutionResult) bool {
	s.results = append(s.results, res)
	return true
}

func TestOpportunityRoundTrip(t *testing.T) {
	opp := &domain.Opportunity{
		ID:               "opp-1",
		Strategy:         domain.StrategyFlashLoanArbitrage,
		TokenID:          "0xAB",
		EstimatedProfit:  decimal.RequireFromString("12.5"),
		EstimatedRisk:    0.3,
		RequestedCapital: decimal.NewFromInt(100),
		Priority:         domain.PriorityHigh,
	}

	data, err := EncodeOpportunity(opp)
	require.NoError(t, err)

	got, err := DecodeOpportunity(data)
	require.NoError(t, err)
	assert.Equal(t, opp.ID, got.ID)
	assert.Equal(t, opp.Strategy, got.Strategy)
	assert.True(t, got.EstimatedProfit.Equal(opp.EstimatedProfit))
	assert.True(t, got.RequestedCapital.Equal(opp.RequestedCapital))
	assert.Equal(t, domain.PriorityHigh, got.Priority)
}

func TestDecodeOpportunity_Defaults(t *testing.T) {
	// Priority defaults to medium when absent.
	got, err := DecodeOpportunity([]byte(`{"strategy":"sniper","estimated_profit":"1","requested_capital":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
	assert.Empty(t, got.ID)
}

func TestDecodeOpportunity_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad json":    `{`,
		"bad profit":  `{"strategy":"sniper","estimated_profit":"x","requested_capital":"5"}`,
		"bad capital": `{"strategy":"sniper","estimated_profit":"1","requested_capital":""}`,
		"bad priority": `{"strategy":"sniper","estimated_profit":"1","requested_capital":"5","priority":"urgent"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOpportunity([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestOpportunityFeeder_SubmitsDecoded(t *testing.T) {
	sub := &stubSubmitter{}
	f := NewOpportunityFeeder(nil, sub, testLogger())

	data, err := EncodeOpportunity(&domain.Opportunity{
		Strategy:         domain.StrategyMomentum,
		EstimatedProfit:  decimal.NewFromInt(2),
		RequestedCapital: decimal.NewFromInt(10),
		Priority:         domain.PriorityLow,
	})
	require.NoError(t, err)

	f.handleMessage(context.Background(), data)
	require.Len(t, sub.opps, 1)
	assert.Equal(t, domain.StrategyMomentum, sub.opps[0].Strategy)

	// Malformed payloads are skipped without reaching the scheduler.
	f.handleMessage(context.Background(), []byte("not json"))
	assert.Len(t, sub.opps, 1)
}

func TestOpportunityFeeder_ToleratesQueueFull(t *testing.T) {
	sub := &stubSubmitter{err: domain.ErrQueueFull}
	f := NewOpportunityFeeder(nil, sub, testLogger())

	data, err := EncodeOpportunity(&domain.Opportunity{
		Strategy:         domain.StrategyArbitrage,
		EstimatedProfit:  decimal.NewFromInt(1),
		RequestedCapital: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	f.handleMessage(context.Background(), data)
	f.handleMessage(context.Background(), data)
	assert.Len(t, sub.opps, 2)
}

func TestResultRoundTrip(t *testing.T) {
	res := domain.ExecutionResult{
		ReservationID:  42,
		OpportunityID:  "opp-42",
		Outcome:        domain.OutcomeSuccess,
		RealizedProfit: decimal.RequireFromString("3.75"),
		CompletedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := EncodeResult(res)
	require.NoError(t, err)

	got, err := DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, res.ReservationID, got.ReservationID)
	assert.Equal(t, res.Outcome, got.Outcome)
	assert.True(t, got.RealizedProfit.Equal(res.RealizedProfit))
	assert.True(t, got.CompletedAt.Equal(res.CompletedAt))
}

func TestDecodeResult_RejectsUnknownOutcome(t *testing.T) {
	_, err := DecodeResult([]byte(`{"reservation_id":1,"outcome":"maybe","realized_profit":"0"}`))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestGenerator_ProducesValidOpportunities(t *testing.T) {
	g := NewGenerator(GeneratorConfig{
		MaxCapital: decimal.NewFromInt(1000),
		Seed:       1,
	}, &stubSubmitter{}, testLogger())

	for i := 0; i < 50; i++ {
		opp := g.next()
		assert.NotEmpty(t, opp.ID)
		assert.True(t, opp.Strategy.Valid(), "strategy %q", opp.Strategy)
		assert.True(t, opp.Priority.Valid())
		assert.True(t, opp.RequestedCapital.IsPositive())
		assert.True(t, opp.RequestedCapital.LessThanOrEqual(decimal.NewFromInt(1000)))
		assert.True(t, opp.EstimatedProfit.IsPositive())
		assert.GreaterOrEqual(t, opp.EstimatedRisk, 0.0)
		assert.Less(t, opp.EstimatedRisk, 1.0)
	}
}

func TestGenerator_SeededRunsAreReproducible(t *testing.T) {
	a := NewGenerator(GeneratorConfig{MaxCapital: decimal.NewFromInt(500), Seed: 42}, &stubSubmitter{}, testLogger())
	b := NewGenerator(GeneratorConfig{MaxCapital: decimal.NewFromInt(500), Seed: 42}, &stubSubmitter{}, testLogger())

	for i := 0; i < 10; i++ {
		oa, ob := a.next(), b.next()
		assert.Equal(t, oa.Strategy, ob.Strategy)
		assert.True(t, oa.RequestedCapital.Equal(ob.RequestedCapital))
		assert.Equal(t, oa.Priority, ob.Priority)
	}
}

func TestResultFeeder_ResolvesDecoded(t *testing.T) {
	r := &stubResolver{}
	f := NewResultFeeder(nil, r, testLogger())

	data, err := EncodeResult(domain.ExecutionResult{
		ReservationID:  7,
		Outcome:        domain.OutcomeFailure,
		RealizedProfit: decimal.NewFromInt(-1),
		CompletedAt:    time.Now(),
	})
	require.NoError(t, err)

	f.handleMessage(data)
	f.handleMessage([]byte("junk"))
	require.Len(t, r.results, 1)
	assert.Equal(t, uint64(7), r.results[0].ReservationID)
}

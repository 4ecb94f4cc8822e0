package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/dispatch"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/ledger"
	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/scoring"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingEmitter captures emitted commands and leaves them in flight so
// tests control resolution explicitly.
type recordingEmitter struct {
	mu   sync.Mutex
	cmds []domain.ExecutionCommand
}

func (r *recordingEmitter) Emit(_ context.Context, cmd domain.ExecutionCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingEmitter) commands() []domain.ExecutionCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExecutionCommand, len(r.cmds))
	copy(out, r.cmds)
	return out
}

type droppedEvent struct {
	opp    domain.Opportunity
	reason string
}

// captureSink records sink callbacks for assertions.
type captureSink struct {
	mu       sync.Mutex
	resolved []domain.ExecutionRecord
	dropped  []droppedEvent
}

func (c *captureSink) ExecutionResolved(_ context.Context, rec domain.ExecutionRecord, _ domain.StrategyMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, rec)
}

func (c *captureSink) OpportunityDropped(_ context.Context, opp domain.Opportunity, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, droppedEvent{opp: opp, reason: reason})
}

func (c *captureSink) drops() []droppedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]droppedEvent, len(c.dropped))
	copy(out, c.dropped)
	return out
}

func (c *captureSink) resolutions() []domain.ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ExecutionRecord, len(c.resolved))
	copy(out, c.resolved)
	return out
}

type harness struct {
	sched   *Scheduler
	led     *ledger.Ledger
	riskSvc *risk.Service
	disp    *dispatch.Dispatcher
	book    *scoring.Book
	emitter *recordingEmitter
	sink    *captureSink
}

func newHarness(t *testing.T, cfg Config, totalCapital int64, riskCfg risk.Config, weights scoring.Weights) *harness {
	t.Helper()
	logger := testLogger()

	led, err := ledger.New(ledger.Config{
		TotalCapital:   decimal.NewFromInt(totalCapital),
		ReservationTTL: time.Minute,
	}, logger)
	require.NoError(t, err)

	riskSvc := risk.NewService(riskCfg, led, logger)
	scorer, err := scoring.NewScorer(weights)
	require.NoError(t, err)
	book := scoring.NewBook(0)
	emitter := &recordingEmitter{}
	disp := dispatch.New(emitter, time.Minute, logger)
	sink := &captureSink{}

	sched, err := New(cfg, led, riskSvc, scorer, book, disp, sink, logger)
	require.NoError(t, err)

	return &harness{
		sched:   sched,
		led:     led,
		riskSvc: riskSvc,
		disp:    disp,
		book:    book,
		emitter: emitter,
		sink:    sink,
	}
}

func testOpp(id string, strategy domain.StrategyID, profit, capital int64) *domain.Opportunity {
	return &domain.Opportunity{
		ID:               id,
		Strategy:         strategy,
		TokenID:          "0xTOKEN",
		EstimatedProfit:  decimal.NewFromInt(profit),
		RequestedCapital: decimal.NewFromInt(capital),
		Priority:         domain.PriorityMedium,
	}
}

// profitOnly scores an opportunity by estimated profit alone, which keeps the
// queue order obvious in tests.
var profitOnly = scoring.Weights{Profit: 1}

func TestSubmit_RejectsInvalid(t *testing.T) {
	h := newHarness(t, Config{}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.ErrorIs(t, h.sched.Submit(ctx, nil), domain.ErrInvalidRequest)

	bad := testOpp("x", "unknown", 1, 1)
	require.ErrorIs(t, h.sched.Submit(ctx, bad), domain.ErrInvalidRequest)

	zero := testOpp("y", domain.StrategyArbitrage, 1, 0)
	require.ErrorIs(t, h.sched.Submit(ctx, zero), domain.ErrInvalidRequest)

	risky := testOpp("z", domain.StrategyArbitrage, 1, 1)
	risky.EstimatedRisk = 1.5
	require.ErrorIs(t, h.sched.Submit(ctx, risky), domain.ErrInvalidRequest)
}

func TestSubmit_AssignsIDAndScore(t *testing.T) {
	h := newHarness(t, Config{}, 100, risk.Config{}, profitOnly)

	opp := testOpp("", domain.StrategyArbitrage, 7, 10)
	require.NoError(t, h.sched.Submit(context.Background(), opp))

	assert.NotEmpty(t, opp.ID)
	assert.Equal(t, 7.0, opp.RawScore)
	assert.Equal(t, domain.StateQueued, opp.State)
	assert.False(t, opp.EnqueuedAt.IsZero())
	assert.Equal(t, 1, h.sched.Status().QueueDepth)
}

func TestSubmit_OverflowDropsLowest(t *testing.T) {
	h := newHarness(t, Config{QueueCapacity: 2}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("mid", domain.StrategyArbitrage, 5, 1)))
	require.NoError(t, h.sched.Submit(ctx, testOpp("high", domain.StrategyArbitrage, 8, 1)))

	// A stronger newcomer evicts the weakest resident.
	require.NoError(t, h.sched.Submit(ctx, testOpp("top", domain.StrategyArbitrage, 10, 1)))
	drops := h.sink.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "mid", drops[0].opp.ID)
	assert.Equal(t, "queue_overflow", drops[0].reason)

	// A newcomer below the floor is rejected outright.
	err := h.sched.Submit(ctx, testOpp("weak", domain.StrategyArbitrage, 1, 1))
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 2, h.sched.Status().QueueDepth)
}

func TestTick_DispatchesHighestFirst(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 2}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("low", domain.StrategyArbitrage, 1, 5)))
	require.NoError(t, h.sched.Submit(ctx, testOpp("top", domain.StrategySniper, 9, 5)))
	require.NoError(t, h.sched.Submit(ctx, testOpp("mid", domain.StrategyMomentum, 5, 5)))

	h.sched.Tick(ctx)

	cmds := h.emitter.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "top", cmds[0].OpportunityID)
	assert.Equal(t, "mid", cmds[1].OpportunityID)

	st := h.sched.Status()
	assert.Equal(t, int64(2), st.Counters.Dispatched)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 2, st.Inflight)
}

func TestTick_CapitalContention(t *testing.T) {
	h := newHarness(t, Config{
		MaxConcurrent:   2,
		DeniedPolicy:    domain.DeniedRequeue,
		RequeueCooldown: 0,
		MaxRequeues:     1,
	}, 3, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("A", domain.StrategyArbitrage, 10, 3)))
	require.NoError(t, h.sched.Submit(ctx, testOpp("B", domain.StrategySniper, 8, 3)))

	// First pass: A wins the pool, B is denied for capital and requeued.
	h.sched.Tick(ctx)
	cmds := h.emitter.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "A", cmds[0].OpportunityID)

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.Dispatched)
	assert.Equal(t, int64(1), st.Counters.DeniedCapital)
	assert.Equal(t, int64(1), st.Counters.Requeued)
	assert.Equal(t, 1, st.PendingRequeues)

	// A fails; its reservation is released on resolution, freeing the pool.
	require.True(t, h.disp.Resolve(domain.ExecutionResult{
		ReservationID:  cmds[0].ReservationID,
		OpportunityID:  "A",
		Outcome:        domain.OutcomeFailure,
		RealizedProfit: decimal.NewFromInt(-1),
		CompletedAt:    time.Now(),
	}))

	// Next pass: the freed capital is granted to B.
	h.sched.Tick(ctx)
	cmds = h.emitter.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "B", cmds[1].OpportunityID)

	st = h.sched.Status()
	assert.Equal(t, int64(2), st.Counters.Dispatched)
	assert.Equal(t, int64(1), st.Counters.Failed)
	assert.Equal(t, 0, st.PendingRequeues)
}

func TestTick_BreakerSuspendsCapitalRequests(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 2}, 100, risk.Config{
		Breaker: risk.BreakerConfig{ConsecutiveLossLimit: 1},
	}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("first", domain.StrategyArbitrage, 5, 10)))
	h.sched.Tick(ctx)
	cmds := h.emitter.commands()
	require.Len(t, cmds, 1)

	require.True(t, h.disp.Resolve(domain.ExecutionResult{
		ReservationID:  cmds[0].ReservationID,
		OpportunityID:  "first",
		Outcome:        domain.OutcomeFailure,
		RealizedProfit: decimal.NewFromInt(-5),
		CompletedAt:    time.Now(),
	}))

	require.NoError(t, h.sched.Submit(ctx, testOpp("queued1", domain.StrategySniper, 6, 10)))
	require.NoError(t, h.sched.Submit(ctx, testOpp("queued2", domain.StrategyMomentum, 4, 10)))

	requestsBefore := totalRequests(h.led)

	// The loss trips the breaker during event drain; the dispatch pass must
	// not touch the ledger afterwards.
	h.sched.Tick(ctx)
	h.sched.Tick(ctx)

	assert.Equal(t, requestsBefore, totalRequests(h.led))
	assert.Len(t, h.emitter.commands(), 1)
	assert.Equal(t, 2, h.sched.Status().QueueDepth)

	// An operator reset resumes dispatching.
	h.riskSvc.Breaker().Reset()
	h.sched.Tick(ctx)
	assert.Len(t, h.emitter.commands(), 3)
}

func totalRequests(l *ledger.Ledger) int64 {
	var total int64
	for _, c := range l.CountersByStrategy() {
		total += c.Requests
	}
	return total
}

func TestTick_DeniedDropPolicy(t *testing.T) {
	h := newHarness(t, Config{
		MaxConcurrent: 1,
		DeniedPolicy:  domain.DeniedDrop,
	}, 1, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("big", domain.StrategyArbitrage, 5, 10)))
	h.sched.Tick(ctx)

	drops := h.sink.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "big", drops[0].opp.ID)
	assert.Equal(t, "insufficient_capital", drops[0].reason)

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.DeniedCapital)
	assert.Equal(t, int64(1), st.Counters.Dropped)
	assert.Equal(t, 0, st.QueueDepth)
}

func TestTick_RiskDenialRequeuesOnceThenDrops(t *testing.T) {
	h := newHarness(t, Config{
		MaxConcurrent:   1,
		DeniedPolicy:    domain.DeniedRequeue,
		RequeueCooldown: 0,
		MaxRequeues:     1,
	}, 100, risk.Config{
		MaxStrategyExposure: decimal.NewFromInt(5),
	}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("hot", domain.StrategyArbitrage, 5, 10)))

	h.sched.Tick(ctx)
	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.DeniedRisk)
	assert.Equal(t, int64(1), st.Counters.Requeued)
	assert.Equal(t, 1, st.PendingRequeues)

	h.sched.Tick(ctx)
	st = h.sched.Status()
	assert.Equal(t, int64(2), st.Counters.DeniedRisk)
	assert.Equal(t, int64(1), st.Counters.Dropped)
	assert.Equal(t, 0, st.PendingRequeues)

	drops := h.sink.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "risk_limit", drops[0].reason)
}

func TestTick_ResidencyExpiry(t *testing.T) {
	h := newHarness(t, Config{
		MaxConcurrent: 1,
		MaxResidency:  time.Minute,
	}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.sched.now = func() time.Time { return base }
	require.NoError(t, h.sched.Submit(ctx, testOpp("stale", domain.StrategyArbitrage, 5, 10)))

	h.sched.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.sched.Tick(ctx)

	drops := h.sink.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "stale", drops[0].opp.ID)
	assert.Equal(t, "residency_expired", drops[0].reason)

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.ResidencyExpired)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Empty(t, h.emitter.commands())
}

func TestTick_RefreshReordersStaleScores(t *testing.T) {
	weights := scoring.Weights{Profit: 1, StrategyBonus: 1}
	h := newHarness(t, Config{MaxConcurrent: 1}, 100, risk.Config{}, weights)
	ctx := context.Background()

	// With neutral adaptive weights A (5+1=6) outranks B (4.5+1=5.5).
	a := testOpp("A", domain.StrategyArbitrage, 5, 10)
	b := testOpp("B", domain.StrategySniper, 4, 10)
	b.EstimatedProfit = decimal.RequireFromString("4.5")
	require.NoError(t, h.sched.Submit(ctx, a))
	require.NoError(t, h.sched.Submit(ctx, b))

	// Arbitrage's adaptive weight collapses between enqueue and dispatch;
	// A's refreshed score (5.25) now trails B's (5.5).
	h.book.Restore([]domain.StrategyMetrics{{
		Strategy:       domain.StrategyArbitrage,
		AdaptiveWeight: 0.25,
	}})

	h.sched.Tick(ctx)

	cmds := h.emitter.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "B", cmds[0].OpportunityID)
}

func TestResolved_ReleasesCapitalAndFeedsMetrics(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("win", domain.StrategyArbitrage, 5, 10)))
	h.sched.Tick(ctx)
	cmds := h.emitter.commands()
	require.Len(t, cmds, 1)
	assert.True(t, h.led.Snapshot().Allocated.Equal(decimal.NewFromInt(10)))

	require.True(t, h.disp.Resolve(domain.ExecutionResult{
		ReservationID:  cmds[0].ReservationID,
		OpportunityID:  "win",
		Outcome:        domain.OutcomeSuccess,
		RealizedProfit: decimal.NewFromInt(2),
		CompletedAt:    time.Now(),
	}))
	h.sched.Tick(ctx)

	assert.True(t, h.led.Snapshot().Allocated.IsZero())

	m := h.book.Get(domain.StrategyArbitrage)
	assert.Equal(t, int64(1), m.Executions)
	assert.Equal(t, int64(1), m.Wins)
	assert.True(t, m.TotalProfit.Equal(decimal.NewFromInt(2)))

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.Completed)

	recs := h.sink.resolutions()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, "win", recs[0].OpportunityID)
	assert.NotEmpty(t, recs[0].ID)
}

func TestTimeout_LeavesReservationForSweep(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1}, 100, risk.Config{}, profitOnly)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, testOpp("slow", domain.StrategyArbitrage, 5, 10)))
	h.sched.Tick(ctx)
	cmds := h.emitter.commands()
	require.Len(t, cmds, 1)

	// Cancel routes through the timeout path.
	require.True(t, h.disp.Cancel(cmds[0].ReservationID))
	h.sched.Tick(ctx)

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Counters.Timeouts)

	// The reservation is not released on timeout; the expiry sweep owns it.
	assert.True(t, h.led.Snapshot().Allocated.Equal(decimal.NewFromInt(10)))

	// The timeout still counts as a failed execution for the metrics book.
	m := h.book.Get(domain.StrategyArbitrage)
	assert.Equal(t, int64(1), m.Executions)
	assert.Equal(t, int64(0), m.Wins)

	recs := h.sink.resolutions()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeFailure, recs[0].Outcome)
}

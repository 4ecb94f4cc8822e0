package ledger

import (
	"errors"
	"io"
	"log/slog"
	"sync"
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

func newTestLedger(t *testing.T, total int64, ttl time.Duration) *Ledger {
	t.Helper()
	l, err := New(Config{
		TotalCapital:   decimal.NewFromInt(total),
		ReservationTTL: ttl,
	}, testLogger())
	require.NoError(t, err)
	return l
}

func req(s domain.StrategyID, amount int64, p domain.Priority) domain.CapitalRequest {
	return domain.CapitalRequest{
		Strategy:    s,
		TokenID:     "0xTOKEN",
		Amount:      decimal.NewFromInt(amount),
		Priority:    p,
		SubmittedAt: time.Now(),
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{TotalCapital: decimal.NewFromInt(-1), ReservationTTL: time.Second}, testLogger())
	require.Error(t, err)

	_, err = New(Config{TotalCapital: decimal.NewFromInt(100), ReservationTTL: 0}, testLogger())
	require.Error(t, err)
}

func TestRequestCapital_GrantAndDeny(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	res, err := l.RequestCapital(req(domain.StrategyArbitrage, 60, domain.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ID)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(60)))

	_, err = l.RequestCapital(req(domain.StrategySniper, 50, domain.PriorityMedium))
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)

	snap := l.Snapshot()
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(40)))
	assert.True(t, snap.Allocated.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, 1, snap.LiveReservations)
}

func TestRequestCapital_RejectsInvalidRequests(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	_, err := l.RequestCapital(req("unknown_strategy", 10, domain.PriorityLow))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = l.RequestCapital(req(domain.StrategyMomentum, 0, domain.PriorityLow))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = l.RequestCapital(domain.CapitalRequest{
		Strategy: domain.StrategyMomentum,
		Amount:   decimal.NewFromInt(10),
		Priority: domain.Priority(99),
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

// Conservation invariant: available + allocated always equals total, and
// allocated always equals the sum of live reservation amounts.
func TestConservationInvariant(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	var ids []uint64
	for i := 0; i < 5; i++ {
		res, err := l.RequestCapital(req(domain.StrategyMomentum, 10, domain.PriorityMedium))
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	require.NoError(t, l.ReleaseCapital(ids[0]))
	require.NoError(t, l.ReleaseCapital(ids[3]))

	snap := l.Snapshot()
	assert.True(t, snap.Available.Add(snap.Allocated).Equal(snap.Total),
		"available %s + allocated %s != total %s", snap.Available, snap.Allocated, snap.Total)
	assert.True(t, snap.Allocated.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, 3, snap.LiveReservations)
}

// No over-allocation: concurrent requests whose sum exceeds availability must
// never all be granted.
func TestNoOverAllocationUnderConcurrency(t *testing.T) {
	const workers = 50
	l := newTestLedger(t, 100, time.Minute)

	var wg sync.WaitGroup
	granted := make(chan domain.CapitalReservation, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.RequestCapital(req(domain.StrategyArbitrage, 7, domain.PriorityMedium))
			if err == nil {
				granted <- res
			} else if !errors.Is(err, domain.ErrInsufficientCapital) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(granted)

	sum := decimal.Zero
	for res := range granted {
		sum = sum.Add(res.Amount)
	}
	assert.True(t, sum.LessThanOrEqual(decimal.NewFromInt(100)),
		"granted %s exceeds pool", sum)

	snap := l.Snapshot()
	assert.True(t, snap.Allocated.Equal(sum))
	assert.False(t, snap.Available.IsNegative())
}

func TestReleaseCapital_Idempotent(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	res, err := l.RequestCapital(req(domain.StrategySniper, 25, domain.PriorityHigh))
	require.NoError(t, err)

	require.NoError(t, l.ReleaseCapital(res.ID))
	err = l.ReleaseCapital(res.ID)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)

	// Capital restored exactly once.
	snap := l.Snapshot()
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 0, snap.LiveReservations)
}

func TestSweepExpired_TTLBoundary(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	res, err := l.RequestCapital(req(domain.StrategyFlashLoanArbitrage, 40, domain.PriorityCritical))
	require.NoError(t, err)

	// Just before expiry: not reclaimed.
	l.now = func() time.Time { return base.Add(time.Minute - time.Nanosecond) }
	assert.Empty(t, l.SweepExpired())
	assert.Equal(t, 1, l.Snapshot().LiveReservations)

	// At expiry: reclaimed.
	l.now = func() time.Time { return base.Add(time.Minute) }
	removed := l.SweepExpired()
	require.Len(t, removed, 1)
	assert.Equal(t, res.ID, removed[0].ID)

	snap := l.Snapshot()
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(100)))

	// Releasing after the sweep races to NotFound, never double-restores.
	require.ErrorIs(t, l.ReleaseCapital(res.ID), domain.ErrReservationNotFound)
	assert.True(t, l.Snapshot().Available.Equal(decimal.NewFromInt(100)))
}

func TestConfirm_ExtendsTTL(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	res, err := l.RequestCapital(req(domain.StrategyMarketMaking, 10, domain.PriorityLow))
	require.NoError(t, err)

	// Confirm just before expiry with a fresh TTL; the sweep at the original
	// deadline must not reclaim it.
	l.now = func() time.Time { return base.Add(59 * time.Second) }
	require.NoError(t, l.Confirm(res.ID, 0))

	l.now = func() time.Time { return base.Add(90 * time.Second) }
	assert.Empty(t, l.SweepExpired())

	require.ErrorIs(t, l.Confirm(999, 0), domain.ErrReservationNotFound)
}

// Priority ordering: {Low,5}, {Critical,5}, {Medium,5} with 10 available
// admits Critical then Medium; Low is denied.
func TestAdmitBatch_PriorityOrdering(t *testing.T) {
	l := newTestLedger(t, 10, time.Minute)

	results := l.AdmitBatch([]domain.CapitalRequest{
		req(domain.StrategyMomentum, 5, domain.PriorityLow),
		req(domain.StrategyArbitrage, 5, domain.PriorityCritical),
		req(domain.StrategySniper, 5, domain.PriorityMedium),
	})
	require.Len(t, results, 3)

	assert.Equal(t, domain.PriorityCritical, results[0].Request.Priority)
	require.NoError(t, results[0].Err)
	assert.Equal(t, domain.PriorityMedium, results[1].Request.Priority)
	require.NoError(t, results[1].Err)
	assert.Equal(t, domain.PriorityLow, results[2].Request.Priority)
	require.ErrorIs(t, results[2].Err, domain.ErrInsufficientCapital)
}

// Equal-priority requests are admitted in arrival order.
func TestAdmitBatch_FIFOWithinPriority(t *testing.T) {
	l := newTestLedger(t, 10, time.Minute)

	results := l.AdmitBatch([]domain.CapitalRequest{
		req(domain.StrategyArbitrage, 5, domain.PriorityMedium),
		req(domain.StrategySniper, 5, domain.PriorityMedium),
		req(domain.StrategyMomentum, 5, domain.PriorityMedium),
	})
	require.NoError(t, results[0].Err)
	assert.Equal(t, domain.StrategyArbitrage, results[0].Request.Strategy)
	require.NoError(t, results[1].Err)
	assert.Equal(t, domain.StrategySniper, results[1].Request.Strategy)
	require.ErrorIs(t, results[2].Err, domain.ErrInsufficientCapital)
}

func TestCounters(t *testing.T) {
	l := newTestLedger(t, 10, time.Minute)

	res, err := l.RequestCapital(req(domain.StrategyArbitrage, 5, domain.PriorityMedium))
	require.NoError(t, err)
	_, err = l.RequestCapital(req(domain.StrategyArbitrage, 50, domain.PriorityMedium))
	require.Error(t, err)
	require.NoError(t, l.ReleaseCapital(res.ID))

	c := l.CountersByStrategy()[domain.StrategyArbitrage]
	assert.Equal(t, int64(2), c.Requests)
	assert.Equal(t, int64(1), c.Grants)
	assert.Equal(t, int64(1), c.Denials)
	assert.Equal(t, int64(1), c.Releases)
}

func TestStrategyExposure(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	_, err := l.RequestCapital(req(domain.StrategyArbitrage, 20, domain.PriorityMedium))
	require.NoError(t, err)
	_, err = l.RequestCapital(req(domain.StrategyArbitrage, 10, domain.PriorityMedium))
	require.NoError(t, err)
	_, err = l.RequestCapital(req(domain.StrategySniper, 5, domain.PriorityMedium))
	require.NoError(t, err)

	assert.True(t, l.StrategyExposure(domain.StrategyArbitrage).Equal(decimal.NewFromInt(30)))
	assert.True(t, l.StrategyExposure(domain.StrategySniper).Equal(decimal.NewFromInt(5)))
	assert.True(t, l.StrategyExposure(domain.StrategyMomentum).IsZero())
}

// Monotonic ids: released ids are never reused.
func TestReservationIDsNeverReused(t *testing.T) {
	l := newTestLedger(t, 100, time.Minute)

	res1, err := l.RequestCapital(req(domain.StrategyMomentum, 10, domain.PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, l.ReleaseCapital(res1.ID))

	res2, err := l.RequestCapital(req(domain.StrategyMomentum, 10, domain.PriorityMedium))
	require.NoError(t, err)
	assert.Greater(t, res2.ID, res1.ID)
}

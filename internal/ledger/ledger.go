// Package ledger owns the single source of truth for total, allocated, and
// available capital. All mutation goes through a single mutex: request,
// release, confirm, and sweep are mutually exclusive with respect to the
// pool aggregates and the reservation table.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the ledger's tunable parameters.
type Config struct {
	TotalCapital   decimal.Decimal
	ReservationTTL time.Duration
	// SweepInterval controls the background sweep loop. The sweep also runs
	// lazily on every RequestCapital call, so this is a backstop.
	SweepInterval time.Duration
}

// Counters accumulates per-strategy admission outcomes.
type Counters struct {
	Requests int64
	Grants   int64
	Denials  int64
	Releases int64
	Expiries int64
}

// AdmitResult pairs a request from an AdmitBatch call with its outcome.
type AdmitResult struct {
	Request     domain.CapitalRequest
	Reservation domain.CapitalReservation
	Err         error
}

// Ledger is the capital allocator. It is safe for concurrent use.
type Ledger struct {
	mu           sync.Mutex
	total        decimal.Decimal
	allocated    decimal.Decimal
	ttl          time.Duration
	nextID       uint64
	reservations map[uint64]domain.CapitalReservation
	counters     map[domain.StrategyID]*Counters

	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Ledger. TotalCapital must be positive and ReservationTTL
// non-zero; anything else is a fatal configuration error.
func New(cfg Config, logger *slog.Logger) (*Ledger, error) {
	if cfg.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ledger: total capital must be positive, got %s", cfg.TotalCapital)
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("ledger: reservation TTL must be positive, got %s", cfg.ReservationTTL)
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = cfg.ReservationTTL / 2
	}
	return &Ledger{
		total:         cfg.TotalCapital,
		allocated:     decimal.Zero,
		ttl:           cfg.ReservationTTL,
		nextID:        1,
		reservations:  make(map[uint64]domain.CapitalReservation),
		counters:      make(map[domain.StrategyID]*Counters),
		sweepInterval: sweep,
		logger:        logger.With(slog.String("component", "ledger")),
		now:           time.Now,
	}, nil
}

// RequestCapital atomically checks availability and reserves the requested
// amount. Expired reservations are swept first, so capital freed by a dead
// strategy is immediately reusable. On denial the pool is left untouched and
// domain.ErrInsufficientCapital is returned.
func (l *Ledger) RequestCapital(req domain.CapitalRequest) (domain.CapitalReservation, error) {
	if err := validateRequest(req); err != nil {
		return domain.CapitalReservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	c := l.countersLocked(req.Strategy)
	c.Requests++

	available := l.total.Sub(l.allocated)
	if req.Amount.GreaterThan(available) {
		c.Denials++
		l.logger.Info("capital request denied",
			slog.String("strategy", string(req.Strategy)),
			slog.String("token", req.TokenID),
			slog.String("amount", req.Amount.String()),
			slog.String("available", available.String()),
			slog.String("reason", "insufficient_capital"),
		)
		return domain.CapitalReservation{}, fmt.Errorf(
			"ledger: requested %s with %s available: %w",
			req.Amount, available, domain.ErrInsufficientCapital,
		)
	}

	res := domain.CapitalReservation{
		ID:        l.nextID,
		Strategy:  req.Strategy,
		TokenID:   req.TokenID,
		Amount:    req.Amount,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	l.nextID++
	l.allocated = l.allocated.Add(req.Amount)
	l.reservations[res.ID] = res
	c.Grants++

	l.checkInvariantLocked()

	l.logger.Debug("capital reserved",
		slog.Uint64("reservation_id", res.ID),
		slog.String("strategy", string(req.Strategy)),
		slog.String("amount", req.Amount.String()),
		slog.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

// ReleaseCapital removes a live reservation and restores its amount to the
// pool. Releasing an unknown or already-released id returns
// domain.ErrReservationNotFound; that is a normal outcome when racing the
// expiry sweep and is logged at warning level only.
func (l *Ledger) ReleaseCapital(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[id]
	if !ok {
		l.logger.Warn("release of unknown reservation",
			slog.Uint64("reservation_id", id),
		)
		return fmt.Errorf("ledger: release %d: %w", id, domain.ErrReservationNotFound)
	}

	delete(l.reservations, id)
	l.allocated = l.allocated.Sub(res.Amount)
	l.countersLocked(res.Strategy).Releases++

	l.checkInvariantLocked()

	l.logger.Debug("capital released",
		slog.Uint64("reservation_id", id),
		slog.String("strategy", string(res.Strategy)),
		slog.String("amount", res.Amount.String()),
	)
	return nil
}

// Confirm marks a reservation as in active use and extends its TTL by the
// given duration (zero extends by the configured TTL). It is the only
// in-place mutation a reservation undergoes.
func (l *Ledger) Confirm(id uint64, extend time.Duration) error {
	if extend <= 0 {
		extend = l.ttl
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("ledger: confirm %d: %w", id, domain.ErrReservationNotFound)
	}
	res.Confirmed = true
	res.ExpiresAt = l.now().Add(extend)
	l.reservations[id] = res
	return nil
}

// SweepExpired removes all reservations whose TTL has passed, restores their
// capital, and returns the removed set. This is the sole safety net against
// a strategy crashing after reserving but before releasing.
func (l *Ledger) SweepExpired() []domain.CapitalReservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// AdmitBatch processes a set of pending requests strictly by priority
// descending, FIFO within equal priority. The sort is stable so arrival
// order is preserved among peers and no strategy is starved by timing.
func (l *Ledger) AdmitBatch(reqs []domain.CapitalRequest) []AdmitResult {
	ordered := make([]domain.CapitalRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	results := make([]AdmitResult, 0, len(ordered))
	for _, req := range ordered {
		res, err := l.RequestCapital(req)
		results = append(results, AdmitResult{Request: req, Reservation: res, Err: err})
	}
	return results
}

// Snapshot returns a point-in-time view of the pool aggregates.
func (l *Ledger) Snapshot() domain.PoolSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.PoolSnapshot{
		Total:            l.total,
		Allocated:        l.allocated,
		Available:        l.total.Sub(l.allocated),
		LiveReservations: len(l.reservations),
		TakenAt:          l.now(),
	}
}

// StrategyExposure returns the sum of live reservation amounts for one
// strategy. Used by the risk service for exposure checks.
func (l *Ledger) StrategyExposure(s domain.StrategyID) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, res := range l.reservations {
		if res.Strategy == s {
			sum = sum.Add(res.Amount)
		}
	}
	return sum
}

// CountersByStrategy returns a copy of the per-strategy admission counters.
func (l *Ledger) CountersByStrategy() map[domain.StrategyID]Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.StrategyID]Counters, len(l.counters))
	for s, c := range l.counters {
		out[s] = *c
	}
	return out
}

// Run drives the periodic background sweep until the context is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	l.logger.Info("ledger sweep loop started", slog.Duration("interval", l.sweepInterval))
	defer l.logger.Info("ledger sweep loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.SweepExpired()
		}
	}
}

// sweepLocked removes expired reservations. Caller holds l.mu.
func (l *Ledger) sweepLocked(now time.Time) []domain.CapitalReservation {
	var removed []domain.CapitalReservation
	for id, res := range l.reservations {
		if !res.Expired(now) {
			continue
		}
		delete(l.reservations, id)
		l.allocated = l.allocated.Sub(res.Amount)
		l.countersLocked(res.Strategy).Expiries++
		removed = append(removed, res)
		l.logger.Warn("reservation expired",
			slog.Uint64("reservation_id", id),
			slog.String("strategy", string(res.Strategy)),
			slog.String("amount", res.Amount.String()),
			slog.Time("created_at", res.CreatedAt),
		)
	}
	if len(removed) > 0 {
		l.checkInvariantLocked()
	}
	return removed
}

// checkInvariantLocked verifies the conservation invariant: allocated equals
// the sum of live reservation amounts and available never goes negative. A
// violation means the atomicity guarantee is broken, which is an internal
// bug; it must fail loudly rather than self-heal.
func (l *Ledger) checkInvariantLocked() {
	sum := decimal.Zero
	for _, res := range l.reservations {
		sum = sum.Add(res.Amount)
	}
	if !sum.Equal(l.allocated) {
		panic(fmt.Sprintf(
			"ledger: invariant violation: allocated=%s but live reservations sum to %s",
			l.allocated, sum,
		))
	}
	if l.total.Sub(l.allocated).IsNegative() {
		panic(fmt.Sprintf(
			"ledger: invariant violation: available negative (total=%s allocated=%s)",
			l.total, l.allocated,
		))
	}
}

// countersLocked returns the counter record for a strategy, creating it on
// first use. Caller holds l.mu.
func (l *Ledger) countersLocked(s domain.StrategyID) *Counters {
	c, ok := l.counters[s]
	if !ok {
		c = &Counters{}
		l.counters[s] = c
	}
	return c
}

func validateRequest(req domain.CapitalRequest) error {
	if !req.Strategy.Valid() {
		return fmt.Errorf("ledger: unknown strategy %q: %w", req.Strategy, domain.ErrInvalidRequest)
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: non-positive amount %s: %w", req.Amount, domain.ErrInvalidRequest)
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("ledger: invalid priority %d: %w", req.Priority, domain.ErrInvalidRequest)
	}
	return nil
}

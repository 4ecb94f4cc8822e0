// Package scheduler runs the opportunity decision loop: it holds the scored
// priority queue, verifies candidates against risk limits, requests capital
// for the winners, and hands them to the dispatcher. One Tick is one pass of
// the loop; Run drives ticks on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/dispatch"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/scoring"
)

// CapitalLedger is the slice of the ledger the scheduler drives.
type CapitalLedger interface {
	RequestCapital(req domain.CapitalRequest) (domain.CapitalReservation, error)
	ReleaseCapital(id uint64) error
	Confirm(id uint64, extend time.Duration) error
}

// RiskChecker gates candidates before capital is requested and absorbs
// execution results for the circuit breaker.
type RiskChecker interface {
	Check(ctx context.Context, opp *domain.Opportunity) error
	AddHeat(opp *domain.Opportunity)
	RemoveHeat(opportunityID string)
	RecordResult(res domain.ExecutionResult)
}

// ExecutionDispatcher emits commands and reports resolutions back.
type ExecutionDispatcher interface {
	Dispatch(ctx context.Context, opp *domain.Opportunity, res domain.CapitalReservation) (domain.ExecutionCommand, error)
	InflightCount() int
	ResolvedEvents() <-chan dispatch.Resolved
	TimeoutEvents() <-chan dispatch.Timeout
}

// Sink receives terminal scheduler outcomes for persistence and broadcast.
// Implementations must not block the decision loop.
type Sink interface {
	ExecutionResolved(ctx context.Context, rec domain.ExecutionRecord, m domain.StrategyMetrics)
	OpportunityDropped(ctx context.Context, opp domain.Opportunity, reason string)
}

// NopSink discards all outcomes. Used in tests and standalone runs.
type NopSink struct{}

func (NopSink) ExecutionResolved(context.Context, domain.ExecutionRecord, domain.StrategyMetrics) {}
func (NopSink) OpportunityDropped(context.Context, domain.Opportunity, string)                    {}

// Config holds the scheduler's tunable parameters.
type Config struct {
	// TickInterval is the decision loop period.
	TickInterval time.Duration
	// MaxConcurrent caps in-flight executions; the dispatch budget per tick
	// is MaxConcurrent minus the current in-flight count.
	MaxConcurrent int
	// QueueCapacity bounds the priority queue; overflow drops the
	// lowest-scoring entry.
	QueueCapacity int
	// MaxResidency expires opportunities that sit in the queue longer than
	// this without being dispatched. Zero disables the sweep.
	MaxResidency time.Duration

	// DeniedPolicy selects requeue-or-drop for capital and risk denials.
	DeniedPolicy domain.DeniedPolicy
	// RequeueCooldown delays a requeued opportunity's next attempt.
	RequeueCooldown time.Duration
	// MaxRequeues bounds how often one opportunity may be requeued before it
	// is dropped.
	MaxRequeues int
}

// Counters accumulates decision-loop outcomes for the status API.
type Counters struct {
	Submitted        int64
	Evicted          int64
	Dispatched       int64
	DeniedCapital    int64
	DeniedRisk       int64
	Requeued         int64
	Dropped          int64
	ResidencyExpired int64
	Completed        int64
	Failed           int64
	Timeouts         int64
}

// Status is a point-in-time view of the scheduler for the HTTP status
// endpoint.
type Status struct {
	QueueDepth      int
	PendingRequeues int
	Inflight        int
	// LastTickDuration is how long the most recent decision pass took.
	LastTickDuration time.Duration
	Counters         Counters
}

type pendingRequeue struct {
	opp        *domain.Opportunity
	eligibleAt time.Time
}

// Scheduler owns the opportunity queue and the per-tick decision loop.
type Scheduler struct {
	cfg        Config
	ledger     CapitalLedger
	risk       RiskChecker
	scorer     *scoring.Scorer
	book       *scoring.Book
	dispatcher ExecutionDispatcher
	sink       Sink
	logger     *slog.Logger

	mu       sync.Mutex
	queue    *queue
	pending  []pendingRequeue
	counters Counters
	lastTick time.Duration

	now func() time.Time
}

// New creates a Scheduler. Zero config fields get conservative defaults; an
// unrecognized denied policy is a configuration error.
func New(cfg Config, ledger CapitalLedger, riskSvc RiskChecker, scorer *scoring.Scorer, book *scoring.Book, dispatcher ExecutionDispatcher, sink Sink, logger *slog.Logger) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.DeniedPolicy == "" {
		cfg.DeniedPolicy = domain.DeniedRequeue
	}
	if !cfg.DeniedPolicy.Valid() {
		return nil, fmt.Errorf("scheduler: unknown denied policy %q", cfg.DeniedPolicy)
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 1
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{
		cfg:        cfg,
		ledger:     ledger,
		risk:       riskSvc,
		scorer:     scorer,
		book:       book,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger.With(slog.String("component", "scheduler")),
		queue:      newQueue(cfg.QueueCapacity),
		now:        time.Now,
	}, nil
}

// Submit scores an opportunity and inserts it into the queue. An empty ID is
// assigned. When the queue is full the lowest-scoring opportunity is dropped;
// if that is the submitted one, domain.ErrQueueFull is returned.
func (s *Scheduler) Submit(ctx context.Context, opp *domain.Opportunity) error {
	if err := validateOpportunity(opp); err != nil {
		return err
	}
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.EnqueuedAt.IsZero() {
		opp.EnqueuedAt = s.now()
	}
	opp.RawScore = s.score(opp)
	opp.State = domain.StateQueued

	s.mu.Lock()
	s.counters.Submitted++
	evicted := s.queue.Push(opp)
	if evicted != nil {
		s.counters.Evicted++
	}
	s.mu.Unlock()

	if evicted == nil {
		return nil
	}
	evicted.State = domain.StateDropped
	s.sink.OpportunityDropped(ctx, *evicted, "queue_overflow")
	s.logger.Warn("opportunity dropped on overflow",
		slog.String("opportunity_id", evicted.ID),
		slog.String("strategy", string(evicted.Strategy)),
		slog.Float64("score", evicted.RawScore),
	)
	if evicted == opp {
		return fmt.Errorf("scheduler: submit %s: %w", opp.ID, domain.ErrQueueFull)
	}
	return nil
}

// Tick runs one pass of the decision loop: drain execution events, promote
// cooled-down requeues, expire stale residents, then dispatch up to the
// concurrency budget. Exported so tests can step the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		s.mu.Lock()
		s.lastTick = elapsed
		s.mu.Unlock()
	}()

	s.drainEvents(ctx)

	now := s.now()
	s.mu.Lock()
	s.promoteLocked(now)
	var expired []*domain.Opportunity
	if s.cfg.MaxResidency > 0 {
		expired = s.queue.SweepOlderThan(now.Add(-s.cfg.MaxResidency))
		s.counters.ResidencyExpired += int64(len(expired))
	}
	s.mu.Unlock()

	for _, opp := range expired {
		opp.State = domain.StateExpired
		s.sink.OpportunityDropped(ctx, *opp, "residency_expired")
		s.logger.Info("opportunity expired in queue",
			slog.String("opportunity_id", opp.ID),
			slog.String("strategy", string(opp.Strategy)),
			slog.Time("enqueued_at", opp.EnqueuedAt),
		)
	}

	s.dispatchPass(ctx)
}

// Run drives the decision loop until the context is cancelled. Execution
// events are also handled between ticks so results do not wait for the next
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.TickInterval),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.String("denied_policy", string(s.cfg.DeniedPolicy)),
	)
	defer s.logger.Info("scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case r := <-s.dispatcher.ResolvedEvents():
			s.handleResolved(ctx, r)
		case to := <-s.dispatcher.TimeoutEvents():
			s.handleTimeout(ctx, to)
		}
	}
}

// Status returns a snapshot for the status API.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		QueueDepth:       s.queue.Len(),
		PendingRequeues:  len(s.pending),
		Inflight:         s.dispatcher.InflightCount(),
		LastTickDuration: s.lastTick,
		Counters:         s.counters,
	}
}

// dispatchPass pops candidates and dispatches them until the concurrency
// budget is spent or the queue yields nothing dispatchable. The attempt cap
// bounds the stale-score re-push dance so one tick always terminates.
func (s *Scheduler) dispatchPass(ctx context.Context) {
	budget := s.cfg.MaxConcurrent - s.dispatcher.InflightCount()
	attempts := budget + 4

	for budget > 0 && attempts > 0 {
		attempts--

		opp, ok := s.popFresh()
		if !ok {
			return
		}
		if opp == nil {
			continue // stale score, re-pushed
		}

		if err := s.risk.Check(ctx, opp); err != nil {
			if errors.Is(err, domain.ErrCircuitBreakerTripped) {
				// The breaker gates every dispatch. Put the candidate back
				// untouched and stop issuing capital requests this tick.
				s.mu.Lock()
				s.queue.Push(opp)
				s.mu.Unlock()
				s.logger.Warn("dispatch suspended, circuit breaker tripped")
				return
			}
			s.mu.Lock()
			s.counters.DeniedRisk++
			s.mu.Unlock()
			s.deny(ctx, opp, "risk_limit")
			continue
		}

		res, err := s.ledger.RequestCapital(domain.CapitalRequest{
			Strategy:    opp.Strategy,
			TokenID:     opp.TokenID,
			Amount:      opp.RequestedCapital,
			Priority:    opp.Priority,
			SubmittedAt: opp.EnqueuedAt,
		})
		if err != nil {
			s.mu.Lock()
			s.counters.DeniedCapital++
			s.mu.Unlock()
			s.deny(ctx, opp, "insufficient_capital")
			continue
		}

		if _, err := s.dispatcher.Dispatch(ctx, opp, res); err != nil {
			if relErr := s.ledger.ReleaseCapital(res.ID); relErr != nil {
				s.logger.Error("release after failed dispatch",
					slog.Uint64("reservation_id", res.ID),
					slog.String("error", relErr.Error()),
				)
			}
			s.logger.Error("dispatch failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
			s.deny(ctx, opp, "dispatch_failed")
			continue
		}

		_ = s.ledger.Confirm(res.ID, 0)
		s.risk.AddHeat(opp)
		opp.State = domain.StateDispatched
		s.mu.Lock()
		s.counters.Dispatched++
		s.mu.Unlock()
		budget--
	}
}

// popFresh pops the head of the queue and refreshes its score from current
// strategy metrics. If the refreshed score falls below the next entry the
// candidate is re-pushed and (nil, true) is returned so the caller retries
// within its attempt budget. (nil, false) means the queue is empty.
func (s *Scheduler) popFresh() (*domain.Opportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opp := s.queue.Pop()
	if opp == nil {
		return nil, false
	}

	fresh := s.score(opp)
	if next := s.queue.Peek(); next != nil && fresh < next.RawScore {
		opp.RawScore = fresh
		s.queue.Push(opp)
		return nil, true
	}
	opp.RawScore = fresh
	return opp, true
}

// deny applies the configured denied policy to a candidate that failed a risk
// check or a capital request.
func (s *Scheduler) deny(ctx context.Context, opp *domain.Opportunity, reason string) {
	opp.State = domain.StateDenied

	if s.cfg.DeniedPolicy == domain.DeniedRequeue && opp.Requeues < s.cfg.MaxRequeues {
		opp.Requeues++
		opp.State = domain.StateRequeued
		s.mu.Lock()
		s.counters.Requeued++
		s.pending = append(s.pending, pendingRequeue{
			opp:        opp,
			eligibleAt: s.now().Add(s.cfg.RequeueCooldown),
		})
		s.mu.Unlock()
		s.logger.Debug("opportunity requeued",
			slog.String("opportunity_id", opp.ID),
			slog.String("reason", reason),
			slog.Int("requeues", opp.Requeues),
		)
		return
	}

	opp.State = domain.StateDropped
	s.mu.Lock()
	s.counters.Dropped++
	s.mu.Unlock()
	s.sink.OpportunityDropped(ctx, *opp, reason)
	s.logger.Info("opportunity dropped",
		slog.String("opportunity_id", opp.ID),
		slog.String("strategy", string(opp.Strategy)),
		slog.String("reason", reason),
		slog.Int("requeues", opp.Requeues),
	)
}

// promoteLocked moves cooled-down requeues back into the queue. Caller holds
// s.mu.
func (s *Scheduler) promoteLocked(now time.Time) {
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if p.eligibleAt.After(now) {
			remaining = append(remaining, p)
			continue
		}
		p.opp.State = domain.StateQueued
		if evicted := s.queue.Push(p.opp); evicted != nil {
			s.counters.Evicted++
			evicted.State = domain.StateDropped
		}
	}
	s.pending = remaining
}

// drainEvents consumes all buffered execution events without blocking.
func (s *Scheduler) drainEvents(ctx context.Context) {
	for {
		select {
		case r := <-s.dispatcher.ResolvedEvents():
			s.handleResolved(ctx, r)
		case to := <-s.dispatcher.TimeoutEvents():
			s.handleTimeout(ctx, to)
		default:
			return
		}
	}
}

// handleResolved closes the loop on a completed execution: release the
// reservation, clear heat, feed the breaker and the metrics book, then hand
// the record to the sink.
func (s *Scheduler) handleResolved(ctx context.Context, r dispatch.Resolved) {
	if err := s.ledger.ReleaseCapital(r.Result.ReservationID); err != nil {
		// Lost the race with the expiry sweep; the capital is already back.
		s.logger.Debug("release raced expiry sweep",
			slog.Uint64("reservation_id", r.Result.ReservationID),
		)
	}
	s.risk.RemoveHeat(r.Opportunity.ID)
	s.risk.RecordResult(r.Result)
	m := s.book.Record(r.Command.Strategy, r.Result)

	s.mu.Lock()
	if r.Result.Win() {
		r.Opportunity.State = domain.StateCompleted
		s.counters.Completed++
	} else {
		r.Opportunity.State = domain.StateFailed
		s.counters.Failed++
	}
	s.mu.Unlock()

	s.sink.ExecutionResolved(ctx, domain.ExecutionRecord{
		ID:             uuid.NewString(),
		ReservationID:  r.Result.ReservationID,
		OpportunityID:  r.Opportunity.ID,
		Strategy:       r.Command.Strategy,
		TokenID:        r.Command.TokenID,
		Amount:         r.Command.Amount,
		Outcome:        r.Result.Outcome,
		RealizedProfit: r.Result.RealizedProfit,
		Score:          r.Command.Score,
		DispatchedAt:   r.Command.DispatchedAt,
		CompletedAt:    r.Result.CompletedAt,
	}, m)

	s.logger.Info("execution resolved",
		slog.String("opportunity_id", r.Opportunity.ID),
		slog.String("strategy", string(r.Command.Strategy)),
		slog.String("outcome", string(r.Result.Outcome)),
		slog.String("profit", r.Result.RealizedProfit.String()),
	)
}

// handleTimeout accounts a dispatched execution that never reported back. The
// reservation is deliberately not released here: the ledger's expiry sweep is
// the single reclamation path for abandoned capital.
func (s *Scheduler) handleTimeout(ctx context.Context, to dispatch.Timeout) {
	s.risk.RemoveHeat(to.Opportunity.ID)

	res := domain.ExecutionResult{
		ReservationID:  to.Command.ReservationID,
		OpportunityID:  to.Opportunity.ID,
		Outcome:        domain.OutcomeFailure,
		RealizedProfit: decimal.Zero,
		CompletedAt:    s.now(),
	}
	s.risk.RecordResult(res)
	m := s.book.Record(to.Command.Strategy, res)

	s.mu.Lock()
	to.Opportunity.State = domain.StateFailed
	s.counters.Timeouts++
	s.mu.Unlock()

	s.sink.ExecutionResolved(ctx, domain.ExecutionRecord{
		ID:             uuid.NewString(),
		ReservationID:  to.Command.ReservationID,
		OpportunityID:  to.Opportunity.ID,
		Strategy:       to.Command.Strategy,
		TokenID:        to.Command.TokenID,
		Amount:         to.Command.Amount,
		Outcome:        domain.OutcomeFailure,
		RealizedProfit: res.RealizedProfit,
		Score:          to.Command.Score,
		DispatchedAt:   to.Command.DispatchedAt,
		CompletedAt:    res.CompletedAt,
	}, m)

	s.logger.Warn("execution timed out",
		slog.String("opportunity_id", to.Opportunity.ID),
		slog.String("strategy", string(to.Command.Strategy)),
		slog.Uint64("reservation_id", to.Command.ReservationID),
	)
}

// score computes the current raw score for an opportunity from the scoring
// weights and the strategy's adaptive weight.
func (s *Scheduler) score(opp *domain.Opportunity) float64 {
	profit, _ := opp.EstimatedProfit.Float64()
	capital, _ := opp.RequestedCapital.Float64()
	return s.scorer.Score(profit, opp.EstimatedRisk, capital, s.book.Get(opp.Strategy).AdaptiveWeight)
}

func validateOpportunity(opp *domain.Opportunity) error {
	if opp == nil {
		return fmt.Errorf("scheduler: nil opportunity: %w", domain.ErrInvalidRequest)
	}
	if !opp.Strategy.Valid() {
		return fmt.Errorf("scheduler: unknown strategy %q: %w", opp.Strategy, domain.ErrInvalidRequest)
	}
	if opp.RequestedCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("scheduler: non-positive capital %s: %w", opp.RequestedCapital, domain.ErrInvalidRequest)
	}
	if opp.EstimatedRisk < 0 || opp.EstimatedRisk > 1 {
		return fmt.Errorf("scheduler: risk estimate %f out of range: %w", opp.EstimatedRisk, domain.ErrInvalidRequest)
	}
	if !opp.Priority.Valid() {
		return fmt.Errorf("scheduler: invalid priority %d: %w", opp.Priority, domain.ErrInvalidRequest)
	}
	return nil
}

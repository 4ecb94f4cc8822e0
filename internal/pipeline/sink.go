package pipeline

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// PoolSource supplies the current pool snapshot for status-cache refreshes.
// Satisfied by the ledger.
type PoolSource interface {
	Snapshot() domain.PoolSnapshot
}

// Sink receives terminal scheduler outcomes and fans them out to the
// execution store, the metrics store, the audit log, the status cache, and
// the event bus. All work happens on a single background worker so the
// decision loop never blocks on storage.
type Sink struct {
	executions domain.ExecutionStore
	metrics    domain.MetricsStore
	audit      domain.AuditStore
	status     domain.StatusCache
	bus        domain.EventBus
	pool       PoolSource
	logger     *slog.Logger

	jobs chan func(ctx context.Context)
}

// NewSink creates a Sink. Any nil dependency is skipped at fan-out time, so
// reduced wirings (no blob store, no bus) degrade gracefully.
func NewSink(executions domain.ExecutionStore, metrics domain.MetricsStore, audit domain.AuditStore, status domain.StatusCache, bus domain.EventBus, pool PoolSource, logger *slog.Logger) *Sink {
	return &Sink{
		executions: executions,
		metrics:    metrics,
		audit:      audit,
		status:     status,
		bus:        bus,
		pool:       pool,
		logger:     logger.With(slog.String("component", "sink")),
		jobs:       make(chan func(ctx context.Context), 1024),
	}
}

// Run drains the work queue until the context is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	s.logger.Info("sink started")
	defer s.logger.Info("sink stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-s.jobs:
			job(ctx)
		}
	}
}

// ExecutionResolved persists and broadcasts a resolved execution.
func (s *Sink) ExecutionResolved(_ context.Context, rec domain.ExecutionRecord, m domain.StrategyMetrics) {
	s.enqueue(func(ctx context.Context) {
		if s.executions != nil {
			if err := s.executions.Insert(ctx, rec); err != nil {
				s.logger.Error("insert execution",
					slog.String("execution_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if s.metrics != nil {
			if err := s.metrics.Upsert(ctx, m); err != nil {
				s.logger.Error("upsert metrics",
					slog.String("strategy", string(m.Strategy)),
					slog.String("error", err.Error()),
				)
			}
		}
		s.refreshStatus(ctx, m)
		s.auditLog(ctx, "execution.resolved", map[string]any{
			"execution_id":    rec.ID,
			"opportunity_id":  rec.OpportunityID,
			"reservation_id":  rec.ReservationID,
			"strategy":        string(rec.Strategy),
			"outcome":         string(rec.Outcome),
			"amount":          rec.Amount.String(),
			"realized_profit": rec.RealizedProfit.String(),
		})
		publishEvent(ctx, s.bus, s.logger, Event{
			Type: "execution_resolved",
			At:   rec.CompletedAt,
			Detail: map[string]any{
				"opportunity_id":  rec.OpportunityID,
				"strategy":        string(rec.Strategy),
				"outcome":         string(rec.Outcome),
				"realized_profit": rec.RealizedProfit.String(),
				"win_rate":        m.WinRate,
				"adaptive_weight": m.AdaptiveWeight,
			},
		})
	})
}

// OpportunityDropped records an opportunity leaving the system without
// executing: overflow eviction, residency expiry, or a terminal denial.
func (s *Sink) OpportunityDropped(_ context.Context, opp domain.Opportunity, reason string) {
	s.enqueue(func(ctx context.Context) {
		s.auditLog(ctx, "opportunity.dropped", map[string]any{
			"opportunity_id":    opp.ID,
			"strategy":          string(opp.Strategy),
			"reason":            reason,
			"score":             opp.RawScore,
			"requested_capital": opp.RequestedCapital.String(),
			"requeues":          opp.Requeues,
		})
		publishEvent(ctx, s.bus, s.logger, Event{
			Type: "opportunity_dropped",
			At:   timeNow(),
			Detail: map[string]any{
				"opportunity_id": opp.ID,
				"strategy":       string(opp.Strategy),
				"reason":         reason,
			},
		})
	})
}

// BreakerTripped is wired as the circuit breaker's trip hook.
func (s *Sink) BreakerTripped(reason string) {
	s.enqueue(func(ctx context.Context) {
		s.auditLog(ctx, "breaker.tripped", map[string]any{"reason": reason})
		publishEvent(ctx, s.bus, s.logger, Event{
			Type:   "breaker_tripped",
			At:     timeNow(),
			Detail: map[string]any{"reason": reason},
		})
	})
}

// BreakerReset is wired as the circuit breaker's reset hook.
func (s *Sink) BreakerReset() {
	s.enqueue(func(ctx context.Context) {
		s.auditLog(ctx, "breaker.reset", nil)
		publishEvent(ctx, s.bus, s.logger, Event{Type: "breaker_reset", At: timeNow()})
	})
}

// enqueue hands a job to the worker. When the queue is full the job is
// dropped with a warning; decision-loop progress outranks observability.
func (s *Sink) enqueue(job func(ctx context.Context)) {
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("sink queue full, dropping job")
	}
}

func (s *Sink) refreshStatus(ctx context.Context, m domain.StrategyMetrics) {
	if s.status == nil {
		return
	}
	if err := s.status.SetMetrics(ctx, m); err != nil {
		s.logger.Warn("cache metrics", slog.String("error", err.Error()))
	}
	if s.pool != nil {
		if err := s.status.SetPool(ctx, s.pool.Snapshot()); err != nil {
			s.logger.Warn("cache pool snapshot", slog.String("error", err.Error()))
		}
	}
}

func (s *Sink) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.Error("audit log",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

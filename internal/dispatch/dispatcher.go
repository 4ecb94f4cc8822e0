// Package dispatch bridges the scheduler to the execution layer. It emits
// execution commands, tracks in-flight reservations, enforces a
// per-opportunity execution timeout, and guarantees that each command
// resolves at most once no matter how results, timeouts, and cancellations
// race.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Emitter delivers an execution command to the execution layer. It must not
// block: a synchronous executor resolves through the Resolver it was given,
// a bus-backed one publishes and returns.
type Emitter interface {
	Emit(ctx context.Context, cmd domain.ExecutionCommand) error
}

// Resolved pairs an execution result with the command and opportunity it
// belongs to, so the scheduler can close the loop without a second lookup.
type Resolved struct {
	Result      domain.ExecutionResult
	Command     domain.ExecutionCommand
	Opportunity *domain.Opportunity
}

// Timeout reports an in-flight execution that produced no result within its
// deadline. The reservation is left for the ledger's expiry sweep.
type Timeout struct {
	Command     domain.ExecutionCommand
	Opportunity *domain.Opportunity
}

type entry struct {
	opp   *domain.Opportunity
	cmd   domain.ExecutionCommand
	timer *time.Timer
}

// Dispatcher tracks in-flight executions keyed by reservation id. All
// transitions out of the in-flight set (result, timeout, cancel) are
// idempotent: the first one wins, later ones are ignored with a log line.
type Dispatcher struct {
	emitter Emitter
	timeout time.Duration

	mu       sync.Mutex
	inflight map[uint64]*entry

	resolved chan Resolved
	timeouts chan Timeout

	logger *slog.Logger
}

// New creates a Dispatcher. The timeout applies per dispatched opportunity
// and should match the reservation TTL so a cancelled execution's capital is
// reclaimed by the sweep right as the scheduler gives up on it.
func New(emitter Emitter, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		emitter:  emitter,
		timeout:  timeout,
		inflight: make(map[uint64]*entry),
		resolved: make(chan Resolved, 1024),
		timeouts: make(chan Timeout, 256),
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch emits the execution command for an opportunity holding the given
// reservation and starts its timeout clock. On emit failure the entry is
// rolled back and the caller still owns the reservation.
func (d *Dispatcher) Dispatch(ctx context.Context, opp *domain.Opportunity, res domain.CapitalReservation) (domain.ExecutionCommand, error) {
	cmd := domain.ExecutionCommand{
		ReservationID: res.ID,
		OpportunityID: opp.ID,
		Strategy:      opp.Strategy,
		TokenID:       opp.TokenID,
		Amount:        res.Amount,
		Score:         opp.RawScore,
		DispatchedAt:  time.Now().UTC(),
	}

	e := &entry{opp: opp, cmd: cmd}
	d.mu.Lock()
	d.inflight[res.ID] = e
	e.timer = time.AfterFunc(d.timeout, func() { d.expire(res.ID) })
	d.mu.Unlock()

	if err := d.emitter.Emit(ctx, cmd); err != nil {
		d.remove(res.ID)
		return cmd, fmt.Errorf("dispatch: emit reservation %d: %w", res.ID, err)
	}

	d.logger.Debug("execution command emitted",
		slog.Uint64("reservation_id", res.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("strategy", string(opp.Strategy)),
	)
	return cmd, nil
}

// Resolve ingests an execution result. It returns false when the reservation
// is not in flight (already resolved, timed out, or cancelled); a late
// result is logged and discarded, never double-processed.
func (d *Dispatcher) Resolve(res domain.ExecutionResult) bool {
	e, ok := d.remove(res.ReservationID)
	if !ok {
		d.logger.Warn("result for unknown or already-resolved reservation",
			slog.Uint64("reservation_id", res.ReservationID),
		)
		return false
	}

	d.resolved <- Resolved{Result: res, Command: e.cmd, Opportunity: e.opp}
	return true
}

// Cancel withdraws an in-flight execution, routing it through the timeout
// path. Idempotent: cancelling twice, or after a result already arrived,
// does nothing.
func (d *Dispatcher) Cancel(reservationID uint64) bool {
	e, ok := d.remove(reservationID)
	if !ok {
		return false
	}
	d.timeouts <- Timeout{Command: e.cmd, Opportunity: e.opp}
	d.logger.Info("execution cancelled",
		slog.Uint64("reservation_id", reservationID),
		slog.String("opportunity_id", e.opp.ID),
	)
	return true
}

// expire fires when the per-opportunity timer lapses before a result.
func (d *Dispatcher) expire(reservationID uint64) {
	e, ok := d.remove(reservationID)
	if !ok {
		return
	}
	d.timeouts <- Timeout{Command: e.cmd, Opportunity: e.opp}
	d.logger.Warn("execution timed out",
		slog.Uint64("reservation_id", reservationID),
		slog.String("opportunity_id", e.opp.ID),
		slog.Duration("timeout", d.timeout),
	)
}

// remove atomically takes an entry out of the in-flight set and stops its
// timer. This is the single point that makes resolution idempotent.
func (d *Dispatcher) remove(reservationID uint64) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.inflight[reservationID]
	if !ok {
		return nil, false
	}
	delete(d.inflight, reservationID)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e, true
}

// InflightCount returns the number of executions awaiting resolution.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Resolved returns the channel of completed executions.
func (d *Dispatcher) ResolvedEvents() <-chan Resolved { return d.resolved }

// TimeoutEvents returns the channel of timed-out or cancelled executions.
func (d *Dispatcher) TimeoutEvents() <-chan Timeout { return d.timeouts }

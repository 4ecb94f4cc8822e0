package domain

import "errors"

var (
	// ErrInsufficientCapital is returned by the ledger when the pool cannot
	// cover a request. Recoverable: the scheduler requeues or drops the
	// opportunity per policy.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrReservationNotFound is returned on release or confirm of an unknown
	// or already-released reservation id. Expected under races with the
	// expiry sweep; callers log it at warning level and move on.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrRiskLimitExceeded is returned when a candidate would push exposure,
	// leverage, or portfolio heat past a configured limit.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrCircuitBreakerTripped suspends all new dispatches until the breaker
	// is reset.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")

	// ErrExecutionTimeout marks an execution that produced no result within
	// its deadline; the reservation is reclaimed via the expiry path.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrQueueFull is returned when the intake queue is at capacity and the
	// incoming opportunity scores no higher than the current worst entry.
	ErrQueueFull = errors.New("opportunity queue full")

	// ErrInvalidRequest covers malformed capital requests and opportunities:
	// unknown strategy, non-positive amount, bad priority.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is the generic miss for store and cache lookups.
	ErrNotFound = errors.New("not found")

	// ErrLockHeld is returned when a distributed lock is already held by
	// another process.
	ErrLockHeld = errors.New("lock already held")
)

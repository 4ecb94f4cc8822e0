package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CapitalRequest asks the ledger to reserve a slice of the shared pool for a
// single trade. Requests are ephemeral: they are consumed by the admission
// step and never persisted.
type CapitalRequest struct {
	Strategy    StrategyID
	TokenID     string
	Amount      decimal.Decimal
	Priority    Priority
	SubmittedAt time.Time
}

// CapitalReservation is a time-bounded, exclusive claim on a portion of the
// pool. It is created only by a successful admission and destroyed either by
// an explicit release or by the expiry sweep. Reservation ids are monotonic
// and never reused; the only in-place mutation allowed is the Confirm
// transition.
type CapitalReservation struct {
	ID        uint64
	Strategy  StrategyID
	TokenID   string
	Amount    decimal.Decimal
	CreatedAt time.Time
	ExpiresAt time.Time
	Confirmed bool
}

// Expired reports whether the reservation's TTL has passed at the given time.
func (r CapitalReservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PoolSnapshot is a point-in-time view of the capital pool aggregates.
// Available is always Total minus Allocated; the ledger guarantees it never
// goes negative.
type PoolSnapshot struct {
	Total            decimal.Decimal
	Allocated        decimal.Decimal
	Available        decimal.Decimal
	LiveReservations int
	TakenAt          time.Time
}

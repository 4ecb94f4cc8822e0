package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionCommand is handed to the execution layer once an opportunity has
// passed risk checks and holds a capital reservation. The contract is that
// every dispatched command eventually yields exactly one ExecutionResult, or
// the reservation's TTL expires and the ledger reclaims the capital.
type ExecutionCommand struct {
	ReservationID uint64
	OpportunityID string
	Strategy      StrategyID
	TokenID       string
	Amount        decimal.Decimal
	Score         float64
	DispatchedAt  time.Time
}

// Outcome is the terminal result of an execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionResult is delivered back by the execution layer. A Failure result
// still releases the reservation and still counts against the strategy's win
// rate.
type ExecutionResult struct {
	ReservationID  uint64
	OpportunityID  string
	Outcome        Outcome
	RealizedProfit decimal.Decimal
	CompletedAt    time.Time
}

// Win reports whether the result counts as a win for metrics purposes.
func (r ExecutionResult) Win() bool {
	return r.Outcome == OutcomeSuccess
}

// ExecutionRecord is the persisted form of a resolved execution, written to
// the execution history store after result ingestion.
type ExecutionRecord struct {
	ID             string
	ReservationID  uint64
	OpportunityID  string
	Strategy       StrategyID
	TokenID        string
	Amount         decimal.Decimal
	Outcome        Outcome
	RealizedProfit decimal.Decimal
	Score          float64
	DispatchedAt   time.Time
	CompletedAt    time.Time
}

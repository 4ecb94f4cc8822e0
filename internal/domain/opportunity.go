package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityState tracks an opportunity through the scheduler's state
// machine. Completed, Failed, Dropped, and Expired are terminal.
type OpportunityState int

const (
	StateEnqueued OpportunityState = iota
	StateScoring
	StateQueued
	StateDispatched
	StateExecuting
	StateCompleted
	StateFailed
	StateDenied
	StateRequeued
	StateDropped
	StateExpired
)

// String returns the snake_case name of the state.
func (s OpportunityState) String() string {
	switch s {
	case StateEnqueued:
		return "enqueued"
	case StateScoring:
		return "scoring"
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDenied:
		return "denied"
	case StateRequeued:
		return "requeued"
	case StateDropped:
		return "dropped"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Terminal reports whether the state ends the opportunity's lifecycle.
func (s OpportunityState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDropped, StateExpired:
		return true
	}
	return false
}

// Opportunity is a scored candidate trade awaiting a capital and risk
// decision. Opportunities are transient scheduler-only entities: created on
// ingestion, destroyed on dispatch or on residency timeout.
type Opportunity struct {
	ID               string
	Strategy         StrategyID
	TokenID          string
	EstimatedProfit  decimal.Decimal
	EstimatedRisk    float64 // 0..1, producer's risk estimate
	RequestedCapital decimal.Decimal
	Priority         Priority

	// RawScore is the current sort key of the priority queue. It is computed
	// on ingestion and refreshed from current strategy metrics at pop time.
	RawScore float64

	State      OpportunityState
	EnqueuedAt time.Time
	Requeues   int
}

// DeniedPolicy selects what the scheduler does with an opportunity denied
// for capital or risk: requeue it once with a cooldown, or drop it.
type DeniedPolicy string

const (
	DeniedRequeue DeniedPolicy = "requeue"
	DeniedDrop    DeniedPolicy = "drop"
)

// Valid reports whether p is a recognized policy value.
func (p DeniedPolicy) Valid() bool {
	return p == DeniedRequeue || p == DeniedDrop
}

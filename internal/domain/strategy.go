package domain

// StrategyID identifies one of the trading strategies competing for capital.
// The set is closed: capital requests and metrics are keyed by these values
// and an unknown strategy is rejected at the ledger boundary.
type StrategyID string

const (
	StrategyArbitrage          StrategyID = "arbitrage"
	StrategySniper             StrategyID = "sniper"
	StrategyMomentum           StrategyID = "momentum"
	StrategyMarketMaking       StrategyID = "market_making"
	StrategyFlashLoanArbitrage StrategyID = "flash_loan_arbitrage"
)

// AllStrategies returns the closed set of known strategy identities in a
// stable order.
func AllStrategies() []StrategyID {
	return []StrategyID{
		StrategyArbitrage,
		StrategySniper,
		StrategyMomentum,
		StrategyMarketMaking,
		StrategyFlashLoanArbitrage,
	}
}

// Valid reports whether s is a member of the closed strategy set.
func (s StrategyID) Valid() bool {
	switch s {
	case StrategyArbitrage, StrategySniper, StrategyMomentum,
		StrategyMarketMaking, StrategyFlashLoanArbitrage:
		return true
	}
	return false
}

// Priority is the total-ordered urgency tag attached to capital requests and
// opportunities. Higher values strictly precede lower ones during admission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lower-case name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a wire-format priority name to its level. The
// second return value is false for unrecognized names.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "medium", "":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return PriorityLow, false
}

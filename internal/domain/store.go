package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExecutionStore persists resolved executions for history and P&L queries.
type ExecutionStore interface {
	Insert(ctx context.Context, rec ExecutionRecord) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	// ListBefore returns records completed strictly before the cutoff; used
	// by the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	SumRealizedProfit(ctx context.Context, strategy StrategyID, since time.Time) (decimal.Decimal, error)
}

// MetricsStore persists periodic snapshots of per-strategy metrics so the
// adaptive weights survive a restart.
type MetricsStore interface {
	Upsert(ctx context.Context, m StrategyMetrics) error
	Get(ctx context.Context, strategy StrategyID) (StrategyMetrics, error)
	List(ctx context.Context) ([]StrategyMetrics, error)
}

// AuditEntry is a single decision-audit row: grants, denials, expiries, and
// breaker transitions, with enough detail to reconstruct the decision later.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only decision audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

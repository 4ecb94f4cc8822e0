package domain

import (
	"context"
	"time"
)

// RateLimiter enforces request limits. Used by the HTTP API middleware and
// by outbound notification senders.
type RateLimiter interface {
	// Allow reports whether a request for the key fits under limit per
	// window, counting it if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request for the key is allowed or the context is
	// cancelled.
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed mutual exclusion for jobs that must run
// on at most one process at a time, such as the history archiver.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned function
	// releases the lock and is safe to call multiple times.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StatusCache shares pool and strategy state across processes so an API-only
// instance can serve status reads without owning the ledger.
type StatusCache interface {
	SetPool(ctx context.Context, snap PoolSnapshot) error
	GetPool(ctx context.Context) (PoolSnapshot, error)
	SetMetrics(ctx context.Context, m StrategyMetrics) error
	GetMetrics(ctx context.Context, strategy StrategyID) (StrategyMetrics, error)
	AllMetrics(ctx context.Context) ([]StrategyMetrics, error)
}

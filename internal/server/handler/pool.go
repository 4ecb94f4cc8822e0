package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/ledger"
)

// PoolService exposes the live capital ledger.
type PoolService interface {
	Snapshot() domain.PoolSnapshot
	CountersByStrategy() map[domain.StrategyID]ledger.Counters
}

// PoolHandler serves capital-pool endpoints. When the process does not own
// the ledger it falls back to the shared status cache.
type PoolHandler struct {
	pool   PoolService        // nil in API-only mode
	status domain.StatusCache // optional fallback
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler. Either pool or status must be set.
func NewPoolHandler(pool PoolService, status domain.StatusCache, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pool: pool, status: status, logger: logger}
}

// GetPool returns the capital pool snapshot.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusServiceUnavailable, "pool snapshot not yet published")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: pool snapshot failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read pool snapshot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":             snap.Total.String(),
		"allocated":         snap.Allocated.String(),
		"available":         snap.Available.String(),
		"live_reservations": snap.LiveReservations,
		"taken_at":          snap.TakenAt.Format(time.RFC3339),
	})
}

// GetCounters returns per-strategy ledger counters. Only available on the
// process that owns the ledger.
// GET /api/pool/counters
func (h *PoolHandler) GetCounters(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusNotImplemented, "ledger counters not available in this mode")
		return
	}

	counters := h.pool.CountersByStrategy()
	body := make(map[string]any, len(counters))
	for strategy, c := range counters {
		body[string(strategy)] = map[string]int64{
			"requests": c.Requests,
			"grants":   c.Grants,
			"denials":  c.Denials,
			"releases": c.Releases,
			"expiries": c.Expiries,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": body})
}

func (h *PoolHandler) snapshot(ctx context.Context) (domain.PoolSnapshot, error) {
	if h.pool != nil {
		return h.pool.Snapshot(), nil
	}
	if h.status != nil {
		return h.status.GetPool(ctx)
	}
	return domain.PoolSnapshot{}, domain.ErrNotFound
}

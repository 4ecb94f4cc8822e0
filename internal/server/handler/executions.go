package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ExecutionsHandler serves execution-history endpoints backed by the
// execution store.
type ExecutionsHandler struct {
	store  domain.ExecutionStore
	logger *slog.Logger
}

// NewExecutionsHandler creates an ExecutionsHandler.
func NewExecutionsHandler(store domain.ExecutionStore, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{store: store, logger: logger}
}

// ListRecent returns the most recently completed executions.
// GET /api/executions?limit=50
func (h *ExecutionsHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	body := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		body = append(body, executionBody(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": body})
}

// GetByID returns a single execution.
// GET /api/executions/{id}
func (h *ExecutionsHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get execution failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, executionBody(rec))
}

// Profit returns realized profit summed since a date, optionally filtered by
// strategy.
// GET /api/executions/profit?strategy=arbitrage&since=2026-01-01
func (h *ExecutionsHandler) Profit(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		since = t
	}

	strategy := domain.StrategyID(r.URL.Query().Get("strategy"))
	if strategy != "" && !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}

	total, err := h.store.SumRealizedProfit(r.Context(), strategy, since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sum profit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute profit")
		return
	}

	body := map[string]any{
		"since":        since.Format(time.RFC3339),
		"total_profit": total.String(),
	}
	if strategy != "" {
		body["strategy"] = string(strategy)
	}
	writeJSON(w, http.StatusOK, body)
}

func executionBody(rec domain.ExecutionRecord) map[string]any {
	return map[string]any{
		"id":              rec.ID,
		"reservation_id":  rec.ReservationID,
		"opportunity_id":  rec.OpportunityID,
		"strategy":        string(rec.Strategy),
		"token_id":        rec.TokenID,
		"amount":          rec.Amount.String(),
		"outcome":         string(rec.Outcome),
		"realized_profit": rec.RealizedProfit.String(),
		"score":           rec.Score,
		"dispatched_at":   rec.DispatchedAt.Format(time.RFC3339),
		"completed_at":    rec.CompletedAt.Format(time.RFC3339),
	}
}

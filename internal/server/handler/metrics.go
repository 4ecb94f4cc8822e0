package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/scoring"
)

// MetricsSource exposes the live per-strategy metrics book.
type MetricsSource interface {
	Get(strategy domain.StrategyID) domain.StrategyMetrics
	All() []domain.StrategyMetrics
}

// WeightService exposes the scoring weights for inspection and tuning.
type WeightService interface {
	Weights() scoring.Weights
	SetWeights(w scoring.Weights) error
}

// MetricsHandler serves strategy-metrics and scoring-weight endpoints.
type MetricsHandler struct {
	book    MetricsSource      // nil in API-only mode
	status  domain.StatusCache // optional fallback
	weights WeightService      // nil in API-only mode
	logger  *slog.Logger
}

// NewMetricsHandler creates a MetricsHandler. book may be nil when the
// process reads metrics from the status cache instead.
func NewMetricsHandler(book MetricsSource, status domain.StatusCache, weights WeightService, logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{book: book, status: status, weights: weights, logger: logger}
}

// ListMetrics returns metrics for every known strategy.
// GET /api/metrics
func (h *MetricsHandler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	var (
		all []domain.StrategyMetrics
		err error
	)
	switch {
	case h.book != nil:
		all = h.book.All()
	case h.status != nil:
		all, err = h.status.AllMetrics(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list metrics failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}

	body := make([]map[string]any, 0, len(all))
	for _, m := range all {
		body = append(body, metricsBody(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": body})
}

// GetMetrics returns metrics for one strategy.
// GET /api/metrics/{strategy}
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	strategy := domain.StrategyID(pathParam(r, "strategy"))
	if !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}

	var (
		m   domain.StrategyMetrics
		err error
	)
	switch {
	case h.book != nil:
		m = h.book.Get(strategy)
	case h.status != nil:
		m, err = h.status.GetMetrics(r.Context(), strategy)
	default:
		err = domain.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "metrics not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get metrics failed",
			slog.String("strategy", string(strategy)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	writeJSON(w, http.StatusOK, metricsBody(m))
}

// GetWeights returns the active scoring weights.
// GET /api/weights
func (h *MetricsHandler) GetWeights(w http.ResponseWriter, r *http.Request) {
	if h.weights == nil {
		writeError(w, http.StatusNotImplemented, "weights not available in this mode")
		return
	}
	writeJSON(w, http.StatusOK, weightsBody(h.weights.Weights()))
}

// weightsRequest is the PUT /api/weights body. Pointers distinguish absent
// fields from explicit zeroes, so partial updates are possible.
type weightsRequest struct {
	Profit            *float64 `json:"profit"`
	Risk              *float64 `json:"risk"`
	CapitalEfficiency *float64 `json:"capital_efficiency"`
	StrategyBonus     *float64 `json:"strategy_bonus"`
}

// UpdateWeights replaces the scoring weights. Missing fields keep their
// current value.
// PUT /api/weights
func (h *MetricsHandler) UpdateWeights(w http.ResponseWriter, r *http.Request) {
	if h.weights == nil {
		writeError(w, http.StatusNotImplemented, "weights not available in this mode")
		return
	}

	var req weightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	next := h.weights.Weights()
	if req.Profit != nil {
		next.Profit = *req.Profit
	}
	if req.Risk != nil {
		next.Risk = *req.Risk
	}
	if req.CapitalEfficiency != nil {
		next.CapitalEfficiency = *req.CapitalEfficiency
	}
	if req.StrategyBonus != nil {
		next.StrategyBonus = *req.StrategyBonus
	}

	if err := h.weights.SetWeights(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "handler: scoring weights updated",
		slog.Float64("profit", next.Profit),
		slog.Float64("risk", next.Risk),
		slog.Float64("capital_efficiency", next.CapitalEfficiency),
		slog.Float64("strategy_bonus", next.StrategyBonus),
	)
	writeJSON(w, http.StatusOK, weightsBody(next))
}

func metricsBody(m domain.StrategyMetrics) map[string]any {
	return map[string]any{
		"strategy":        string(m.Strategy),
		"executions":      m.Executions,
		"wins":            m.Wins,
		"win_rate":        m.WinRate,
		"total_profit":    m.TotalProfit.String(),
		"avg_profit":      m.AvgProfit.String(),
		"adaptive_weight": m.AdaptiveWeight,
		"updated_at":      m.UpdatedAt.Format(time.RFC3339),
	}
}

func weightsBody(w scoring.Weights) map[string]float64 {
	return map[string]float64{
		"profit":             w.Profit,
		"risk":               w.Risk,
		"capital_efficiency": w.CapitalEfficiency,
		"strategy_bonus":     w.StrategyBonus,
	}
}

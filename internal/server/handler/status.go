package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/scheduler"
)

// SchedulerSource exposes the scheduler's point-in-time view.
type SchedulerSource interface {
	Status() scheduler.Status
}

// RiskSource exposes breaker state and current heat for the status endpoint,
// and manual breaker control for the reset endpoint.
type RiskSource interface {
	Heat() float64
	Breaker() *risk.Breaker
}

// StatusHandler serves the combined engine-status endpoints.
type StatusHandler struct {
	sched     SchedulerSource // nil in API-only mode
	riskSvc   RiskSource      // nil in API-only mode
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. sched and riskSvc may be nil when
// the process does not run the decision loop.
func NewStatusHandler(sched SchedulerSource, riskSvc RiskSource, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		sched:     sched,
		riskSvc:   riskSvc,
		mode:      mode,
		startedAt: startedAt,
		logger:    logger,
	}
}

// GetStatus returns the scheduler, breaker, and heat state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if h.sched != nil {
		st := h.sched.Status()
		body["scheduler"] = map[string]any{
			"queue_depth":      st.QueueDepth,
			"pending_requeues": st.PendingRequeues,
			"inflight":         st.Inflight,
			"last_tick_us":     st.LastTickDuration.Microseconds(),
			"counters":         countersBody(st.Counters),
		}
	}

	if h.riskSvc != nil {
		state := h.riskSvc.Breaker().State()
		breaker := map[string]any{
			"tripped":            state.Tripped,
			"consecutive_losses": state.ConsecutiveLosses,
			"drawdown":           state.Drawdown.String(),
		}
		if state.Tripped {
			breaker["reason"] = state.Reason
			breaker["tripped_at"] = state.TrippedAt.Format(time.RFC3339)
		}
		body["breaker"] = breaker
		body["heat"] = h.riskSvc.Heat()
	}

	writeJSON(w, http.StatusOK, body)
}

// ResetBreaker manually resets the circuit breaker.
// POST /api/breaker/reset
func (h *StatusHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.riskSvc == nil {
		writeError(w, http.StatusNotImplemented, "breaker not available in this mode")
		return
	}

	h.riskSvc.Breaker().Reset()
	h.logger.InfoContext(r.Context(), "handler: breaker reset requested",
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func countersBody(c scheduler.Counters) map[string]int64 {
	return map[string]int64{
		"submitted":         c.Submitted,
		"evicted":           c.Evicted,
		"dispatched":        c.Dispatched,
		"denied_capital":    c.DeniedCapital,
		"denied_risk":       c.DeniedRisk,
		"requeued":          c.Requeued,
		"dropped":           c.Dropped,
		"residency_expired": c.ResidencyExpired,
		"completed":         c.Completed,
		"failed":            c.Failed,
		"timeouts":          c.Timeouts,
	}
}

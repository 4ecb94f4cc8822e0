package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// eventsChannel mirrors the channel the pipeline publishes decision events
// on.
const eventsChannel = "alloc:events"

// busEvent is the subset of the decision-event payload the watcher needs.
type busEvent struct {
	Type   string         `json:"type"`
	Detail map[string]any `json:"detail"`
}

// Watcher subscribes to decision events on the bus and forwards the
// operator-relevant ones to the notifier: breaker transitions and resolved
// executions.
type Watcher struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run consumes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", eventsChannel, err)
	}
	w.logger.Info("notify watcher started", slog.String("channel", eventsChannel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				w.logger.Warn("event subscription closed")
				return nil
			}
			w.handleEvent(ctx, data)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, data []byte) {
	var ev busEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.Debug("skipping malformed event", slog.String("error", err.Error()))
		return
	}

	var title, message string
	switch ev.Type {
	case "breaker_tripped":
		title = "Circuit breaker tripped"
		message = fmt.Sprintf("All dispatch halted: %v", ev.Detail["reason"])
	case "breaker_reset":
		title = "Circuit breaker reset"
		message = "Dispatch resumed."
	case "execution_resolved":
		title = fmt.Sprintf("Execution %v: %v", ev.Detail["strategy"], ev.Detail["outcome"])
		message = fmt.Sprintf("Opportunity %v realized %v (win rate %v)",
			ev.Detail["opportunity_id"], ev.Detail["realized_profit"], ev.Detail["win_rate"])
	case "opportunity_dropped":
		title = "Opportunity dropped"
		message = fmt.Sprintf("Opportunity %v dropped: %v",
			ev.Detail["opportunity_id"], ev.Detail["reason"])
	default:
		return
	}

	if err := w.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		w.logger.Warn("notification failed",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Package pipeline carries scheduler outcomes out of the hot path: the sink
// persists and broadcasts resolutions, the status publisher refreshes the
// cross-process status cache, and the archive job moves old history to blob
// storage.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// EventsChannel is the pub/sub channel decision events are broadcast on. The
// websocket hub and the notifier subscribe to it.
const EventsChannel = "alloc:events"

// EventsStream is the durable stream mirror of EventsChannel.
const EventsStream = "stream:alloc:events"

// Event is the wire shape of one decision event.
type Event struct {
	Type   string         `json:"type"`
	At     time.Time      `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}

func timeNow() time.Time { return time.Now().UTC() }

// publishEvent broadcasts an event on the pub/sub channel and mirrors it to
// the durable stream. Both paths are best-effort: a bus outage must never
// stall the decision loop.
func publishEvent(ctx context.Context, bus domain.EventBus, logger *slog.Logger, ev Event) {
	if bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal event", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}
	if err := bus.Publish(ctx, EventsChannel, data); err != nil {
		logger.Warn("publish event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
	if err := bus.StreamAppend(ctx, EventsStream, data); err != nil {
		logger.Warn("append event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

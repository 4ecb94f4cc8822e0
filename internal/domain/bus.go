package domain

import "context"

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus is the message-bus boundary of the core: opportunity producers
// publish onto it, the intake feeder subscribes from it, and the scheduler
// publishes decision events for dashboards. Implemented by the Redis cache
// layer; a no-op implementation is used in standalone mode.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// StreamAppend appends to a durable, trimmed stream for consumers that
	// cannot tolerate pub/sub message loss.
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

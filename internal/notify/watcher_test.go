package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type captureSender struct {
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.titles = append(c.titles, title)
	return nil
}

func (c *captureSender) Name() string { return "capture" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_ForwardsBreakerEvents(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, nil, testLogger())
	w := NewWatcher(nil, n, testLogger())

	w.handleEvent(context.Background(), []byte(`{"type":"breaker_tripped","detail":{"reason":"loss limit"}}`))
	w.handleEvent(context.Background(), []byte(`{"type":"breaker_reset"}`))

	assert.Equal(t, []string{"Circuit breaker tripped", "Circuit breaker reset"}, sender.titles)
}

func TestWatcher_IgnoresUnknownAndMalformed(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, nil, testLogger())
	w := NewWatcher(nil, n, testLogger())

	w.handleEvent(context.Background(), []byte(`{"type":"heartbeat"}`))
	w.handleEvent(context.Background(), []byte(`not json`))

	assert.Empty(t, sender.titles)
}

func TestWatcher_RespectsEventFilter(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, []string{"breaker_tripped"}, testLogger())
	w := NewWatcher(nil, n, testLogger())

	w.handleEvent(context.Background(), []byte(`{"type":"breaker_tripped","detail":{"reason":"drawdown"}}`))
	w.handleEvent(context.Background(), []byte(`{"type":"execution_resolved","detail":{}}`))

	assert.Equal(t, []string{"Circuit breaker tripped"}, sender.titles)
}

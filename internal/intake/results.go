package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ResultChannel is the bus channel the external executor reports execution
// results on.
const ResultChannel = "alloc:results"

// Resolver accepts decoded execution results. Satisfied by the dispatcher.
type Resolver interface {
	Resolve(res domain.ExecutionResult) bool
}

// resultEvent is the JSON shape published to ResultChannel.
type resultEvent struct {
	ReservationID  uint64 `json:"reservation_id"`
	OpportunityID  string `json:"opportunity_id"`
	Outcome        string `json:"outcome"`
	RealizedProfit string `json:"realized_profit"`
	CompletedAt    string `json:"completed_at"`
}

// ResultFeeder subscribes to the result channel and resolves each report
// against the dispatcher's in-flight set. Unknown reservation ids (late
// results after a timeout) are already handled idempotently downstream.
type ResultFeeder struct {
	bus        domain.EventBus
	dispatcher Resolver
	logger     *slog.Logger
}

// NewResultFeeder creates a ResultFeeder.
func NewResultFeeder(bus domain.EventBus, dispatcher Resolver, logger *slog.Logger) *ResultFeeder {
	return &ResultFeeder{
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "result_feeder")),
	}
}

// Run subscribes and feeds until the context is cancelled.
func (f *ResultFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, ResultChannel)
	if err != nil {
		return fmt.Errorf("intake: subscribe %s: %w", ResultChannel, err)
	}
	f.logger.Info("result feeder started")
	defer f.logger.Info("result feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleMessage(data)
		}
	}
}

func (f *ResultFeeder) handleMessage(data []byte) {
	res, err := DecodeResult(data)
	if err != nil {
		f.logger.Warn("malformed result payload",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	f.dispatcher.Resolve(res)
}

// DecodeResult parses a bus payload into an ExecutionResult.
func DecodeResult(data []byte) (domain.ExecutionResult, error) {
	var ev resultEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("intake: decode result: %w", err)
	}

	outcome := domain.Outcome(ev.Outcome)
	if outcome != domain.OutcomeSuccess && outcome != domain.OutcomeFailure {
		return domain.ExecutionResult{}, fmt.Errorf("intake: unknown outcome %q: %w", ev.Outcome, domain.ErrInvalidRequest)
	}
	profit, err := decimal.NewFromString(strings.TrimSpace(ev.RealizedProfit))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("intake: decode profit %q: %w", ev.RealizedProfit, err)
	}

	return domain.ExecutionResult{
		ReservationID:  ev.ReservationID,
		OpportunityID:  strings.TrimSpace(ev.OpportunityID),
		Outcome:        outcome,
		RealizedProfit: profit,
		CompletedAt:    timeOrNow(ev.CompletedAt),
	}, nil
}

// EncodeResult builds the wire payload for an execution result. Used by
// executors and by tests.
func EncodeResult(res domain.ExecutionResult) ([]byte, error) {
	data, err := json.Marshal(resultEvent{
		ReservationID:  res.ReservationID,
		OpportunityID:  res.OpportunityID,
		Outcome:        string(res.Outcome),
		RealizedProfit: res.RealizedProfit.String(),
		CompletedAt:    res.CompletedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: encode result: %w", err)
	}
	return data, nil
}

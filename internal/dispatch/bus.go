package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// CommandChannel is the bus channel execution commands are published on.
const CommandChannel = "alloc:commands"

// CommandStream is the durable stream mirror of CommandChannel.
const CommandStream = "stream:alloc:commands"

// commandPayload is the wire shape of an execution command on the bus.
type commandPayload struct {
	ReservationID uint64 `json:"reservation_id"`
	OpportunityID string `json:"opportunity_id"`
	Strategy      string `json:"strategy"`
	TokenID       string `json:"token_id"`
	Amount        string `json:"amount"`
	Score         float64 `json:"score"`
	DispatchedAt  string `json:"dispatched_at"`
}

// BusEmitter publishes execution commands onto the event bus for an external
// executor, mirroring each command into a durable stream so an executor that
// reconnects can catch up.
type BusEmitter struct {
	bus domain.EventBus
}

// NewBusEmitter creates a BusEmitter over the given bus.
func NewBusEmitter(bus domain.EventBus) *BusEmitter {
	return &BusEmitter{bus: bus}
}

// Emit publishes the command. The pub/sub publish is best-effort; the stream
// append is the delivery of record.
func (e *BusEmitter) Emit(ctx context.Context, cmd domain.ExecutionCommand) error {
	data, err := json.Marshal(commandPayload{
		ReservationID: cmd.ReservationID,
		OpportunityID: cmd.OpportunityID,
		Strategy:      string(cmd.Strategy),
		TokenID:       cmd.TokenID,
		Amount:        cmd.Amount.String(),
		Score:         cmd.Score,
		DispatchedAt:  cmd.DispatchedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshal command: %w", err)
	}

	if err := e.bus.StreamAppend(ctx, CommandStream, data); err != nil {
		return fmt.Errorf("dispatch: append command: %w", err)
	}
	_ = e.bus.Publish(ctx, CommandChannel, data)
	return nil
}

// DecodeCommand parses a bus payload back into an ExecutionCommand. Used by
// external executors and by tests.
func DecodeCommand(data []byte) (domain.ExecutionCommand, error) {
	var p commandPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ExecutionCommand{}, fmt.Errorf("dispatch: decode command: %w", err)
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return domain.ExecutionCommand{}, fmt.Errorf("dispatch: decode amount %q: %w", p.Amount, err)
	}
	dispatchedAt, _ := time.Parse(time.RFC3339Nano, p.DispatchedAt)
	return domain.ExecutionCommand{
		ReservationID: p.ReservationID,
		OpportunityID: p.OpportunityID,
		Strategy:      domain.StrategyID(p.Strategy),
		TokenID:       p.TokenID,
		Amount:        amount,
		Score:         p.Score,
		DispatchedAt:  dispatchedAt,
	}, nil
}

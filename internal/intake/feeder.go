// Package intake bridges the event bus to the scheduler: it decodes
// opportunity submissions published by strategy producers and execution
// results reported by the external executor.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// OpportunityChannel is the bus channel strategy producers publish
// opportunities on.
const OpportunityChannel = "alloc:opportunities"

// Submitter accepts decoded opportunities. Satisfied by the scheduler.
type Submitter interface {
	Submit(ctx context.Context, opp *domain.Opportunity) error
}

// opportunityEvent is the JSON shape published to OpportunityChannel.
type opportunityEvent struct {
	ID               string  `json:"id"`
	Strategy         string  `json:"strategy"`
	TokenID          string  `json:"token_id"`
	EstimatedProfit  string  `json:"estimated_profit"`
	EstimatedRisk    float64 `json:"estimated_risk"`
	RequestedCapital string  `json:"requested_capital"`
	Priority         string  `json:"priority"`
}

// OpportunityFeeder subscribes to the opportunity channel and submits each
// decoded candidate to the scheduler. Malformed payloads and queue-full
// rejections are logged and skipped; the feeder never stops for a bad
// message.
type OpportunityFeeder struct {
	bus       domain.EventBus
	scheduler Submitter
	logger    *slog.Logger
}

// NewOpportunityFeeder creates an OpportunityFeeder.
func NewOpportunityFeeder(bus domain.EventBus, scheduler Submitter, logger *slog.Logger) *OpportunityFeeder {
	return &OpportunityFeeder{
		bus:       bus,
		scheduler: scheduler,
		logger:    logger.With(slog.String("component", "opportunity_feeder")),
	}
}

// Run subscribes and feeds until the context is cancelled.
func (f *OpportunityFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, OpportunityChannel)
	if err != nil {
		return fmt.Errorf("intake: subscribe %s: %w", OpportunityChannel, err)
	}
	f.logger.Info("opportunity feeder started")
	defer f.logger.Info("opportunity feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleMessage(ctx, data)
		}
	}
}

func (f *OpportunityFeeder) handleMessage(ctx context.Context, data []byte) {
	opp, err := DecodeOpportunity(data)
	if err != nil {
		f.logger.Warn("malformed opportunity payload",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}

	if err := f.scheduler.Submit(ctx, opp); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrQueueFull) {
			// Expected under load; the queue already kept the better entry.
			level = slog.LevelDebug
		}
		f.logger.Log(ctx, level, "opportunity rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("strategy", string(opp.Strategy)),
			slog.String("error", err.Error()),
		)
	}
}

// DecodeOpportunity parses a bus payload into an Opportunity. Validation
// beyond shape (strategy membership, ranges) is the scheduler's job.
func DecodeOpportunity(data []byte) (*domain.Opportunity, error) {
	var ev opportunityEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("intake: decode opportunity: %w", err)
	}

	profit, err := decimal.NewFromString(strings.TrimSpace(ev.EstimatedProfit))
	if err != nil {
		return nil, fmt.Errorf("intake: decode profit %q: %w", ev.EstimatedProfit, err)
	}
	capital, err := decimal.NewFromString(strings.TrimSpace(ev.RequestedCapital))
	if err != nil {
		return nil, fmt.Errorf("intake: decode capital %q: %w", ev.RequestedCapital, err)
	}
	priority, ok := domain.ParsePriority(ev.Priority)
	if !ok {
		return nil, fmt.Errorf("intake: unknown priority %q: %w", ev.Priority, domain.ErrInvalidRequest)
	}

	return &domain.Opportunity{
		ID:               strings.TrimSpace(ev.ID),
		Strategy:         domain.StrategyID(ev.Strategy),
		TokenID:          strings.TrimSpace(ev.TokenID),
		EstimatedProfit:  profit,
		EstimatedRisk:    ev.EstimatedRisk,
		RequestedCapital: capital,
		Priority:         priority,
	}, nil
}

// EncodeOpportunity builds the wire payload for an opportunity. Used by
// producers and by tests.
func EncodeOpportunity(opp *domain.Opportunity) ([]byte, error) {
	data, err := json.Marshal(opportunityEvent{
		ID:               opp.ID,
		Strategy:         string(opp.Strategy),
		TokenID:          opp.TokenID,
		EstimatedProfit:  opp.EstimatedProfit.String(),
		EstimatedRisk:    opp.EstimatedRisk,
		RequestedCapital: opp.RequestedCapital.String(),
		Priority:         opp.Priority.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: encode opportunity: %w", err)
	}
	return data, nil
}

// timeOrNow parses an RFC 3339 timestamp, falling back to the current time
// for absent or malformed values.
func timeOrNow(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

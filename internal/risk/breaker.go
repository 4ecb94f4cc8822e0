package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// BreakerConfig tunes the global circuit breaker.
type BreakerConfig struct {
	// ConsecutiveLossLimit trips the breaker after this many losses in a
	// row. Zero disables the streak trigger.
	ConsecutiveLossLimit int

	// MaxDrawdown trips the breaker when cumulative realized profit falls
	// this far below its peak. Zero disables the drawdown trigger.
	MaxDrawdown decimal.Decimal

	// Cooldown auto-resets the breaker this long after it trips. Zero means
	// manual reset only.
	Cooldown time.Duration
}

// BreakerState is a snapshot of the breaker for the status API.
type BreakerState struct {
	Tripped   bool
	Reason    string
	TrippedAt time.Time

	ConsecutiveLosses int
	PeakProfit        decimal.Decimal
	Drawdown          decimal.Decimal
}

// Breaker is the global kill switch: once tripped, every dispatch is denied
// until it is reset manually or the cooldown elapses. Tripping and resetting
// are announced through the optional onTrip/onReset hooks (wired to the
// notifier) so the state is prominently observable.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	tripped   bool
	reason    string
	trippedAt time.Time

	losses     int
	cumProfit  decimal.Decimal
	peakProfit decimal.Decimal

	onTrip  func(reason string)
	onReset func()
	logger  *slog.Logger
	now     func() time.Time
}

// NewBreaker creates an armed breaker.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:        cfg,
		cumProfit:  decimal.Zero,
		peakProfit: decimal.Zero,
		logger:     logger.With(slog.String("component", "circuit_breaker")),
		now:        time.Now,
	}
}

// OnTrip registers a hook invoked (outside the lock) whenever the breaker
// trips.
func (b *Breaker) OnTrip(fn func(reason string)) { b.onTrip = fn }

// OnReset registers a hook invoked whenever the breaker resets.
func (b *Breaker) OnReset(fn func()) { b.onReset = fn }

// Record folds one execution result into the breaker's loss streak and
// drawdown tracking, tripping it when a threshold is crossed.
func (b *Breaker) Record(res domain.ExecutionResult) {
	b.mu.Lock()

	if res.Win() {
		b.losses = 0
	} else {
		b.losses++
	}
	b.cumProfit = b.cumProfit.Add(res.RealizedProfit)
	if b.cumProfit.GreaterThan(b.peakProfit) {
		b.peakProfit = b.cumProfit
	}
	drawdown := b.peakProfit.Sub(b.cumProfit)

	var reason string
	switch {
	case b.tripped:
		// Already tripped; nothing more to do.
	case b.cfg.ConsecutiveLossLimit > 0 && b.losses >= b.cfg.ConsecutiveLossLimit:
		reason = "consecutive_losses"
	case b.cfg.MaxDrawdown.IsPositive() && drawdown.GreaterThanOrEqual(b.cfg.MaxDrawdown):
		reason = "max_drawdown"
	}

	if reason != "" {
		b.tripped = true
		b.reason = reason
		b.trippedAt = b.now()
		b.logger.Error("circuit breaker tripped",
			slog.String("reason", reason),
			slog.Int("consecutive_losses", b.losses),
			slog.String("drawdown", drawdown.String()),
		)
	}
	onTrip := b.onTrip
	b.mu.Unlock()

	if reason != "" && onTrip != nil {
		onTrip(reason)
	}
}

// Tripped reports whether dispatches are currently suspended, applying the
// auto-reset cooldown if one is configured.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()

	if b.tripped && b.cfg.Cooldown > 0 && b.now().Sub(b.trippedAt) >= b.cfg.Cooldown {
		b.resetLocked("cooldown elapsed")
		onReset := b.onReset
		b.mu.Unlock()
		if onReset != nil {
			onReset()
		}
		return false
	}

	tripped := b.tripped
	b.mu.Unlock()
	return tripped
}

// Reset manually rearms the breaker and clears the loss streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasTripped := b.tripped
	b.resetLocked("manual reset")
	onReset := b.onReset
	b.mu.Unlock()

	if wasTripped && onReset != nil {
		onReset()
	}
}

func (b *Breaker) resetLocked(cause string) {
	if b.tripped {
		b.logger.Info("circuit breaker reset", slog.String("cause", cause))
	}
	b.tripped = false
	b.reason = ""
	b.losses = 0
}

// State returns a snapshot for the status API.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Tripped:           b.tripped,
		Reason:            b.reason,
		TrippedAt:         b.trippedAt,
		ConsecutiveLosses: b.losses,
		PeakProfit:        b.peakProfit,
		Drawdown:          b.peakProfit.Sub(b.cumProfit),
	}
}

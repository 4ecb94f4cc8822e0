package scoring

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// defaultWindow is the rolling window length used for win-rate computation
// when none is configured.
const defaultWindow = 50

// Book is the strategy-metrics table. It owns one StrategyMetrics record per
// strategy plus the rolling outcome window backing the win rate. Mutation
// happens only through Record (result ingestion) and Reweigh; reads are
// cheap copies.
type Book struct {
	mu      sync.RWMutex
	metrics map[domain.StrategyID]domain.StrategyMetrics
	recent  map[domain.StrategyID][]bool
	window  int
	now     func() time.Time
}

// NewBook creates a Book with the given rolling window length (<=0 uses the
// default of 50 results).
func NewBook(window int) *Book {
	if window <= 0 {
		window = defaultWindow
	}
	return &Book{
		metrics: make(map[domain.StrategyID]domain.StrategyMetrics),
		recent:  make(map[domain.StrategyID][]bool),
		window:  window,
		now:     time.Now,
	}
}

// Record ingests one execution result for the opportunity's strategy and
// returns the updated metrics. The update itself is the pure function apply;
// Record only provides the rolling window and the lock.
func (b *Book) Record(strategy domain.StrategyID, res domain.ExecutionResult) domain.StrategyMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := append(b.recent[strategy], res.Win())
	if len(window) > b.window {
		window = window[len(window)-b.window:]
	}
	b.recent[strategy] = window

	m := apply(b.getLocked(strategy), res, window, b.now())
	b.metrics[strategy] = m
	return m
}

// apply folds a single result into a metrics record. It is pure: the new
// record depends only on the inputs, so the feedback loop has no hidden
// background mutation.
func apply(m domain.StrategyMetrics, res domain.ExecutionResult, window []bool, now time.Time) domain.StrategyMetrics {
	m.Executions++
	if res.Win() {
		m.Wins++
	}
	m.TotalProfit = m.TotalProfit.Add(res.RealizedProfit)
	m.AvgProfit = m.TotalProfit.Div(decimal.NewFromInt(m.Executions))

	wins := 0
	for _, w := range window {
		if w {
			wins++
		}
	}
	if len(window) > 0 {
		m.WinRate = float64(wins) / float64(len(window))
	}
	m.UpdatedAt = now
	return m
}

// Get returns the metrics record for a strategy, or the neutral zero record
// if the strategy has no executions yet.
func (b *Book) Get(strategy domain.StrategyID) domain.StrategyMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getLocked(strategy)
}

func (b *Book) getLocked(strategy domain.StrategyID) domain.StrategyMetrics {
	if m, ok := b.metrics[strategy]; ok {
		return m
	}
	return domain.NewStrategyMetrics(strategy)
}

// All returns a copy of every strategy's metrics in the closed-set order.
func (b *Book) All() []domain.StrategyMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.StrategyMetrics, 0, len(domain.AllStrategies()))
	for _, s := range domain.AllStrategies() {
		out = append(out, b.getLocked(s))
	}
	return out
}

// Restore seeds the book from persisted snapshots at startup. The rolling
// window cannot be reconstructed, so win rates converge again as fresh
// results arrive.
func (b *Book) Restore(snapshots []domain.StrategyMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range snapshots {
		if m.Strategy.Valid() {
			b.metrics[m.Strategy] = m
		}
	}
}

// setAdaptiveWeight is used by the reweighter. Caller supplies the already
// clamped value.
func (b *Book) setAdaptiveWeight(strategy domain.StrategyID, w float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.getLocked(strategy)
	m.AdaptiveWeight = w
	m.UpdatedAt = now
	b.metrics[strategy] = m
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

const statusTTL = 5 * time.Minute

// StatusCache implements domain.StatusCache using Redis hashes with JSON
// payloads. The engine process writes pool and metrics snapshots here; an
// API-only process serves status reads from the cache.
//
// Key schema:
//
//	alloc:pool                 - hash with field "data" containing JSON
//	alloc:metrics:{strategy}   - hash with field "data" containing JSON
type StatusCache struct {
	rdb *redis.Client
}

// NewStatusCache creates a StatusCache backed by the given Client.
func NewStatusCache(c *Client) *StatusCache {
	return &StatusCache{rdb: c.Underlying()}
}

func poolKey() string                       { return "alloc:pool" }
func metricsKey(s domain.StrategyID) string { return "alloc:metrics:" + string(s) }

// SetPool stores the latest pool snapshot with a TTL so a dead engine's
// numbers age out instead of being served forever.
func (sc *StatusCache) SetPool(ctx context.Context, snap domain.PoolSnapshot) error {
	data, err := json.Marshal(poolPayload{
		Total:            snap.Total.String(),
		Allocated:        snap.Allocated.String(),
		Available:        snap.Available.String(),
		LiveReservations: snap.LiveReservations,
		TakenAt:          snap.TakenAt,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal pool snapshot: %w", err)
	}

	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, poolKey(), "data", data)
	pipe.Expire(ctx, poolKey(), statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set pool snapshot: %w", err)
	}
	return nil
}

// GetPool retrieves the latest pool snapshot. It returns domain.ErrNotFound
// when no engine has written one recently.
func (sc *StatusCache) GetPool(ctx context.Context) (domain.PoolSnapshot, error) {
	data, err := sc.rdb.HGet(ctx, poolKey(), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PoolSnapshot{}, domain.ErrNotFound
		}
		return domain.PoolSnapshot{}, fmt.Errorf("redis: get pool snapshot: %w", err)
	}

	var p poolPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.PoolSnapshot{}, fmt.Errorf("redis: unmarshal pool snapshot: %w", err)
	}
	return p.snapshot()
}

// SetMetrics stores one strategy's metrics record.
func (sc *StatusCache) SetMetrics(ctx context.Context, m domain.StrategyMetrics) error {
	data, err := json.Marshal(metricsPayload{
		Strategy:       string(m.Strategy),
		Executions:     m.Executions,
		Wins:           m.Wins,
		WinRate:        m.WinRate,
		TotalProfit:    m.TotalProfit.String(),
		AvgProfit:      m.AvgProfit.String(),
		AdaptiveWeight: m.AdaptiveWeight,
		UpdatedAt:      m.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal metrics %s: %w", m.Strategy, err)
	}

	key := metricsKey(m.Strategy)
	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set metrics %s: %w", m.Strategy, err)
	}
	return nil
}

// GetMetrics retrieves one strategy's metrics record. It returns
// domain.ErrNotFound on a miss.
func (sc *StatusCache) GetMetrics(ctx context.Context, strategy domain.StrategyID) (domain.StrategyMetrics, error) {
	data, err := sc.rdb.HGet(ctx, metricsKey(strategy), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StrategyMetrics{}, domain.ErrNotFound
		}
		return domain.StrategyMetrics{}, fmt.Errorf("redis: get metrics %s: %w", strategy, err)
	}

	var p metricsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.StrategyMetrics{}, fmt.Errorf("redis: unmarshal metrics %s: %w", strategy, err)
	}
	return p.metrics()
}

// AllMetrics retrieves every known strategy's record using a pipeline.
// Strategies without a cached record are omitted.
func (sc *StatusCache) AllMetrics(ctx context.Context) ([]domain.StrategyMetrics, error) {
	strategies := domain.AllStrategies()

	pipe := sc.rdb.Pipeline()
	cmds := make(map[domain.StrategyID]*redis.StringCmd, len(strategies))
	for _, s := range strategies {
		cmds[s] = pipe.HGet(ctx, metricsKey(s), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: all metrics pipeline: %w", err)
	}

	var out []domain.StrategyMetrics
	for _, s := range strategies {
		data, err := cmds[s].Bytes()
		if err != nil {
			continue
		}
		var p metricsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		m, err := p.metrics()
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type poolPayload struct {
	Total            string    `json:"total"`
	Allocated        string    `json:"allocated"`
	Available        string    `json:"available"`
	LiveReservations int       `json:"live_reservations"`
	TakenAt          time.Time `json:"taken_at"`
}

func (p poolPayload) snapshot() (domain.PoolSnapshot, error) {
	total, err := decimalFromString(p.Total)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	allocated, err := decimalFromString(p.Allocated)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	available, err := decimalFromString(p.Available)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	return domain.PoolSnapshot{
		Total:            total,
		Allocated:        allocated,
		Available:        available,
		LiveReservations: p.LiveReservations,
		TakenAt:          p.TakenAt,
	}, nil
}

type metricsPayload struct {
	Strategy       string    `json:"strategy"`
	Executions     int64     `json:"executions"`
	Wins           int64     `json:"wins"`
	WinRate        float64   `json:"win_rate"`
	TotalProfit    string    `json:"total_profit"`
	AvgProfit      string    `json:"avg_profit"`
	AdaptiveWeight float64   `json:"adaptive_weight"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p metricsPayload) metrics() (domain.StrategyMetrics, error) {
	totalProfit, err := decimalFromString(p.TotalProfit)
	if err != nil {
		return domain.StrategyMetrics{}, err
	}
	avgProfit, err := decimalFromString(p.AvgProfit)
	if err != nil {
		return domain.StrategyMetrics{}, err
	}
	return domain.StrategyMetrics{
		Strategy:       domain.StrategyID(p.Strategy),
		Executions:     p.Executions,
		Wins:           p.Wins,
		WinRate:        p.WinRate,
		TotalProfit:    totalProfit,
		AvgProfit:      avgProfit,
		AdaptiveWeight: p.AdaptiveWeight,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

func decimalFromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("redis: parse decimal %q: %w", s, err)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.StatusCache = (*StatusCache)(nil)

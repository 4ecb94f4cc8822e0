package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// MetricsStore implements domain.MetricsStore using PostgreSQL. Snapshots are
// written periodically so adaptive weights survive restarts.
type MetricsStore struct {
	pool *pgxpool.Pool
}

// NewMetricsStore creates a new MetricsStore backed by the given pool.
func NewMetricsStore(pool *pgxpool.Pool) *MetricsStore {
	return &MetricsStore{pool: pool}
}

// Upsert writes one strategy's metrics record, replacing any previous row.
func (s *MetricsStore) Upsert(ctx context.Context, m domain.StrategyMetrics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO strategy_metrics (strategy, executions, wins, win_rate, total_profit, avg_profit, adaptive_weight, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (strategy) DO UPDATE SET
			executions = EXCLUDED.executions,
			wins = EXCLUDED.wins,
			win_rate = EXCLUDED.win_rate,
			total_profit = EXCLUDED.total_profit,
			avg_profit = EXCLUDED.avg_profit,
			adaptive_weight = EXCLUDED.adaptive_weight,
			updated_at = EXCLUDED.updated_at`,
		string(m.Strategy), m.Executions, m.Wins, m.WinRate,
		m.TotalProfit.String(), m.AvgProfit.String(), m.AdaptiveWeight, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert metrics %s: %w", m.Strategy, err)
	}
	return nil
}

// Get returns one strategy's persisted metrics, or domain.ErrNotFound.
func (s *MetricsStore) Get(ctx context.Context, strategy domain.StrategyID) (domain.StrategyMetrics, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT strategy, executions, wins, win_rate, total_profit::TEXT, avg_profit::TEXT, adaptive_weight, updated_at
		FROM strategy_metrics WHERE strategy = $1`, string(strategy))
	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyMetrics{}, domain.ErrNotFound
		}
		return domain.StrategyMetrics{}, fmt.Errorf("postgres: get metrics %s: %w", strategy, err)
	}
	return m, nil
}

// List returns every persisted strategy record.
func (s *MetricsStore) List(ctx context.Context) ([]domain.StrategyMetrics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT strategy, executions, wins, win_rate, total_profit::TEXT, avg_profit::TEXT, adaptive_weight, updated_at
		FROM strategy_metrics ORDER BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics: %w", err)
	}
	defer rows.Close()

	var list []domain.StrategyMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan metrics: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: metrics rows: %w", err)
	}
	return list, nil
}

func scanMetrics(row pgx.Row) (domain.StrategyMetrics, error) {
	var m domain.StrategyMetrics
	var strategy, totalStr, avgStr string

	if err := row.Scan(&strategy, &m.Executions, &m.Wins, &m.WinRate,
		&totalStr, &avgStr, &m.AdaptiveWeight, &m.UpdatedAt); err != nil {
		return domain.StrategyMetrics{}, err
	}

	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return domain.StrategyMetrics{}, fmt.Errorf("parse total profit %q: %w", totalStr, err)
	}
	avg, err := decimal.NewFromString(avgStr)
	if err != nil {
		return domain.StrategyMetrics{}, fmt.Errorf("parse avg profit %q: %w", avgStr, err)
	}

	m.Strategy = domain.StrategyID(strategy)
	m.TotalProfit = total
	m.AvgProfit = avg
	return m, nil
}

// Compile-time interface check.
var _ domain.MetricsStore = (*MetricsStore)(nil)

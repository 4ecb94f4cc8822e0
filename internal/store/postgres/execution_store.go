package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, reservation_id, opportunity_id, strategy, token_id, amount, outcome, realized_profit, score, dispatched_at, completed_at`

// executionSelect casts the NUMERIC columns to text so they round-trip
// through shopspring decimal without precision loss.
const executionSelect = `id, reservation_id, opportunity_id, strategy, token_id, amount::TEXT, outcome, realized_profit::TEXT, score, dispatched_at, completed_at`

// Insert persists a resolved execution.
func (s *ExecutionStore) Insert(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, int64(rec.ReservationID), rec.OpportunityID, string(rec.Strategy),
		rec.TokenID, rec.Amount.String(), string(rec.Outcome),
		rec.RealizedProfit.String(), rec.Score, rec.DispatchedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns one execution record, or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionSelect+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, domain.ErrNotFound
		}
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return rec, nil
}

// ListRecent returns the most recently completed executions.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionSelect+` FROM executions
		ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns records completed strictly before the cutoff, oldest
// first. Used by the archiver.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionSelect+` FROM executions
		WHERE completed_at < $1 ORDER BY completed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", before, err)
	}
	return collectExecutions(rows)
}

// DeleteBefore removes records completed strictly before the cutoff and
// returns the number deleted.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// SumRealizedProfit returns the realized P&L for one strategy since the given
// time. An empty strategy sums across all of them.
func (s *ExecutionStore) SumRealizedProfit(ctx context.Context, strategy domain.StrategyID, since time.Time) (decimal.Decimal, error) {
	var sumStr string
	var err error
	if strategy == "" {
		err = s.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(realized_profit), 0)::TEXT FROM executions
			WHERE completed_at >= $1`, since).Scan(&sumStr)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(realized_profit), 0)::TEXT FROM executions
			WHERE strategy = $1 AND completed_at >= $2`, string(strategy), since).Scan(&sumStr)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum realized profit: %w", err)
	}
	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse profit sum %q: %w", sumStr, err)
	}
	return sum, nil
}

func collectExecutions(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()
	var list []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: executions rows: %w", err)
	}
	return list, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var reservationID int64
	var strategy, outcome, amountStr, profitStr string

	if err := row.Scan(&rec.ID, &reservationID, &rec.OpportunityID, &strategy,
		&rec.TokenID, &amountStr, &outcome, &profitStr, &rec.Score,
		&rec.DispatchedAt, &rec.CompletedAt); err != nil {
		return domain.ExecutionRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("parse amount %q: %w", amountStr, err)
	}
	profit, err := decimal.NewFromString(profitStr)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("parse profit %q: %w", profitStr, err)
	}

	rec.ReservationID = uint64(reservationID)
	rec.Strategy = domain.StrategyID(strategy)
	rec.Outcome = domain.Outcome(outcome)
	rec.Amount = amount
	rec.RealizedProfit = profit
	return rec, nil
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// MetricsRepo implements storage.MetricsRepository using PostgreSQL.
type MetricsRepo struct {
	db *DB
}

// NewMetricsRepo creates a new PostgreSQL metrics repository.
func NewMetricsRepo(db *DB) *MetricsRepo {
	return &MetricsRepo{db: db}
}

// Append inserts a record. A second write for the same attempt is a no-op.
func (r *MetricsRepo) Append(ctx context.Context, record *domain.MetricsRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO metrics_records
			(attempt_id, pattern_id, strategy_id, outcome, duration_ms, score, recorded_at)
		VALUES
			(:attempt_id, :pattern_id, :strategy_id, :outcome, :duration_ms, :score, :recorded_at)
		ON CONFLICT (attempt_id) DO NOTHING`, record)
	if err != nil {
		return fmt.Errorf("failed to append metrics record: %w", err)
	}
	return nil
}

// Recent returns the newest records for a strategy.
func (r *MetricsRepo) Recent(
	ctx context.Context,
	strategy domain.StrategyID,
	limit int,
) ([]*domain.MetricsRecord, error) {
	var rows []*domain.MetricsRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT attempt_id, pattern_id, strategy_id, outcome, duration_ms, score, recorded_at
		FROM metrics_records
		WHERE strategy_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent metrics: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan prunes records recorded before the threshold.
func (r *MetricsRepo) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM metrics_records WHERE recorded_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	return res.RowsAffected()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// AttemptRepo implements storage.AttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Save stores a finished attempt summary.
func (r *AttemptRepo) Save(ctx context.Context, summary domain.AttemptSummary) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attempt_summaries
			(attempt_id, pattern_id, environment_fingerprint, strategy_id, outcome,
			 tries, started_at, duration_ms, error_msg, error_kind)
		VALUES
			(:attempt_id, :pattern_id, :environment_fingerprint, :strategy_id, :outcome,
			 :tries, :started_at, :duration_ms, :error_msg, :error_kind)
		ON CONFLICT (attempt_id) DO NOTHING`, summary)
	if err != nil {
		return fmt.Errorf("failed to save attempt summary: %w", err)
	}
	return nil
}

// History returns the latest attempts for a pattern and fingerprint, oldest first.
func (r *AttemptRepo) History(
	ctx context.Context,
	pattern domain.PatternID,
	fingerprint string,
	limit int,
) ([]domain.AttemptSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []domain.AttemptSummary
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT attempt_id, pattern_id, environment_fingerprint, strategy_id, outcome,
			       tries, started_at, duration_ms, error_msg, error_kind
			FROM attempt_summaries
			WHERE pattern_id = $1 AND environment_fingerprint = $2
			ORDER BY started_at DESC
			LIMIT $3
		) recent
		ORDER BY started_at ASC`, pattern, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt history: %w", err)
	}
	return rows, nil
}

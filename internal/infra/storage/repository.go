package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("not found")
)

// TierStore persists cache entry metadata and payload blobs for one tier.
// Implementations must be safe for concurrent use.
type TierStore interface {
	// GetEntry retrieves entry metadata by key
	GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error)

	// PutEntry creates or replaces entry metadata
	PutEntry(ctx context.Context, entry *domain.CacheEntry) error

	// DeleteEntry removes entry metadata (the blob is left alone)
	DeleteEntry(ctx context.Context, key string) error

	// ListEntries returns all entries in the tier
	ListEntries(ctx context.Context) ([]*domain.CacheEntry, error)

	// GetBlob retrieves a payload blob
	GetBlob(ctx context.Context, ref string) ([]byte, error)

	// PutBlob stores a payload blob
	PutBlob(ctx context.Context, ref string, data []byte) error

	// DeleteBlob removes a payload blob
	DeleteBlob(ctx context.Context, ref string) error
}

// BreakerRepository persists circuit breaker state per pattern.
type BreakerRepository interface {
	// Get returns the breaker state or ErrNotFound
	Get(ctx context.Context, pattern domain.PatternID) (*domain.CircuitBreakerState, error)

	// Save creates or replaces the breaker state
	Save(ctx context.Context, state *domain.CircuitBreakerState) error

	// List returns all persisted breakers
	List(ctx context.Context) ([]*domain.CircuitBreakerState, error)

	// Delete removes a breaker (reset to closed on next read)
	Delete(ctx context.Context, pattern domain.PatternID) error
}

// FailureHistoryRepository tracks repeat failures in a rolling window.
type FailureHistoryRepository interface {
	// Record stores an occurrence and returns how many earlier occurrences for
	// the same pattern and fingerprint fall within the window.
	Record(
		ctx context.Context,
		pattern domain.PatternID,
		fingerprint string,
		at time.Time,
		window time.Duration,
	) (int, error)
}

// MetricsRepository is the append-only store of MetricsRecords.
type MetricsRepository interface {
	// Append writes a record; duplicate attempt IDs are ignored
	Append(ctx context.Context, record *domain.MetricsRecord) error

	// Recent returns the latest records for a strategy, newest first
	Recent(ctx context.Context, strategy domain.StrategyID, limit int) ([]*domain.MetricsRecord, error)

	// DeleteOlderThan prunes records recorded before the threshold
	DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

// AttemptRepository stores finished attempt summaries for escalation history.
type AttemptRepository interface {
	// Save stores a finished attempt summary
	Save(ctx context.Context, summary domain.AttemptSummary) error

	// History returns prior attempts for a pattern and fingerprint, oldest first
	History(
		ctx context.Context,
		pattern domain.PatternID,
		fingerprint string,
		limit int,
	) ([]domain.AttemptSummary, error)
}

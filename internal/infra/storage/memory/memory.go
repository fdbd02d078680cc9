package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

type MemoryStorage struct {
	breakers map[domain.PatternID]*domain.CircuitBreakerState
	failures map[string][]time.Time
	metrics  []*domain.MetricsRecord
	seen     map[string]struct{}
	attempts []domain.AttemptSummary
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		breakers: make(map[domain.PatternID]*domain.CircuitBreakerState),
		failures: make(map[string][]time.Time),
		seen:     make(map[string]struct{}),
	}
}

// -----------------------------------------------------------------------------
// Tier Store
// -----------------------------------------------------------------------------

type TierStore struct {
	mu      sync.RWMutex
	entries map[string]*domain.CacheEntry
	blobs   map[string][]byte
}

func NewTierStore() *TierStore {
	return &TierStore{
		entries: make(map[string]*domain.CacheEntry),
		blobs:   make(map[string][]byte),
	}
}

func (s *TierStore) GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *TierStore) PutEntry(ctx context.Context, entry *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry.Clone()
	return nil
}

func (s *TierStore) DeleteEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *TierStore) ListEntries(ctx context.Context) ([]*domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *TierStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *TierStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	s.blobs[ref] = b
	return nil
}

func (s *TierStore) DeleteBlob(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}

// CorruptBlob overwrites a blob in place without touching entry metadata.
// Used by tests and chaos drills to simulate bit rot.
func (s *TierStore) CorruptBlob(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = data
}

// BlobCount returns the number of stored blobs.
func (s *TierStore) BlobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// -----------------------------------------------------------------------------
// Breaker Repository
// -----------------------------------------------------------------------------

type BreakerRepo struct {
	store *MemoryStorage
}

func NewBreakerRepo(store *MemoryStorage) *BreakerRepo {
	return &BreakerRepo{store: store}
}

func (r *BreakerRepo) Get(ctx context.Context, pattern domain.PatternID) (*domain.CircuitBreakerState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.breakers[pattern]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (r *BreakerRepo) Save(ctx context.Context, state *domain.CircuitBreakerState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *state
	r.store.breakers[state.PatternID] = &c
	return nil
}

func (r *BreakerRepo) List(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.CircuitBreakerState, 0, len(r.store.breakers))
	for _, b := range r.store.breakers {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out, nil
}

func (r *BreakerRepo) Delete(ctx context.Context, pattern domain.PatternID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.breakers, pattern)
	return nil
}

// -----------------------------------------------------------------------------
// Failure History Repository
// -----------------------------------------------------------------------------

type FailureHistoryRepo struct {
	store *MemoryStorage
}

func NewFailureHistoryRepo(store *MemoryStorage) *FailureHistoryRepo {
	return &FailureHistoryRepo{store: store}
}

func (r *FailureHistoryRepo) Record(
	ctx context.Context,
	pattern domain.PatternID,
	fingerprint string,
	at time.Time,
	window time.Duration,
) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := string(pattern) + "|" + fingerprint
	cutoff := at.Add(-window)

	kept := r.store.failures[key][:0]
	for _, t := range r.store.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	count := len(kept)
	r.store.failures[key] = append(kept, at)
	return count, nil
}

// -----------------------------------------------------------------------------
// Metrics Repository
// -----------------------------------------------------------------------------

type MetricsRepo struct {
	store *MemoryStorage
}

func NewMetricsRepo(store *MemoryStorage) *MetricsRepo {
	return &MetricsRepo{store: store}
}

func (r *MetricsRepo) Append(ctx context.Context, record *domain.MetricsRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, dup := r.store.seen[record.AttemptID]; dup {
		return nil
	}
	r.store.seen[record.AttemptID] = struct{}{}
	c := *record
	r.store.metrics = append(r.store.metrics, &c)
	return nil
}

func (r *MetricsRepo) Recent(
	ctx context.Context,
	strategy domain.StrategyID,
	limit int,
) ([]*domain.MetricsRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.MetricsRecord
	for i := len(r.store.metrics) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		rec := r.store.metrics[i]
		if rec.StrategyID == strategy {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *MetricsRepo) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.metrics[:0]
	var deleted int64
	for _, rec := range r.store.metrics {
		if rec.RecordedAt.Before(threshold) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.store.metrics = kept
	return deleted, nil
}

// All returns every record in append order.
func (r *MetricsRepo) All() []*domain.MetricsRecord {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.MetricsRecord, len(r.store.metrics))
	copy(out, r.store.metrics)
	return out
}

// -----------------------------------------------------------------------------
// Attempt Repository
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Save(ctx context.Context, summary domain.AttemptSummary) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.attempts = append(r.store.attempts, summary)
	return nil
}

func (r *AttemptRepo) History(
	ctx context.Context,
	pattern domain.PatternID,
	fingerprint string,
	limit int,
) ([]domain.AttemptSummary, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.AttemptSummary
	for _, a := range r.store.attempts {
		if a.PatternID == pattern && a.EnvironmentFingerprint == fingerprint {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

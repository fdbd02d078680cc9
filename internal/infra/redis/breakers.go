package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// BreakerRepo implements storage.BreakerRepository using a Redis hash keyed
// by pattern ID.
type BreakerRepo struct {
	client *Client
}

// NewBreakerRepo creates a new Redis-backed breaker repository.
func NewBreakerRepo(client *Client) *BreakerRepo {
	return &BreakerRepo{client: client}
}

func (r *BreakerRepo) hashKey() string {
	return r.client.key("breakers")
}

// Get returns the breaker state for a pattern.
func (r *BreakerRepo) Get(ctx context.Context, pattern domain.PatternID) (*domain.CircuitBreakerState, error) {
	data, err := r.client.rdb.HGet(ctx, r.hashKey(), string(pattern)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget breaker %s failed: %w", pattern, err)
	}

	var state domain.CircuitBreakerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breaker %s: %w", pattern, err)
	}
	return &state, nil
}

// Save creates or replaces the breaker state.
func (r *BreakerRepo) Save(ctx context.Context, state *domain.CircuitBreakerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker: %w", err)
	}
	if err := r.client.rdb.HSet(ctx, r.hashKey(), string(state.PatternID), data).Err(); err != nil {
		return fmt.Errorf("hset breaker %s failed: %w", state.PatternID, err)
	}
	return nil
}

// List returns all persisted breakers sorted by pattern.
func (r *BreakerRepo) List(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	all, err := r.client.rdb.HGetAll(ctx, r.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall breakers failed: %w", err)
	}

	out := make([]*domain.CircuitBreakerState, 0, len(all))
	for field, raw := range all {
		var state domain.CircuitBreakerState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breaker %s: %w", field, err)
		}
		out = append(out, &state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out, nil
}

// Delete removes a breaker.
func (r *BreakerRepo) Delete(ctx context.Context, pattern domain.PatternID) error {
	return r.client.rdb.HDel(ctx, r.hashKey(), string(pattern)).Err()
}

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

// TierStore implements storage.TierStore for one cache tier. Entry metadata
// lives in a hash, payloads in plain string keys.
type TierStore struct {
	client *Client
	tier   domain.Tier
}

// NewTierStore creates a store for the given tier.
func NewTierStore(client *Client, tier domain.Tier) *TierStore {
	return &TierStore{client: client, tier: tier}
}

func (s *TierStore) entriesKey() string {
	return s.client.key("tier", s.tier.Prefix(), "entries")
}

func (s *TierStore) blobKey(ref string) string {
	return s.client.key("tier", s.tier.Prefix(), "blob", ref)
}

func (s *TierStore) GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	data, err := s.client.rdb.HGet(ctx, s.entriesKey(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget entry %s failed: %w", key, err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry %s: %w", key, err)
	}
	return &entry, nil
}

func (s *TierStore) PutEntry(ctx context.Context, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return s.client.rdb.HSet(ctx, s.entriesKey(), entry.Key, data).Err()
}

func (s *TierStore) DeleteEntry(ctx context.Context, key string) error {
	return s.client.rdb.HDel(ctx, s.entriesKey(), key).Err()
}

func (s *TierStore) ListEntries(ctx context.Context) ([]*domain.CacheEntry, error) {
	all, err := s.client.rdb.HGetAll(ctx, s.entriesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall entries failed: %w", err)
	}
	out := make([]*domain.CacheEntry, 0, len(all))
	for key, raw := range all {
		var entry domain.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry %s: %w", key, err)
		}
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *TierStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.rdb.Get(ctx, s.blobKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s failed: %w", ref, err)
	}
	return data, nil
}

func (s *TierStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	return s.client.rdb.Set(ctx, s.blobKey(ref), data, 0).Err()
}

func (s *TierStore) DeleteBlob(ctx context.Context, ref string) error {
	return s.client.rdb.Del(ctx, s.blobKey(ref)).Err()
}

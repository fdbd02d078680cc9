package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// FailureHistoryRepo keeps a sliding window of failure timestamps per
// pattern and environment in a sorted set scored by unix milliseconds.
type FailureHistoryRepo struct {
	client *Client
}

// NewFailureHistoryRepo creates a new Redis-backed failure history.
func NewFailureHistoryRepo(client *Client) *FailureHistoryRepo {
	return &FailureHistoryRepo{client: client}
}

func (r *FailureHistoryRepo) windowKey(pattern domain.PatternID, fingerprint string) string {
	return r.client.key("failures", string(pattern), fingerprint)
}

// Record trims the window, counts what is left and adds the new occurrence in
// a single MULTI/EXEC.
func (r *FailureHistoryRepo) Record(
	ctx context.Context,
	pattern domain.PatternID,
	fingerprint string,
	at time.Time,
	window time.Duration,
) (int, error) {
	key := r.windowKey(pattern, fingerprint)
	cutoff := at.Add(-window).UnixMilli()

	var card *redis.IntCmd
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: uuid.NewString(),
		})
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record failure for %s: %w", pattern, err)
	}
	return int(card.Val()), nil
}

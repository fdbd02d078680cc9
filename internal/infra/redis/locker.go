package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker provides cross-process mutual exclusion with SETNX.
type Locker struct {
	client *Client
}

// NewLocker creates a new Redis locker.
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the named lock for ttl. The returned release func only
// deletes the key while this holder still owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := l.client.key("lock", name)
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err()
	}
	return release, nil
}

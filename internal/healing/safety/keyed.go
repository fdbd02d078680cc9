package safety

import (
	"context"
	"sync"
	"time"
)

// keyedMutex serializes callers per key. Entries are dropped once the last
// holder or waiter leaves.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *keyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// DistributedLocker extends per-key serialization across processes.
type DistributedLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// acquireDistributed polls the locker while busy reports the lock as held
// elsewhere.
func acquireDistributed(
	ctx context.Context,
	l DistributedLocker,
	name string,
	ttl, poll time.Duration,
	busy func(error) bool,
) (func(), error) {
	for {
		release, err := l.Acquire(ctx, name, ttl)
		if err == nil {
			return release, nil
		}
		if !busy(err) {
			return nil, err
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

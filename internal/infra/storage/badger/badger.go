// Package badger provides an on-disk TierStore backed by BadgerDB.
//
// Used for the artifact and backup tiers where entries are large and must
// survive restarts. The dependency tier usually stays in memory or Redis.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool `yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often to run value log garbage collection. 0 disables.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens a BadgerDB instance with the given configuration.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return db, nil
}

// TierStore implements storage.TierStore on BadgerDB.
type TierStore struct {
	db  *badger.DB
	cfg Config
}

// NewTierStore opens the database and returns a store.
func NewTierStore(cfg Config) (*TierStore, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &TierStore{db: db, cfg: cfg}, nil
}

func entryKey(key string) []byte { return []byte("e/" + key) }
func blobKey(ref string) []byte  { return []byte("b/" + ref) }

// GetEntry retrieves entry metadata.
func (s *TierStore) GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", key, err)
	}
	return &entry, nil
}

// PutEntry creates or replaces entry metadata.
func (s *TierStore) PutEntry(ctx context.Context, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.Key), data)
	})
}

// DeleteEntry removes entry metadata.
func (s *TierStore) DeleteEntry(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(key))
	})
}

// ListEntries returns all entries sorted by key.
func (s *TierStore) ListEntries(ctx context.Context) ([]*domain.CacheEntry, error) {
	var out []*domain.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("e/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry domain.CacheEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				slog.Warn("Skipping unreadable cache entry", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// GetBlob retrieves a payload blob.
func (s *TierStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(ref))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", ref, err)
	}
	return data, nil
}

// PutBlob stores a payload blob.
func (s *TierStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(ref), data)
	})
}

// DeleteBlob removes a payload blob.
func (s *TierStore) DeleteBlob(ctx context.Context, ref string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(ref))
	})
}

// RunGC runs value log garbage collection until ctx is cancelled.
func (s *TierStore) RunGC(ctx context.Context) {
	if s.cfg.InMemory || s.cfg.GCInterval <= 0 {
		return
	}
	ratio := s.cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						slog.Warn("Badger value log GC failed", "path", s.cfg.Path, "error", err)
					}
					break
				}
			}
		}
	}
}

// Close closes the database.
func (s *TierStore) Close() error {
	return s.db.Close()
}

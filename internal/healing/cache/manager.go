// Package cache manages the three-tier cache hierarchy: dependency caches,
// build artifacts and known-good backup snapshots.
//
// Every read validates the payload checksum before serving it. Each tier has
// its own read-write lock; validation and fetch share the lock, while writes,
// eviction and restore hold it exclusively. When several tiers must be held at
// once they are locked in ascending tier order.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/metrics"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

var (
	// ErrColdRebuildRequired is returned by Fetch when no tier holds a valid entry.
	ErrColdRebuildRequired = errors.New("no valid cache entry in any tier, cold rebuild required")

	// ErrInvalidEntry is returned when an operation is given an entry that
	// failed validation.
	ErrInvalidEntry = errors.New("cache entry is not valid")

	// ErrNothingToSnapshot is returned when an environment has no valid entries.
	ErrNothingToSnapshot = errors.New("no valid entries to snapshot")

	// ErrSnapshotNotFound is returned when a snapshot reference does not resolve.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

const checkpointPrefix = "checkpoint:"

// Config holds cache manager configuration.
type Config struct {
	// Budgets is the byte budget per tier. Zero means unbounded.
	Budgets map[domain.Tier]int64

	// MaxAge is the maximum entry age per tier. Zero means no age limit.
	MaxAge map[domain.Tier]time.Duration

	// BackupRetention is the size of the Tier-3 snapshot ring.
	BackupRetention int

	// MinSimilarity is the lowest environment similarity at which a Tier-3
	// snapshot may serve a fetch.
	MinSimilarity float64

	// RebuildTimeout bounds a cold rebuild.
	RebuildTimeout time.Duration

	Similarity Similarity
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Budgets: map[domain.Tier]int64{
			domain.TierDependency: 2 << 30,
			domain.TierArtifact:   4 << 30,
		},
		MaxAge: map[domain.Tier]time.Duration{
			domain.TierDependency: 7 * 24 * time.Hour,
			domain.TierArtifact:   3 * 24 * time.Hour,
		},
		BackupRetention: 3,
		MinSimilarity:   0.5,
		RebuildTimeout:  15 * time.Minute,
		Similarity:      DefaultSimilarity,
	}
}

// FetchResult is a validated entry together with its payload.
type FetchResult struct {
	Entry   *domain.CacheEntry
	Payload []byte
	Tier    domain.Tier
}

// BuildFunc produces a fresh payload and the manifest fingerprint it was built from.
type BuildFunc func(ctx context.Context) (payload []byte, manifest string, err error)

// Manager owns all cache tiers.
type Manager struct {
	cfg    Config
	stores map[domain.Tier]storage.TierStore
	locks  map[domain.Tier]*sync.RWMutex

	rebuilds singleflight.Group

	mu          sync.Mutex
	checkpoints map[string]*archive
	pins        map[string]int

	now func() time.Time
}

// NewManager creates a manager over one store per tier.
func NewManager(cfg Config, stores map[domain.Tier]storage.TierStore) (*Manager, error) {
	for _, t := range domain.Tiers {
		if stores[t] == nil {
			return nil, fmt.Errorf("missing store for %s tier", t)
		}
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 3
	}
	if cfg.Similarity == nil {
		cfg.Similarity = DefaultSimilarity
	}
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = 15 * time.Minute
	}

	locks := make(map[domain.Tier]*sync.RWMutex, len(domain.Tiers))
	for _, t := range domain.Tiers {
		locks[t] = &sync.RWMutex{}
	}

	return &Manager{
		cfg:         cfg,
		stores:      stores,
		locks:       locks,
		checkpoints: make(map[string]*archive),
		pins:        make(map[string]int),
		now:         time.Now,
	}, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate recomputes the checksum of an entry and records the result.
// A mismatch or a missing payload marks the entry invalid.
func (m *Manager) Validate(ctx context.Context, tier domain.Tier, key string) (domain.Validity, error) {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	_, _, v, err := m.check(ctx, tier, key)
	return v, err
}

// check must be called with the tier lock held (shared or exclusive).
func (m *Manager) check(
	ctx context.Context,
	tier domain.Tier,
	key string,
) (*domain.CacheEntry, []byte, domain.Validity, error) {
	store := m.stores[tier]

	entry, err := store.GetEntry(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, domain.Missing, nil
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read %s entry %s: %w", tier, key, err)
	}
	if !entry.Valid {
		return entry, nil, domain.Corrupt, nil
	}

	found := true
	payload, err := store.GetBlob(ctx, entry.BlobRef)
	if errors.Is(err, storage.ErrNotFound) {
		found = false
	} else if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read %s blob %s: %w", tier, entry.BlobRef, err)
	}

	entry.LastValidatedAt = m.now()
	if !found || domain.ContentFingerprint(payload) != entry.Checksum {
		entry.Valid = false
		if err := store.PutEntry(ctx, entry); err != nil {
			return nil, nil, "", fmt.Errorf("failed to mark %s entry %s invalid: %w", tier, key, err)
		}
		metrics.CacheCorruptions.WithLabelValues(tier.String()).Inc()
		slog.Warn("Cache entry failed validation",
			"tier", tier.String(),
			"key", key,
			"payload_missing", !found,
		)
		return entry, nil, domain.Corrupt, nil
	}

	if err := store.PutEntry(ctx, entry); err != nil {
		return nil, nil, "", fmt.Errorf("failed to update %s entry %s: %w", tier, key, err)
	}
	return entry, payload, domain.Valid, nil
}

// ValidateEnvironment checks every dependency and artifact entry of env and
// returns the valid ones plus the keys that failed.
func (m *Manager) ValidateEnvironment(
	ctx context.Context,
	env string,
) (valid []*domain.CacheEntry, corrupt []string, err error) {
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		v, c, err := m.validateTier(ctx, tier, env)
		if err != nil {
			return nil, nil, err
		}
		valid = append(valid, v...)
		corrupt = append(corrupt, c...)
	}
	return valid, corrupt, nil
}

func (m *Manager) validateTier(
	ctx context.Context,
	tier domain.Tier,
	env string,
) (valid []*domain.CacheEntry, corrupt []string, err error) {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	entries, err := m.stores[tier].ListEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.EnvironmentFingerprint != env {
			continue
		}
		checked, _, v, err := m.check(ctx, tier, e.Key)
		if err != nil {
			return nil, nil, err
		}
		switch v {
		case domain.Valid:
			valid = append(valid, checked)
		case domain.Corrupt:
			corrupt = append(corrupt, e.Key)
		}
	}
	return valid, corrupt, nil
}

// Sweep validates every valid entry of a tier across all environments and
// returns the ones that fail. Entries already marked invalid are skipped.
func (m *Manager) Sweep(ctx context.Context, tier domain.Tier) ([]*domain.CacheEntry, error) {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	entries, err := m.stores[tier].ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", tier, err)
	}
	var corrupt []*domain.CacheEntry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return corrupt, err
		}
		if !e.Valid {
			continue
		}
		checked, _, v, err := m.check(ctx, tier, e.Key)
		if err != nil {
			return corrupt, err
		}
		if v == domain.Corrupt {
			corrupt = append(corrupt, checked)
		}
	}
	return corrupt, nil
}

// =============================================================================
// Fetch / Store / Promote
// =============================================================================

// Fetch looks up content for an environment in tier order and returns the
// first entry that passes validation. Corrupt entries are skipped, never
// served. A Tier-3 hit comes from the most compatible snapshot.
func (m *Manager) Fetch(ctx context.Context, env, content string) (*FetchResult, error) {
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		res, err := m.fetchTier(ctx, tier, domain.CacheKey(tier, env, content))
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	res, err := m.fetchBackup(ctx, env, content)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return nil, ErrColdRebuildRequired
}

func (m *Manager) fetchTier(ctx context.Context, tier domain.Tier, key string) (*FetchResult, error) {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	entry, payload, v, err := m.check(ctx, tier, key)
	if err != nil {
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues(tier.String(), string(v)).Inc()
	if v != domain.Valid {
		return nil, nil
	}
	return &FetchResult{Entry: entry, Payload: payload, Tier: tier}, nil
}

func (m *Manager) fetchBackup(ctx context.Context, env, content string) (*FetchResult, error) {
	lock := m.locks[domain.TierBackup]
	lock.RLock()
	defer lock.RUnlock()

	for _, snap := range m.rankedSnapshots(ctx, env) {
		entry, data, v, err := m.check(ctx, domain.TierBackup, snap.Key)
		if err != nil {
			return nil, err
		}
		if v != domain.Valid {
			continue
		}
		arc, err := decodeArchive(data)
		if err != nil {
			slog.Warn("Skipping unreadable snapshot", "key", snap.Key, "error", err)
			continue
		}
		item, ok := arc.find(content)
		if !ok {
			continue
		}

		found := item.Entry.Clone()
		found.Tier = domain.TierBackup
		found.Key = entry.Key
		found.BlobRef = entry.Key
		metrics.CacheLookups.WithLabelValues(domain.TierBackup.String(), string(domain.Valid)).Inc()
		return &FetchResult{Entry: found, Payload: item.Payload, Tier: domain.TierBackup}, nil
	}

	metrics.CacheLookups.WithLabelValues(domain.TierBackup.String(), string(domain.Missing)).Inc()
	return nil, nil
}

// rankedSnapshots returns snapshots compatible with env, most similar and
// then most recent first. Caller holds the backup tier lock.
func (m *Manager) rankedSnapshots(ctx context.Context, env string) []*domain.CacheEntry {
	entries, err := m.stores[domain.TierBackup].ListEntries(ctx)
	if err != nil {
		slog.Warn("Failed to list snapshots", "error", err)
		return nil
	}

	type ranked struct {
		entry *domain.CacheEntry
		score float64
	}
	var candidates []ranked
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		score := m.cfg.Similarity.Score(env, e.EnvironmentFingerprint)
		if score < m.cfg.MinSimilarity || score == 0 {
			continue
		}
		candidates = append(candidates, ranked{entry: e, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.Sequence > candidates[j].entry.Sequence
	})

	out := make([]*domain.CacheEntry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

// Store writes a payload into the dependency or artifact tier as a fresh,
// valid entry and enforces the tier budget.
func (m *Manager) Store(
	ctx context.Context,
	tier domain.Tier,
	env string,
	payload []byte,
	manifest string,
) (*domain.CacheEntry, error) {
	if tier != domain.TierDependency && tier != domain.TierArtifact {
		return nil, fmt.Errorf("cannot store directly into %s tier", tier)
	}

	content := domain.ContentFingerprint(payload)
	key := domain.CacheKey(tier, env, content)
	now := m.now()
	entry := &domain.CacheEntry{
		Key:                    key,
		Tier:                   tier,
		EnvironmentFingerprint: env,
		ContentFingerprint:     content,
		Checksum:               content,
		SizeBytes:              int64(len(payload)),
		CreatedAt:              now,
		LastValidatedAt:        now,
		Valid:                  true,
		Manifest:               manifest,
		BlobRef:                key,
	}

	lock := m.locks[tier]
	lock.Lock()
	defer lock.Unlock()

	store := m.stores[tier]
	if err := store.PutBlob(ctx, key, payload); err != nil {
		return nil, fmt.Errorf("failed to write %s blob: %w", tier, err)
	}
	if err := store.PutEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to write %s entry: %w", tier, err)
	}

	if budget := m.cfg.Budgets[tier]; budget > 0 {
		if _, err := m.evictLocked(ctx, tier, EvictionPolicy{BudgetBytes: budget}); err != nil {
			slog.Warn("Budget enforcement failed", "tier", tier.String(), "error", err)
		}
	}
	return entry.Clone(), nil
}

// Promote copies a valid entry into a faster tier. The payload is validated
// again on the way so a corrupt entry can never be promoted.
func (m *Manager) Promote(
	ctx context.Context,
	entry *domain.CacheEntry,
	tier domain.Tier,
) (*domain.CacheEntry, error) {
	if entry == nil || !entry.Valid {
		return nil, ErrInvalidEntry
	}
	if tier == domain.TierBackup {
		return nil, fmt.Errorf("cannot promote into %s tier, use SnapshotBackup", tier)
	}
	if entry.Tier == tier {
		return entry.Clone(), nil
	}

	payload, err := m.payloadFor(ctx, entry)
	if err != nil {
		return nil, err
	}
	return m.Store(ctx, tier, entry.EnvironmentFingerprint, payload, entry.Manifest)
}

func (m *Manager) payloadFor(ctx context.Context, entry *domain.CacheEntry) ([]byte, error) {
	lock := m.locks[entry.Tier]
	lock.RLock()
	defer lock.RUnlock()

	_, data, v, err := m.check(ctx, entry.Tier, entry.Key)
	if err != nil {
		return nil, err
	}
	if v != domain.Valid {
		return nil, ErrInvalidEntry
	}
	if entry.Tier != domain.TierBackup {
		return data, nil
	}

	arc, err := decodeArchive(data)
	if err != nil {
		return nil, err
	}
	item, ok := arc.find(entry.ContentFingerprint)
	if !ok {
		return nil, ErrInvalidEntry
	}
	return item.Payload, nil
}

// Entries lists the entries of env in a tier without validating them.
func (m *Manager) Entries(ctx context.Context, tier domain.Tier, env string) ([]*domain.CacheEntry, error) {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	all, err := m.stores[tier].ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.CacheEntry
	for _, e := range all {
		if e.EnvironmentFingerprint == env {
			out = append(out, e)
		}
	}
	return out, nil
}

// Quarantine marks every entry of env in a tier invalid so nothing serves it
// until it is repaired or purged.
func (m *Manager) Quarantine(ctx context.Context, tier domain.Tier, env string) (int, error) {
	lock := m.locks[tier]
	lock.Lock()
	defer lock.Unlock()

	store := m.stores[tier]
	all, err := store.ListEntries(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range all {
		if e.EnvironmentFingerprint != env || !e.Valid {
			continue
		}
		e.Valid = false
		if err := store.PutEntry(ctx, e); err != nil {
			return n, fmt.Errorf("failed to quarantine %s: %w", e.Key, err)
		}
		n++
	}
	return n, nil
}

// Purge removes entries of env from a tier. With onlyInvalid set, valid
// entries are kept.
func (m *Manager) Purge(ctx context.Context, tier domain.Tier, env string, onlyInvalid bool) (int, error) {
	lock := m.locks[tier]
	lock.Lock()
	defer lock.Unlock()

	store := m.stores[tier]
	all, err := store.ListEntries(ctx)
	if err != nil {
		return 0, err
	}

	var removed []*domain.CacheEntry
	var kept []*domain.CacheEntry
	for _, e := range all {
		if e.EnvironmentFingerprint == env && (!onlyInvalid || !e.Valid) {
			if err := store.DeleteEntry(ctx, e.Key); err != nil {
				return len(removed), fmt.Errorf("failed to delete %s: %w", e.Key, err)
			}
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	m.deleteOrphanBlobs(ctx, tier, removed, kept)
	return len(removed), nil
}

// deleteOrphanBlobs removes blobs of removed entries that no kept entry
// still references. Caller holds the tier lock exclusively.
func (m *Manager) deleteOrphanBlobs(ctx context.Context, tier domain.Tier, removed, kept []*domain.CacheEntry) int64 {
	live := make(map[string]struct{}, len(kept))
	for _, e := range kept {
		live[e.BlobRef] = struct{}{}
	}

	var freed int64
	done := make(map[string]struct{})
	for _, e := range removed {
		if _, ok := live[e.BlobRef]; ok {
			continue
		}
		if _, ok := done[e.BlobRef]; ok {
			continue
		}
		done[e.BlobRef] = struct{}{}
		if err := m.stores[tier].DeleteBlob(ctx, e.BlobRef); err != nil {
			slog.Warn("Failed to delete blob", "tier", tier.String(), "ref", e.BlobRef, "error", err)
			continue
		}
		freed += e.SizeBytes
	}
	return freed
}

// Usage returns the bytes referenced by entries in each tier.
func (m *Manager) Usage(ctx context.Context) (map[domain.Tier]int64, error) {
	out := make(map[domain.Tier]int64, len(domain.Tiers))
	for _, tier := range domain.Tiers {
		lock := m.locks[tier]
		lock.RLock()
		entries, err := m.stores[tier].ListEntries(ctx)
		lock.RUnlock()
		if err != nil {
			return nil, err
		}
		out[tier] = usageOf(entries)
	}
	return out, nil
}

func usageOf(entries []*domain.CacheEntry) int64 {
	seen := make(map[string]struct{}, len(entries))
	var total int64
	for _, e := range entries {
		if _, ok := seen[e.BlobRef]; ok {
			continue
		}
		seen[e.BlobRef] = struct{}{}
		total += e.SizeBytes
	}
	return total
}

// =============================================================================
// Snapshots, checkpoints and restore
// =============================================================================

// SnapshotBackup archives the valid dependency and artifact entries of env
// into a new Tier-3 snapshot and trims the ring to BackupRetention. Call it
// only after a fully verified build.
func (m *Manager) SnapshotBackup(ctx context.Context, env string) (string, error) {
	arc, err := m.collect(ctx, env)
	if err != nil {
		return "", err
	}
	if len(arc.Items) == 0 {
		return "", ErrNothingToSnapshot
	}

	data, err := json.Marshal(arc)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	content := domain.ContentFingerprint(data)
	key := domain.CacheKey(domain.TierBackup, env, content)

	lock := m.locks[domain.TierBackup]
	lock.Lock()
	defer lock.Unlock()

	store := m.stores[domain.TierBackup]
	existing, err := store.ListEntries(ctx)
	if err != nil {
		return "", err
	}
	var seq int64
	for _, e := range existing {
		if e.Sequence > seq {
			seq = e.Sequence
		}
	}

	now := m.now()
	entry := &domain.CacheEntry{
		Key:                    key,
		Tier:                   domain.TierBackup,
		EnvironmentFingerprint: env,
		ContentFingerprint:     content,
		Checksum:               content,
		SizeBytes:              int64(len(data)),
		CreatedAt:              now,
		LastValidatedAt:        now,
		Valid:                  true,
		Manifest:               domain.ManifestOf(env),
		BlobRef:                key,
		Sequence:               seq + 1,
	}
	if err := store.PutBlob(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := store.PutEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to write snapshot entry: %w", err)
	}

	m.trimRingLocked(ctx, append(existing, entry))

	slog.Info("Backup snapshot created",
		"key", key,
		"env", env,
		"items", len(arc.Items),
		"sequence", entry.Sequence,
	)
	return key, nil
}

// trimRingLocked drops the oldest snapshots beyond the retention size.
// Pinned snapshots survive until released.
func (m *Manager) trimRingLocked(ctx context.Context, entries []*domain.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence > entries[j].Sequence })

	m.mu.Lock()
	defer m.mu.Unlock()

	var kept, removed []*domain.CacheEntry
	for _, e := range entries {
		if len(kept) < m.cfg.BackupRetention || m.pins[e.Key] > 0 {
			kept = append(kept, e)
			continue
		}
		if err := m.stores[domain.TierBackup].DeleteEntry(ctx, e.Key); err != nil {
			slog.Warn("Failed to drop old snapshot", "key", e.Key, "error", err)
			kept = append(kept, e)
			continue
		}
		removed = append(removed, e)
	}
	m.deleteOrphanBlobs(ctx, domain.TierBackup, removed, kept)
}

// collect gathers the valid dependency and artifact entries of env.
func (m *Manager) collect(ctx context.Context, env string) (*archive, error) {
	arc := &archive{Environment: env, CreatedAt: m.now().UTC()}
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		if err := m.collectTier(ctx, tier, env, arc); err != nil {
			return nil, err
		}
	}
	return arc, nil
}

func (m *Manager) collectTier(ctx context.Context, tier domain.Tier, env string, arc *archive) error {
	lock := m.locks[tier]
	lock.RLock()
	defer lock.RUnlock()

	entries, err := m.stores[tier].ListEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.EnvironmentFingerprint != env || !e.Valid {
			continue
		}
		checked, payload, v, err := m.check(ctx, tier, e.Key)
		if err != nil {
			return err
		}
		if v == domain.Valid {
			arc.Items = append(arc.Items, archiveItem{Entry: checked, Payload: payload})
		}
	}
	return nil
}

// Checkpoint returns a reference that Restore can later roll env back to.
// The newest valid Tier-3 snapshot of env is used and pinned when one
// exists; otherwise the current state is captured in memory. Release the
// reference once the attempt is finished.
func (m *Manager) Checkpoint(ctx context.Context, env string) (string, error) {
	if ref := m.latestSnapshot(ctx, env); ref != "" {
		m.mu.Lock()
		m.pins[ref]++
		m.mu.Unlock()
		return ref, nil
	}

	arc, err := m.collect(ctx, env)
	if err != nil {
		return "", err
	}
	ref := checkpointPrefix + uuid.NewString()

	m.mu.Lock()
	m.checkpoints[ref] = arc
	m.mu.Unlock()
	return ref, nil
}

func (m *Manager) latestSnapshot(ctx context.Context, env string) string {
	lock := m.locks[domain.TierBackup]
	lock.RLock()
	defer lock.RUnlock()

	entries, err := m.stores[domain.TierBackup].ListEntries(ctx)
	if err != nil {
		return ""
	}
	var best *domain.CacheEntry
	for _, e := range entries {
		if e.EnvironmentFingerprint != env || !e.Valid {
			continue
		}
		if best == nil || e.Sequence > best.Sequence {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.Key
}

// Release drops an in-memory checkpoint or unpins a snapshot.
func (m *Manager) Release(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[ref]; ok {
		delete(m.checkpoints, ref)
		return
	}
	if m.pins[ref] > 1 {
		m.pins[ref]--
	} else {
		delete(m.pins, ref)
	}
}

// Restore replaces the dependency and artifact entries of the snapshot's
// environment with the snapshot contents. Running it twice yields the same
// state as running it once.
func (m *Manager) Restore(ctx context.Context, ref string) error {
	arc, err := m.loadArchive(ctx, ref)
	if err != nil {
		return err
	}

	tiers := []domain.Tier{domain.TierDependency, domain.TierArtifact}
	for _, tier := range tiers {
		m.locks[tier].Lock()
	}
	defer func() {
		for i := len(tiers) - 1; i >= 0; i-- {
			m.locks[tiers[i]].Unlock()
		}
	}()

	for _, tier := range tiers {
		if err := m.restoreTierLocked(ctx, tier, arc); err != nil {
			return fmt.Errorf("failed to restore %s tier: %w", tier, err)
		}
	}

	slog.Info("Cache restored from snapshot", "ref", ref, "env", arc.Environment, "items", len(arc.Items))
	return nil
}

func (m *Manager) restoreTierLocked(ctx context.Context, tier domain.Tier, arc *archive) error {
	store := m.stores[tier]
	want := make(map[string]archiveItem)
	for _, it := range arc.itemsFor(tier) {
		want[it.Entry.Key] = it
	}

	existing, err := store.ListEntries(ctx)
	if err != nil {
		return err
	}
	var removed, kept []*domain.CacheEntry
	for _, e := range existing {
		if e.EnvironmentFingerprint != arc.Environment {
			kept = append(kept, e)
			continue
		}
		if _, ok := want[e.Key]; ok {
			continue
		}
		if err := store.DeleteEntry(ctx, e.Key); err != nil {
			return err
		}
		removed = append(removed, e)
	}

	for key, it := range want {
		restored := it.Entry.Clone()
		restored.BlobRef = key
		restored.Valid = true
		if err := store.PutBlob(ctx, key, it.Payload); err != nil {
			return err
		}
		if err := store.PutEntry(ctx, restored); err != nil {
			return err
		}
		kept = append(kept, restored)
	}

	m.deleteOrphanBlobs(ctx, tier, removed, kept)
	return nil
}

func (m *Manager) loadArchive(ctx context.Context, ref string) (*archive, error) {
	m.mu.Lock()
	arc, ok := m.checkpoints[ref]
	m.mu.Unlock()
	if ok {
		return arc, nil
	}

	lock := m.locks[domain.TierBackup]
	lock.RLock()
	defer lock.RUnlock()

	_, data, v, err := m.check(ctx, domain.TierBackup, ref)
	if err != nil {
		return nil, err
	}
	switch v {
	case domain.Missing:
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref)
	case domain.Corrupt:
		return nil, domain.NewError(domain.KindCacheCorruption, "restore "+ref, ErrInvalidEntry)
	}
	return decodeArchive(data)
}

// =============================================================================
// Cold rebuild
// =============================================================================

// Rebuild runs build once per environment even when many callers ask at the
// same time, then stores the result in the dependency and artifact tiers.
func (m *Manager) Rebuild(ctx context.Context, env string, build BuildFunc) (*domain.CacheEntry, error) {
	v, err, shared := m.rebuilds.Do(env, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RebuildTimeout)
		defer cancel()

		payload, manifest, err := build(rctx)
		if err != nil {
			return nil, fmt.Errorf("cold rebuild failed: %w", err)
		}
		entry, err := m.Store(rctx, domain.TierDependency, env, payload, manifest)
		if err != nil {
			return nil, err
		}
		if _, err := m.Store(rctx, domain.TierArtifact, env, payload, manifest); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Joined in-flight rebuild", "env", env)
	}
	return v.(*domain.CacheEntry).Clone(), nil
}

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/metrics"
)

// EvictionPolicy controls one eviction pass over a tier.
type EvictionPolicy struct {
	// MaxAge evicts entries created longer ago than this. Zero disables.
	MaxAge time.Duration

	// BudgetBytes evicts least-recently-validated entries until usage fits.
	// Zero disables.
	BudgetBytes int64

	// Compact points entries with identical payloads at a single blob.
	Compact bool
}

// EvictionReport summarizes an eviction pass.
type EvictionReport struct {
	Tier       domain.Tier
	Evicted    []string
	Compacted  int
	FreedBytes int64
	UsedBytes  int64
}

// Policy returns the configured policy for a tier.
func (m *Manager) Policy(tier domain.Tier) EvictionPolicy {
	return EvictionPolicy{
		MaxAge:      m.cfg.MaxAge[tier],
		BudgetBytes: m.cfg.Budgets[tier],
		Compact:     tier != domain.TierBackup,
	}
}

// Evict removes invalid and expired entries, optionally compacts duplicate
// payloads, then trims the tier to its budget.
func (m *Manager) Evict(ctx context.Context, tier domain.Tier, policy EvictionPolicy) (*EvictionReport, error) {
	lock := m.locks[tier]
	lock.Lock()
	defer lock.Unlock()

	return m.evictLocked(ctx, tier, policy)
}

func (m *Manager) evictLocked(ctx context.Context, tier domain.Tier, policy EvictionPolicy) (*EvictionReport, error) {
	store := m.stores[tier]
	entries, err := store.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", tier, err)
	}

	report := &EvictionReport{Tier: tier}
	now := m.now()

	var keep, removed []*domain.CacheEntry
	remove := func(e *domain.CacheEntry, reason string) error {
		if err := store.DeleteEntry(ctx, e.Key); err != nil {
			return fmt.Errorf("failed to evict %s: %w", e.Key, err)
		}
		removed = append(removed, e)
		report.Evicted = append(report.Evicted, e.Key)
		metrics.CacheEvictions.WithLabelValues(tier.String(), reason).Inc()
		return nil
	}

	for _, e := range entries {
		var reason string
		switch {
		case !e.Valid:
			reason = "invalid"
		case policy.MaxAge > 0 && now.Sub(e.CreatedAt) > policy.MaxAge:
			reason = "expired"
		}
		if reason == "" {
			keep = append(keep, e)
			continue
		}
		if err := remove(e, reason); err != nil {
			return nil, err
		}
	}

	if policy.Compact {
		n, err := m.compactLocked(ctx, tier, keep)
		if err != nil {
			return nil, err
		}
		report.Compacted = n
	}

	usage := usageOf(keep)
	if policy.BudgetBytes > 0 && usage > policy.BudgetBytes {
		sort.SliceStable(keep, func(i, j int) bool {
			if !keep[i].LastValidatedAt.Equal(keep[j].LastValidatedAt) {
				return keep[i].LastValidatedAt.Before(keep[j].LastValidatedAt)
			}
			return keep[i].CreatedAt.Before(keep[j].CreatedAt)
		})
		for usage > policy.BudgetBytes && len(keep) > 0 {
			victim := keep[0]
			keep = keep[1:]
			if err := remove(victim, "budget"); err != nil {
				return nil, err
			}
			usage = usageOf(keep)
		}
	}

	report.FreedBytes = m.deleteOrphanBlobs(ctx, tier, removed, keep)
	report.UsedBytes = usage
	metrics.CacheBytes.WithLabelValues(tier.String()).Set(float64(usage))

	if len(report.Evicted) > 0 || report.Compacted > 0 {
		slog.Info("Cache eviction pass",
			"tier", tier.String(),
			"evicted", len(report.Evicted),
			"compacted", report.Compacted,
			"freed_bytes", report.FreedBytes,
			"used_bytes", report.UsedBytes,
		)
	}
	return report, nil
}

// compactLocked repoints entries with the same checksum at one canonical
// blob. The canonical blob is re-verified first; superseded blobs become
// orphans and are deleted with the rest of the pass.
func (m *Manager) compactLocked(ctx context.Context, tier domain.Tier, entries []*domain.CacheEntry) (int, error) {
	store := m.stores[tier]

	groups := make(map[string][]*domain.CacheEntry)
	var order []string
	for _, e := range entries {
		if _, ok := groups[e.Checksum]; !ok {
			order = append(order, e.Checksum)
		}
		groups[e.Checksum] = append(groups[e.Checksum], e)
	}

	var compacted int
	for _, sum := range order {
		group := groups[sum]
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Key < group[j].Key })

		canonical := ""
		for _, e := range group {
			data, err := store.GetBlob(ctx, e.BlobRef)
			if err == nil && domain.ContentFingerprint(data) == sum {
				canonical = e.BlobRef
				break
			}
		}
		if canonical == "" {
			continue
		}

		var superseded []*domain.CacheEntry
		for _, e := range group {
			if e.BlobRef == canonical {
				continue
			}
			old := e.Clone()
			e.BlobRef = canonical
			if err := store.PutEntry(ctx, e); err != nil {
				return compacted, fmt.Errorf("failed to compact %s: %w", e.Key, err)
			}
			superseded = append(superseded, old)
			compacted++
		}
		m.deleteOrphanBlobs(ctx, tier, superseded, entries)
	}
	return compacted, nil
}

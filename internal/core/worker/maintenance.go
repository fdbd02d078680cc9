package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// Evictor is the cache surface the maintenance worker needs.
type Evictor interface {
	Policy(tier domain.Tier) cache.EvictionPolicy
	Evict(ctx context.Context, tier domain.Tier, policy cache.EvictionPolicy) (*cache.EvictionReport, error)
}

// Maintenance evicts and compacts cache tiers and prunes old metrics records.
type Maintenance struct {
	interval  time.Duration
	retention time.Duration
	cache     Evictor
	records   storage.MetricsRepository
	now       func() time.Time
}

// NewMaintenance creates a new maintenance worker. A zero retention keeps
// metrics records forever.
func NewMaintenance(
	interval, retention time.Duration,
	cache Evictor,
	records storage.MetricsRepository,
) *Maintenance {
	return &Maintenance{
		interval:  interval,
		retention: retention,
		cache:     cache,
		records:   records,
		now:       time.Now,
	}
}

// Start runs the maintenance loop until ctx is done.
func (m *Maintenance) Start(ctx context.Context) {
	if m.interval <= 0 {
		return // Maintenance disabled
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial pass
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance pass. Errors are logged per tier so
// one failing backend does not block the others.
func (m *Maintenance) RunOnce(ctx context.Context) {
	for _, tier := range domain.Tiers {
		report, err := m.cache.Evict(ctx, tier, m.cache.Policy(tier))
		if err != nil {
			slog.Error("Failed to evict cache tier", "tier", tier.String(), "error", err)
			continue
		}
		if len(report.Evicted) > 0 || report.Compacted > 0 {
			slog.Info("Cache tier maintained",
				"tier", tier.String(),
				"evicted", len(report.Evicted),
				"compacted", report.Compacted,
				"freed_bytes", report.FreedBytes,
				"used_bytes", report.UsedBytes,
			)
		}
	}

	if m.retention <= 0 || m.records == nil {
		return
	}
	threshold := m.now().Add(-m.retention)
	n, err := m.records.DeleteOlderThan(ctx, threshold)
	if err != nil {
		slog.Error("Failed to prune metrics records", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Pruned metrics records", "count", n, "older_than", threshold)
	}
}

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/infra/storage/memory"
)

type mockEvictor struct {
	mu      sync.Mutex
	tiers   []domain.Tier
	failFor domain.Tier
}

func (m *mockEvictor) Policy(tier domain.Tier) cache.EvictionPolicy {
	return cache.EvictionPolicy{BudgetBytes: int64(tier) * 100}
}

func (m *mockEvictor) Evict(ctx context.Context, tier domain.Tier, policy cache.EvictionPolicy) (*cache.EvictionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers = append(m.tiers, tier)
	if policy.BudgetBytes != int64(tier)*100 {
		return nil, errors.New("policy not taken from Policy")
	}
	if tier == m.failFor {
		return nil, errors.New("store down")
	}
	return &cache.EvictionReport{Tier: tier}, nil
}

func TestMaintenance_RunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	repo := memory.NewMetricsRepo(memory.NewMemoryStorage())
	_ = repo.Append(ctx, &domain.MetricsRecord{AttemptID: "old", RecordedAt: now.Add(-48 * time.Hour)})
	_ = repo.Append(ctx, &domain.MetricsRecord{AttemptID: "new", RecordedAt: now.Add(-time.Hour)})

	ev := &mockEvictor{failFor: domain.TierArtifact}
	m := NewMaintenance(time.Minute, 24*time.Hour, ev, repo)
	m.now = func() time.Time { return now }

	m.RunOnce(ctx)

	if len(ev.tiers) != 3 {
		t.Fatalf("expected every tier to be visited despite failures, got %v", ev.tiers)
	}
	left := repo.All()
	if len(left) != 1 || left[0].AttemptID != "new" {
		t.Fatalf("expected only the recent record to remain, got %d", len(left))
	}
}

func TestMaintenance_ZeroRetentionKeepsRecords(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewMetricsRepo(memory.NewMemoryStorage())
	_ = repo.Append(ctx, &domain.MetricsRecord{AttemptID: "ancient", RecordedAt: time.Unix(0, 0)})

	NewMaintenance(time.Minute, 0, &mockEvictor{}, repo).RunOnce(ctx)

	if len(repo.All()) != 1 {
		t.Fatal("records must be kept when retention is disabled")
	}
}

func TestMaintenance_DisabledReturnsImmediately(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewMaintenance(0, 0, &mockEvictor{}, nil).Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return when the interval is zero")
	}
}

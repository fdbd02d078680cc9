package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// DependencyCounter reports the size of an environment's dependency graph.
type DependencyCounter interface {
	DependencyCount(ctx context.Context, env string) (int, error)
}

// StaticCounter returns the same count for every environment.
type StaticCounter int

func (s StaticCounter) DependencyCount(context.Context, string) (int, error) {
	return int(s), nil
}

// ContextBuilder assembles the EnvironmentContext for an event and records
// the occurrence in the rolling failure window.
type ContextBuilder struct {
	assessor *Assessor
	deps     DependencyCounter
	history  storage.FailureHistoryRepository
	window   time.Duration
}

// NewContextBuilder creates a builder.
func NewContextBuilder(
	assessor *Assessor,
	deps DependencyCounter,
	history storage.FailureHistoryRepository,
	window time.Duration,
) *ContextBuilder {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ContextBuilder{assessor: assessor, deps: deps, history: history, window: window}
}

// Build probes the dependency count and records the failure occurrence.
func (b *ContextBuilder) Build(
	ctx context.Context,
	ev domain.FailureEvent,
	pattern domain.PatternID,
) (domain.EnvironmentContext, error) {
	count, err := b.deps.DependencyCount(ctx, ev.EnvironmentFingerprint)
	if err != nil {
		return domain.EnvironmentContext{}, fmt.Errorf("failed to probe dependencies: %w", err)
	}

	repeats, err := b.history.Record(ctx, pattern, ev.EnvironmentFingerprint, ev.Timestamp, b.window)
	if err != nil {
		return domain.EnvironmentContext{}, fmt.Errorf("failed to record failure history: %w", err)
	}

	return domain.EnvironmentContext{
		DependencyCount: count,
		Complexity:      b.assessor.Complexity(count),
		RepeatCount:     repeats,
	}, nil
}

package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/safety"
)

// SweepSource marks events raised by the periodic health sweep.
const SweepSource = "health-sweep"

// SweepResult summarizes one sweep.
type SweepResult struct {
	Corrupt  int
	Outcomes []*safety.Outcome
}

func (e *Engine) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Sweep(ctx)
			if err != nil {
				slog.Error("Health sweep failed", "error", err)
				continue
			}
			if res.Corrupt > 0 {
				slog.Info("Health sweep finished", "corrupt", res.Corrupt, "events", len(res.Outcomes))
			}
		}
	}
}

// Sweep validates the dependency and artifact tiers in parallel and submits
// one failure event per (environment, tier) with corrupt entries. Sweep
// events bypass intake throttling.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	type finding struct {
		tier domain.Tier
		env  string
		keys []string
	}

	var (
		mu       sync.Mutex
		findings = make(map[string]*finding)
		order    []string
		corrupt  int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		g.Go(func() error {
			entries, err := e.cache.Sweep(gctx, tier)
			if err != nil {
				return fmt.Errorf("failed to sweep %s tier: %w", tier, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, entry := range entries {
				corrupt++
				id := tier.Prefix() + "|" + entry.EnvironmentFingerprint
				f, ok := findings[id]
				if !ok {
					f = &finding{tier: tier, env: entry.EnvironmentFingerprint}
					findings[id] = f
					order = append(order, id)
				}
				f.keys = append(f.keys, entry.Key)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &SweepResult{Corrupt: corrupt}
	for _, id := range order {
		f := findings[id]
		ev := domain.FailureEvent{
			Source: SweepSource,
			RawSignal: fmt.Sprintf(
				"cache integrity check failed: checksum mismatch in %s cache for %d entries (%s)",
				f.tier, len(f.keys), f.keys[0],
			),
			EnvironmentFingerprint: f.env,
			Trigger:                domain.TriggerSchedule,
		}
		out, err := e.controller.Handle(ctx, ev)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

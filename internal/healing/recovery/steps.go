package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
)

// Built-in strategy IDs in selection order.
const (
	StrategyLockfileRepair domain.StrategyID = "lockfile-repair"
	StrategyCacheRestore   domain.StrategyID = "cache-restore"
	StrategyServiceWait    domain.StrategyID = "service-wait"
	StrategyColdRebuild    domain.StrategyID = "cold-rebuild"
)

// StepBudget is the default timeout and retry budget for built-in steps.
type StepBudget struct {
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	MaxAttempts int           `yaml:"max_attempts"`

	// StrategyTimeout bounds one pass over all steps.
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
}

// DefaultStepBudget returns the defaults.
func DefaultStepBudget() StepBudget {
	return StepBudget{
		Timeout:         5 * time.Minute,
		Retries:         2,
		MaxAttempts:     2,
		StrategyTimeout: 20 * time.Minute,
	}
}

// BuiltinStrategies returns the strategies the engine ships with.
func BuiltinStrategies(b StepBudget) []Strategy {
	step := func(name string, mutating bool, run StepFunc) Step {
		return Step{Name: name, Mutating: mutating, Timeout: b.Timeout, Retries: b.Retries, Run: run}
	}

	return []Strategy{
		{
			ID: StrategyLockfileRepair,
			Steps: []Step{
				step("quarantine-dependency-cache", true, quarantineDependencyCache),
				step("regenerate-lockfile", true, regenerateLockfile),
				step("reinstall-dependencies", true, reinstallDependencies),
				step("purge-corrupt-entries", true, purgeCorruptEntries),
			},
			MaxAttempts:        b.MaxAttempts,
			Timeout:            b.StrategyTimeout,
			ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
		},
		{
			ID: StrategyCacheRestore,
			Steps: []Step{
				step("validate-tiers", false, validateTiers),
				step("restore-from-lower-tier", true, restoreFromLowerTier),
				step("purge-corrupt-entries", true, purgeCorruptEntries),
			},
			MaxAttempts:        b.MaxAttempts,
			Timeout:            b.StrategyTimeout,
			ApplicablePatterns: []domain.PatternID{domain.PatternCacheCorruption},
		},
		{
			ID: StrategyServiceWait,
			Steps: []Step{
				{Name: "wait-for-service", Timeout: b.Timeout, Retries: b.Retries + 3, Run: waitForService},
				step("reinstall-dependencies", true, reinstallDependencies),
			},
			MaxAttempts: b.MaxAttempts,
			Timeout:     b.StrategyTimeout,
			ApplicablePatterns: []domain.PatternID{
				domain.PatternNetworkTimeout,
				domain.PatternServiceUnavailable,
			},
		},
		{
			ID: StrategyColdRebuild,
			Steps: []Step{
				step("purge-dependency-cache", true, purgeDependencyCache),
				step("reinstall-dependencies", true, reinstallDependencies),
				step("purge-corrupt-entries", true, purgeCorruptEntries),
			},
			MaxAttempts: b.MaxAttempts,
			Timeout:     b.StrategyTimeout,
			ApplicablePatterns: []domain.PatternID{
				domain.PatternLockfileCorruption,
				domain.PatternCacheCorruption,
			},
		},
	}
}

func quarantineDependencyCache(ctx context.Context, sc *StepContext) error {
	n, err := sc.Cache.Quarantine(ctx, domain.TierDependency, sc.Env)
	if err != nil {
		return err
	}
	slog.Debug("Quarantined dependency cache", "attempt", sc.AttemptID, "entries", n)
	return nil
}

func regenerateLockfile(ctx context.Context, sc *StepContext) error {
	return sc.Toolchain.RegenerateLockfile(ctx, sc.Env)
}

func reinstallDependencies(ctx context.Context, sc *StepContext) error {
	_, err := sc.Cache.Rebuild(ctx, sc.Env, func(ctx context.Context) ([]byte, string, error) {
		return sc.Toolchain.Install(ctx, sc.Env)
	})
	return err
}

func validateTiers(ctx context.Context, sc *StepContext) error {
	_, corrupt, err := sc.Cache.ValidateEnvironment(ctx, sc.Env)
	if err != nil {
		return err
	}
	slog.Debug("Validated cache tiers", "attempt", sc.AttemptID, "corrupt", len(corrupt))
	return nil
}

// restoreFromLowerTier repairs every invalid dependency or artifact entry
// from the next tier that still holds a valid copy.
func restoreFromLowerTier(ctx context.Context, sc *StepContext) error {
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		entries, err := sc.Cache.Entries(ctx, tier, sc.Env)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Valid {
				continue
			}
			if err := repairEntry(ctx, sc, tier, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func repairEntry(ctx context.Context, sc *StepContext, tier domain.Tier, e *domain.CacheEntry) error {
	res, err := sc.Cache.Fetch(ctx, sc.Env, e.ContentFingerprint)
	if errors.Is(err, cache.ErrColdRebuildRequired) {
		return Permanent(fmt.Errorf("no valid copy of %s in any tier: %w", e.Key, err))
	}
	if err != nil {
		return err
	}
	if res.Tier == tier {
		return nil
	}
	if _, err := sc.Cache.Promote(ctx, res.Entry, tier); err != nil {
		return fmt.Errorf("failed to promote %s into %s tier: %w", e.ContentFingerprint, tier, err)
	}
	slog.Info("Repaired cache entry",
		"attempt", sc.AttemptID,
		"tier", tier.String(),
		"source_tier", res.Tier.String(),
		"content", e.ContentFingerprint,
	)
	return nil
}

func purgeCorruptEntries(ctx context.Context, sc *StepContext) error {
	for _, tier := range []domain.Tier{domain.TierDependency, domain.TierArtifact} {
		if _, err := sc.Cache.Purge(ctx, tier, sc.Env, true); err != nil {
			return err
		}
	}
	return nil
}

func waitForService(ctx context.Context, sc *StepContext) error {
	return sc.Toolchain.Probe(ctx)
}

func purgeDependencyCache(ctx context.Context, sc *StepContext) error {
	_, err := sc.Cache.Purge(ctx, domain.TierDependency, sc.Env, false)
	return err
}

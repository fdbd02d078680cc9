package safety

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// Escalator hands a payload to the external ticketing collaborator.
type Escalator interface {
	Escalate(ctx context.Context, payload domain.EscalationPayload) error
}

// LogEscalator writes payloads to the structured log. It is the fallback
// when no broker is configured.
type LogEscalator struct{}

func (LogEscalator) Escalate(ctx context.Context, p domain.EscalationPayload) error {
	slog.Warn("Escalation: human action required",
		"pattern", p.PatternID,
		"reason", p.Reason,
		"confidence", p.Confidence,
		"risk_score", p.RiskScore,
		"source", p.Source,
		"env", p.EnvironmentFingerprint,
		"attempts", len(p.AttemptHistory),
		"steps", p.RecommendedManualSteps,
	)
	return nil
}

// MultiEscalator fans a payload out to every escalator and joins the errors.
type MultiEscalator []Escalator

func (m MultiEscalator) Escalate(ctx context.Context, p domain.EscalationPayload) error {
	var errs []error
	for _, e := range m {
		if err := e.Escalate(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var manualSteps = map[domain.PatternID][]string{
	domain.PatternLockfileCorruption: {
		"Delete the lockfile and regenerate it from the manifest on a clean checkout",
		"Review recent manifest changes for conflicting version ranges",
		"Purge the dependency cache for this environment and re-run the pipeline",
	},
	domain.PatternCacheCorruption: {
		"Purge every cache tier for this environment fingerprint",
		"Check the cache volume for disk or filesystem errors",
		"Run a cold dependency install and confirm the smoke build passes",
	},
	domain.PatternNetworkTimeout: {
		"Check connectivity from the build agents to the package registry",
		"Verify proxy and DNS configuration on the agents",
		"Re-run the pipeline once the registry responds",
	},
	domain.PatternServiceUnavailable: {
		"Check the status page of the package registry or artifact store",
		"Fail over to a registry mirror if one is configured",
		"Re-run the pipeline once the service is healthy",
	},
}

var reasonSteps = map[domain.ErrorKind]string{
	domain.KindCircuitOpen:    "Automated recovery for this pattern is paused; inspect the last attempts before resetting the breaker",
	domain.KindRollbackFailed: "Rollback did not complete; cache tiers for this environment may be inconsistent and should be purged",
	domain.KindNoStrategy:     "No recovery strategy currently qualifies; review strategy success rates",
}

// ManualSteps returns the recommended manual steps for a pattern, prefixed
// with a reason-specific step where one applies.
func ManualSteps(pattern domain.PatternID, reason domain.ErrorKind) []string {
	var out []string
	if s, ok := reasonSteps[reason]; ok {
		out = append(out, s)
	}
	if steps, ok := manualSteps[pattern]; ok {
		return append(out, steps...)
	}
	return append(out,
		"Inspect the raw failure signal and classify it manually",
		"Add a signature for this failure if it recurs",
	)
}

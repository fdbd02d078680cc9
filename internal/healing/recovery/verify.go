package recovery

import (
	"context"
	"fmt"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
)

// Verifier runs the post-recovery checks.
type Verifier interface {
	Verify(ctx context.Context, env string) domain.VerificationResult
}

// MultiFactorVerifier requires structural validity of every cache entry,
// manifest consistency and a passing smoke build.
type MultiFactorVerifier struct {
	cache     *cache.Manager
	toolchain Toolchain
}

// NewVerifier creates a verifier.
func NewVerifier(c *cache.Manager, tc Toolchain) *MultiFactorVerifier {
	return &MultiFactorVerifier{cache: c, toolchain: tc}
}

func (v *MultiFactorVerifier) Verify(ctx context.Context, env string) domain.VerificationResult {
	var res domain.VerificationResult

	valid, corrupt, err := v.cache.ValidateEnvironment(ctx, env)
	switch {
	case err != nil:
		res.Failures = append(res.Failures, fmt.Sprintf("structural: %v", err))
	case len(corrupt) > 0:
		res.Failures = append(res.Failures, fmt.Sprintf("structural: %d corrupt entries", len(corrupt)))
	case len(valid) == 0:
		res.Failures = append(res.Failures, "structural: no valid cache entries for environment")
	default:
		res.Structural = true
	}

	if res.Structural {
		want := domain.ManifestOf(env)
		res.Consistency = true
		for _, e := range valid {
			if e.Manifest != want {
				res.Consistency = false
				res.Failures = append(res.Failures,
					fmt.Sprintf("consistency: %s built from manifest %q, expected %q", e.Key, e.Manifest, want))
				break
			}
		}
	}

	if !res.Structural || !res.Consistency {
		res.Failures = append(res.Failures, "smoke: skipped")
		return res
	}

	if err := v.toolchain.SmokeBuild(ctx, env); err != nil {
		res.Failures = append(res.Failures, fmt.Sprintf("smoke: %v", err))
		return res
	}
	res.Smoke = true
	return res
}

// Package risk decides whether a classified failure is safe to repair
// without a human.
package risk

import (
	"fmt"
	"math"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/metrics"
)

// Weights scale each factor of the risk score.
type Weights struct {
	Confidence float64 `yaml:"confidence"`
	Complexity float64 `yaml:"complexity"`
	Repeat     float64 `yaml:"repeat"`
}

// Config holds assessor policy. Weights are configuration, not code.
type Config struct {
	Threshold           float64 `yaml:"threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	Weights             Weights `yaml:"weights"`

	// RepeatSaturation is the repeat count at which the repeat factor maxes out.
	RepeatSaturation int `yaml:"repeat_saturation"`

	// Dependency counts at which complexity becomes medium and high.
	MediumDependencies int `yaml:"medium_dependencies"`
	HighDependencies   int `yaml:"high_dependencies"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Threshold:           0.6,
		ConfidenceThreshold: 0.85,
		Weights:             Weights{Confidence: 0.5, Complexity: 0.35, Repeat: 0.3},
		RepeatSaturation:    3,
		MediumDependencies:  50,
		HighDependencies:    500,
	}
}

// Input is everything the assessor looks at for one attempt.
type Input struct {
	Classification domain.Classification
	Environment    domain.EnvironmentContext
	Breaker        domain.BreakerState

	// TrialGranted is set when this invocation holds the half-open trial slot.
	TrialGranted bool
}

// Assessor is a deterministic scoring function.
type Assessor struct {
	cfg Config
}

// NewAssessor creates an assessor.
func NewAssessor(cfg Config) *Assessor {
	if cfg.RepeatSaturation <= 0 {
		cfg.RepeatSaturation = 3
	}
	return &Assessor{cfg: cfg}
}

// Complexity buckets a dependency count.
func (a *Assessor) Complexity(dependencies int) domain.ComplexityTier {
	switch {
	case a.cfg.HighDependencies > 0 && dependencies >= a.cfg.HighDependencies:
		return domain.ComplexityHigh
	case a.cfg.MediumDependencies > 0 && dependencies >= a.cfg.MediumDependencies:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityLow
	}
}

func complexityFactor(t domain.ComplexityTier) float64 {
	switch t {
	case domain.ComplexityHigh:
		return 1
	case domain.ComplexityMedium:
		return 0.5
	default:
		return 0
	}
}

// Score computes the risk score in [0,1].
func (a *Assessor) Score(c domain.Classification, env domain.EnvironmentContext) float64 {
	w := a.cfg.Weights
	repeat := math.Min(1, float64(env.RepeatCount)/float64(a.cfg.RepeatSaturation))

	score := w.Confidence*(1-c.Confidence) +
		w.Complexity*complexityFactor(env.Complexity) +
		w.Repeat*repeat
	return math.Max(0, math.Min(1, score))
}

// Assess scores the input and decides whether automated repair may run.
func (a *Assessor) Assess(in Input) domain.RiskAssessment {
	c := in.Classification
	score := a.Score(c, in.Environment)

	var reasons []string
	automatable := true

	if !c.PatternID.Automatable() {
		automatable = false
		if c.Ambiguous() {
			reasons = append(reasons, fmt.Sprintf("classification ambiguous (candidate %s at %.2f)", c.Candidate, c.Confidence))
		} else {
			reasons = append(reasons, fmt.Sprintf("pattern %s is not automatable", c.PatternID))
		}
	}
	if c.Confidence < a.cfg.ConfidenceThreshold {
		automatable = false
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, a.cfg.ConfidenceThreshold))
	}
	if score >= a.cfg.Threshold {
		automatable = false
		reasons = append(reasons, fmt.Sprintf("risk score %.2f at or above %.2f", score, a.cfg.Threshold))
	}

	switch in.Breaker {
	case domain.BreakerOpen:
		automatable = false
		reasons = append(reasons, "circuit breaker open")
	case domain.BreakerHalfOpen:
		if !in.TrialGranted {
			automatable = false
			reasons = append(reasons, "circuit breaker half-open, trial already in flight")
		}
	}

	if in.Environment.RepeatCount > 0 {
		reasons = append(reasons, fmt.Sprintf("repeat failure #%d for this environment", in.Environment.RepeatCount+1))
	}
	if in.Environment.Complexity != "" && in.Environment.Complexity != domain.ComplexityLow {
		reasons = append(reasons, fmt.Sprintf("%s dependency complexity", in.Environment.Complexity))
	}

	metrics.RiskScore.WithLabelValues(string(c.PatternID)).Observe(score)

	return domain.RiskAssessment{
		Classification: c,
		RiskScore:      score,
		Automatable:    automatable,
		Reasons:        reasons,
	}
}

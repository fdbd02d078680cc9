package domain

// ComplexityTier buckets the size of a dependency graph.
type ComplexityTier string

const (
	ComplexityLow    ComplexityTier = "low"
	ComplexityMedium ComplexityTier = "medium"
	ComplexityHigh   ComplexityTier = "high"
)

// EnvironmentContext describes the environment a failure happened in.
type EnvironmentContext struct {
	DependencyCount int            `json:"dependency_count"`
	Complexity      ComplexityTier `json:"complexity"`

	// RepeatCount is the number of earlier failures of the same pattern for
	// the same fingerprint inside the rolling window. Zero means first occurrence.
	RepeatCount int `json:"repeat_count"`
}

// RiskAssessment is derived per recovery attempt and never persisted beyond it.
type RiskAssessment struct {
	Classification Classification `json:"classification"`
	RiskScore      float64        `json:"risk_score"`
	Automatable    bool           `json:"automatable"`
	Reasons        []string       `json:"reasons,omitempty"`
}

package domain

import "time"

// EscalationPayload is handed to the external ticketing collaborator.
// Formatting and delivery are not the engine's concern.
type EscalationPayload struct {
	PatternID              PatternID        `json:"pattern_id"`
	Confidence             float64          `json:"confidence"`
	RiskScore              float64          `json:"risk_score"`
	Reason                 ErrorKind        `json:"reason"`
	Source                 string           `json:"source"`
	EnvironmentFingerprint string           `json:"environment_fingerprint"`
	Evidence               []string         `json:"evidence,omitempty"`
	AttemptHistory         []AttemptSummary `json:"attempt_history"`
	RecommendedManualSteps []string         `json:"recommended_manual_steps"`
	CreatedAt              time.Time        `json:"created_at"`
}

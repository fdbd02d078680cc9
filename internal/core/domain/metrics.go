package domain

import "time"

// MetricsRecord is written once per completed attempt and never updated.
type MetricsRecord struct {
	AttemptID  string       `json:"attempt_id"  db:"attempt_id"`
	PatternID  PatternID    `json:"pattern_id"  db:"pattern_id"`
	StrategyID StrategyID   `json:"strategy_id" db:"strategy_id"`
	Outcome    AttemptState `json:"outcome"     db:"outcome"`
	DurationMs int64        `json:"duration_ms" db:"duration_ms"`
	Score      float64      `json:"score"       db:"score"`
	RecordedAt time.Time    `json:"recorded_at" db:"recorded_at"`
}

// OutcomeScore maps a terminal outcome onto the strategy score used for
// success-rate weighting.
func OutcomeScore(s AttemptState) float64 {
	switch s {
	case AttemptSucceeded:
		return 1.0
	case AttemptRolledBack:
		return 0.25
	default:
		return 0
	}
}

package domain

import "time"

// BreakerState is the state of a per-pattern circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is persisted per pattern. Only the safety controller writes it.
type CircuitBreakerState struct {
	PatternID           PatternID     `json:"pattern_id"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	State               BreakerState  `json:"state"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout"`

	// TrialInFlight is set while the single half-open trial attempt runs.
	TrialInFlight  bool      `json:"trial_in_flight,omitempty"`
	TrialStartedAt time.Time `json:"trial_started_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewBreakerState returns a closed breaker for the pattern.
func NewBreakerState(id PatternID, resetTimeout time.Duration) *CircuitBreakerState {
	return &CircuitBreakerState{
		PatternID:    id,
		State:        BreakerClosed,
		ResetTimeout: resetTimeout,
	}
}

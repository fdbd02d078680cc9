package domain

import "time"

// AttemptState is the state of a RecoveryAttempt.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptSelecting  AttemptState = "selecting"
	AttemptExecuting  AttemptState = "executing"
	AttemptVerifying  AttemptState = "verifying"
	AttemptSucceeded  AttemptState = "succeeded"
	AttemptRollback   AttemptState = "rollback"
	AttemptRolledBack AttemptState = "rolled_back"
	AttemptEscalated  AttemptState = "escalated"
)

// Terminal reports whether no further transition is possible.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptSucceeded, AttemptRolledBack, AttemptEscalated:
		return true
	}
	return false
}

// StrategyID names a registered recovery strategy.
type StrategyID string

// Transition records one state change of an attempt.
type Transition struct {
	From      AttemptState `json:"from"`
	To        AttemptState `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// VerificationResult is the multi-factor post-recovery check.
type VerificationResult struct {
	Structural  bool     `json:"structural"`
	Consistency bool     `json:"consistency"`
	Smoke       bool     `json:"smoke"`
	Failures    []string `json:"failures,omitempty"`
}

// Passed reports whether all factors passed.
func (v VerificationResult) Passed() bool {
	return v.Structural && v.Consistency && v.Smoke
}

// RecoveryAttempt is the mutable unit of work owned by the orchestrator.
type RecoveryAttempt struct {
	ID                     string              `json:"id"`
	PatternID              PatternID           `json:"pattern_id"`
	EnvironmentFingerprint string              `json:"environment_fingerprint"`
	Strategy               StrategyID          `json:"strategy,omitempty"`
	State                  AttemptState        `json:"state"`
	StepIndex              int                 `json:"step_index"`
	Tries                  int                 `json:"tries"`
	StartedAt              time.Time           `json:"started_at"`
	FinishedAt             time.Time           `json:"finished_at,omitempty"`
	BackupSnapshotRef      string              `json:"backup_snapshot_ref,omitempty"`
	VerificationResult     *VerificationResult `json:"verification_result,omitempty"`
	Transitions            []Transition        `json:"transitions,omitempty"`
	Error                  string              `json:"error,omitempty"`
	ErrorKind              ErrorKind           `json:"error_kind,omitempty"`
}

// Duration returns how long the attempt ran.
func (a *RecoveryAttempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Summary condenses the attempt for escalation history.
func (a *RecoveryAttempt) Summary() AttemptSummary {
	return AttemptSummary{
		AttemptID:              a.ID,
		PatternID:              a.PatternID,
		EnvironmentFingerprint: a.EnvironmentFingerprint,
		Strategy:               a.Strategy,
		Outcome:                a.State,
		Tries:                  a.Tries,
		StartedAt:              a.StartedAt,
		DurationMs:             a.Duration().Milliseconds(),
		Error:                  a.Error,
		ErrorKind:              a.ErrorKind,
	}
}

// AttemptSummary is the persisted, read-only view of a finished attempt.
type AttemptSummary struct {
	AttemptID              string       `json:"attempt_id"              db:"attempt_id"`
	PatternID              PatternID    `json:"pattern_id"              db:"pattern_id"`
	EnvironmentFingerprint string       `json:"environment_fingerprint" db:"environment_fingerprint"`
	Strategy               StrategyID   `json:"strategy,omitempty"      db:"strategy_id"`
	Outcome                AttemptState `json:"outcome"                 db:"outcome"`
	Tries                  int          `json:"tries"                   db:"tries"`
	StartedAt              time.Time    `json:"started_at"              db:"started_at"`
	DurationMs             int64        `json:"duration_ms"             db:"duration_ms"`
	Error                  string       `json:"error,omitempty"         db:"error_msg"`
	ErrorKind              ErrorKind    `json:"error_kind,omitempty"    db:"error_kind"`
}

package domain

import (
	"strings"
	"time"
)

// TriggerKind describes how a failure event reached the engine.
type TriggerKind string

const (
	TriggerPipelineFailure TriggerKind = "pipeline-failure"
	TriggerSchedule        TriggerKind = "schedule"
	TriggerManual          TriggerKind = "manual"
)

// FailureEvent is an immutable record of a detected anomaly.
// It is created by the host pipeline and consumed exactly once.
type FailureEvent struct {
	Source                 string      `json:"source"`
	RawSignal              string      `json:"raw_signal"`
	Timestamp              time.Time   `json:"timestamp"`
	EnvironmentFingerprint string      `json:"environment_fingerprint"`
	Trigger                TriggerKind `json:"trigger,omitempty"`

	// ForcedPattern bypasses classification. Only honoured for manual triggers.
	ForcedPattern PatternID `json:"forced_pattern,omitempty"`
}

// Normalize fills in defaults without mutating the receiver.
func (e FailureEvent) Normalize(now time.Time) FailureEvent {
	e.Source = strings.TrimSpace(e.Source)
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Trigger == "" {
		e.Trigger = TriggerPipelineFailure
	}
	if e.Trigger != TriggerManual {
		e.ForcedPattern = ""
	}
	return e
}

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the engine's error taxonomy.
type ErrorKind string

const (
	KindClassificationAmbiguous ErrorKind = "classification_ambiguous"
	KindRiskRejected            ErrorKind = "risk_rejected"
	KindStepFailed              ErrorKind = "step_failed"
	KindAttemptExhausted        ErrorKind = "attempt_exhausted"
	KindVerificationFailed      ErrorKind = "verification_failed"
	KindCircuitOpen             ErrorKind = "circuit_open"
	KindCacheCorruption         ErrorKind = "cache_corruption_detected"
	KindNoStrategy              ErrorKind = "no_strategy"
	KindCancelled               ErrorKind = "cancelled"
	KindRollbackFailed          ErrorKind = "rollback_failed"
)

// Sentinels for errors.Is matching against an *EngineError of the same kind.
var (
	ErrClassificationAmbiguous = &EngineError{Kind: KindClassificationAmbiguous}
	ErrRiskRejected            = &EngineError{Kind: KindRiskRejected}
	ErrStepFailed              = &EngineError{Kind: KindStepFailed}
	ErrAttemptExhausted        = &EngineError{Kind: KindAttemptExhausted}
	ErrVerificationFailed      = &EngineError{Kind: KindVerificationFailed}
	ErrCircuitOpen             = &EngineError{Kind: KindCircuitOpen}
	ErrCacheCorruption         = &EngineError{Kind: KindCacheCorruption}
	ErrNoStrategy              = &EngineError{Kind: KindNoStrategy}
	ErrCancelled               = &EngineError{Kind: KindCancelled}
	ErrRollbackFailed          = &EngineError{Kind: KindRollbackFailed}
)

// ErrIntakeThrottled is returned when an event exceeds the intake rate.
var ErrIntakeThrottled = errors.New("event intake throttled")

// EngineError carries a taxonomy kind, the failing operation and the cause.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

func (e *EngineError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches any EngineError with the same kind.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

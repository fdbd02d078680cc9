package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// State is an alias for domain.AttemptState for internal use.
type State = domain.AttemptState

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.AttemptPending:   {domain.AttemptSelecting, domain.AttemptEscalated},
	domain.AttemptSelecting: {domain.AttemptExecuting, domain.AttemptEscalated},
	domain.AttemptExecuting: {domain.AttemptVerifying, domain.AttemptRollback},
	domain.AttemptVerifying: {domain.AttemptSucceeded, domain.AttemptRollback},
	domain.AttemptRollback:  {domain.AttemptRolledBack, domain.AttemptEscalated},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// advance moves the attempt to the next state and records the transition.
func advance(a *domain.RecoveryAttempt, to State, reason string) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
	}
	a.Transitions = append(a.Transitions, domain.Transition{
		From:      a.State,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	a.State = to
	if to.Terminal() {
		a.FinishedAt = time.Now()
	}
	return nil
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.AttemptPending:
		return "Pending - waiting for the risk gate"
	case domain.AttemptSelecting:
		return "Selecting - choosing a recovery strategy"
	case domain.AttemptExecuting:
		return "Executing - running recovery steps"
	case domain.AttemptVerifying:
		return "Verifying - running structural, consistency and smoke checks"
	case domain.AttemptSucceeded:
		return "Succeeded - recovery verified"
	case domain.AttemptRollback:
		return "Rollback - restoring the pre-attempt snapshot"
	case domain.AttemptRolledBack:
		return "Rolled back - cache restored, failure not repaired"
	case domain.AttemptEscalated:
		return "Escalated - handed to a human"
	default:
		return "Unknown state"
	}
}

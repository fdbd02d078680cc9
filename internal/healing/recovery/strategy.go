package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
)

// ErrRegistryFrozen is returned when registering after startup.
var ErrRegistryFrozen = errors.New("strategy registry is frozen")

// StepContext is what a step may touch. Steps must be idempotent.
type StepContext struct {
	AttemptID string
	Env       string
	Event     domain.FailureEvent
	Cache     *cache.Manager
	Toolchain Toolchain
}

// StepFunc executes one step. It must honour ctx.
type StepFunc func(ctx context.Context, sc *StepContext) error

// Step is one unit of a recovery strategy.
type Step struct {
	Name string

	// Mutating steps change cache tiers; a rollback snapshot is taken before
	// the first one runs.
	Mutating bool

	Timeout time.Duration
	Retries int
	Run     StepFunc
}

// Strategy is an ordered list of steps for a set of patterns.
type Strategy struct {
	ID                 domain.StrategyID
	Steps              []Step
	MaxAttempts        int
	Timeout            time.Duration
	ApplicablePatterns []domain.PatternID
}

// AppliesTo reports whether the strategy handles the pattern.
func (s *Strategy) AppliesTo(p domain.PatternID) bool {
	for _, ap := range s.ApplicablePatterns {
		if ap == p {
			return true
		}
	}
	return false
}

func (s Strategy) clone() *Strategy {
	c := s
	c.Steps = append([]Step(nil), s.Steps...)
	c.ApplicablePatterns = append([]domain.PatternID(nil), s.ApplicablePatterns...)
	return &c
}

func (s Strategy) validate() error {
	if s.ID == "" {
		return errors.New("strategy id must not be empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("strategy %s has no steps", s.ID)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("strategy %s: max attempts must be at least 1", s.ID)
	}
	if len(s.ApplicablePatterns) == 0 {
		return fmt.Errorf("strategy %s has no applicable patterns", s.ID)
	}
	for _, p := range s.ApplicablePatterns {
		if !p.Automatable() {
			return fmt.Errorf("strategy %s: pattern %q cannot be automated", s.ID, p)
		}
	}
	for i, st := range s.Steps {
		if st.Name == "" || st.Run == nil {
			return fmt.Errorf("strategy %s: step %d needs a name and a run func", s.ID, i)
		}
		if st.Retries < 0 {
			return fmt.Errorf("strategy %s: step %s has negative retries", s.ID, st.Name)
		}
	}
	return nil
}

// Registry holds strategies in registration order. It is filled at startup
// and frozen before the engine accepts events.
type Registry struct {
	mu         sync.RWMutex
	strategies []*Strategy
	byID       map[domain.StrategyID]*Strategy
	frozen     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[domain.StrategyID]*Strategy)}
}

// Register adds a strategy.
func (r *Registry) Register(s Strategy) error {
	if err := s.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("strategy %s already registered", s.ID)
	}
	c := s.clone()
	r.strategies = append(r.strategies, c)
	r.byID[s.ID] = c
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Applicable returns the strategies for a pattern in registration order.
func (r *Registry) Applicable(p domain.PatternID) []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Strategy
	for _, s := range r.strategies {
		if s.AppliesTo(p) {
			out = append(out, s)
		}
	}
	return out
}

// Get returns a strategy by ID.
func (r *Registry) Get(id domain.StrategyID) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// List returns all strategies in registration order.
func (r *Registry) List() []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Strategy(nil), r.strategies...)
}

package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/metrics"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// BreakerConfig controls the per-pattern circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed attempts that opens a breaker.
	Threshold int `yaml:"threshold"`

	// ResetTimeout is how long a breaker stays open before a trial is allowed.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MaxResetTimeout caps the timeout extension after failed trials.
	MaxResetTimeout time.Duration `yaml:"max_reset_timeout"`

	// TrialLease is how long a half-open trial may stay unreported before the
	// slot is handed to the next caller.
	TrialLease time.Duration `yaml:"trial_lease"`
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:       3,
		ResetTimeout:    5 * time.Minute,
		MaxResetTimeout: time.Hour,
		TrialLease:      30 * time.Minute,
	}
}

// Gate is the result of checking a breaker before an attempt.
type Gate struct {
	State domain.BreakerState

	// Trial is set when the caller holds the single half-open trial slot and
	// must report back through Record or ReleaseTrial.
	Trial bool
}

// Breakers owns every CircuitBreakerState. It is the only writer.
type Breakers struct {
	repo storage.BreakerRepository
	cfg  BreakerConfig

	mu  sync.Mutex
	now func() time.Time
}

// NewBreakers creates the breaker set.
func NewBreakers(repo storage.BreakerRepository, cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = cfg.ResetTimeout
	}
	if cfg.TrialLease <= 0 {
		cfg.TrialLease = def.TrialLease
	}
	return &Breakers{repo: repo, cfg: cfg, now: time.Now}
}

func (b *Breakers) load(ctx context.Context, pattern domain.PatternID) (*domain.CircuitBreakerState, error) {
	st, err := b.repo.Get(ctx, pattern)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewBreakerState(pattern, b.cfg.ResetTimeout), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker %s: %w", pattern, err)
	}
	if st.ResetTimeout <= 0 {
		st.ResetTimeout = b.cfg.ResetTimeout
	}
	return st, nil
}

func (b *Breakers) save(ctx context.Context, st *domain.CircuitBreakerState) error {
	st.UpdatedAt = b.now()
	if err := b.repo.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save breaker %s: %w", st.PatternID, err)
	}
	metrics.BreakerState.WithLabelValues(string(st.PatternID)).Set(gaugeValue(st.State))
	return nil
}

// Get returns the current breaker state without modifying it.
func (b *Breakers) Get(ctx context.Context, pattern domain.PatternID) (*domain.CircuitBreakerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx, pattern)
}

// Check gates an attempt. An open breaker whose reset timeout elapsed moves
// to half-open, and the first caller to see it half-open gets the trial. A
// trial left unreported for longer than the lease is reclaimed.
func (b *Breakers) Check(ctx context.Context, pattern domain.PatternID) (Gate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load(ctx, pattern)
	if err != nil {
		return Gate{}, err
	}

	dirty := false
	if st.State == domain.BreakerOpen && b.now().Sub(st.OpenedAt) >= st.ResetTimeout {
		st.State = domain.BreakerHalfOpen
		clearTrial(st)
		dirty = true
		slog.Info("Circuit breaker half-open", "pattern", pattern, "open_for", b.now().Sub(st.OpenedAt))
	}

	if st.State == domain.BreakerHalfOpen && st.TrialInFlight && b.now().Sub(st.TrialStartedAt) >= b.cfg.TrialLease {
		slog.Warn("Reclaiming abandoned breaker trial",
			"pattern", pattern,
			"trial_started_at", st.TrialStartedAt,
			"lease", b.cfg.TrialLease,
		)
		clearTrial(st)
		dirty = true
	}

	gate := Gate{State: st.State}
	if st.State == domain.BreakerHalfOpen && !st.TrialInFlight {
		st.TrialInFlight = true
		st.TrialStartedAt = b.now()
		gate.Trial = true
		dirty = true
	}

	if dirty {
		if err := b.save(ctx, st); err != nil {
			return Gate{}, err
		}
	}
	return gate, nil
}

// Record applies the outcome of an executed attempt.
func (b *Breakers) Record(ctx context.Context, pattern domain.PatternID, gate Gate, succeeded bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load(ctx, pattern)
	if err != nil {
		return err
	}
	if gate.Trial {
		clearTrial(st)
	}

	if succeeded {
		if st.State != domain.BreakerClosed {
			slog.Info("Circuit breaker closed", "pattern", pattern)
		}
		st.State = domain.BreakerClosed
		st.ConsecutiveFailures = 0
		st.OpenedAt = time.Time{}
		st.ResetTimeout = b.cfg.ResetTimeout
		return b.save(ctx, st)
	}

	st.ConsecutiveFailures++
	switch {
	case gate.Trial && st.State == domain.BreakerHalfOpen:
		st.ResetTimeout *= 2
		if st.ResetTimeout > b.cfg.MaxResetTimeout {
			st.ResetTimeout = b.cfg.MaxResetTimeout
		}
		b.open(st)
	case st.State == domain.BreakerClosed && st.ConsecutiveFailures >= b.cfg.Threshold:
		b.open(st)
	}
	return b.save(ctx, st)
}

func (b *Breakers) open(st *domain.CircuitBreakerState) {
	st.State = domain.BreakerOpen
	st.OpenedAt = b.now()
	slog.Warn("Circuit breaker opened",
		"pattern", st.PatternID,
		"consecutive_failures", st.ConsecutiveFailures,
		"reset_timeout", st.ResetTimeout,
	)
}

// ReleaseTrial gives the half-open trial slot back when the trial attempt
// never executed, e.g. because the risk gate rejected it.
func (b *Breakers) ReleaseTrial(ctx context.Context, pattern domain.PatternID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.load(ctx, pattern)
	if err != nil {
		return err
	}
	if !st.TrialInFlight {
		return nil
	}
	clearTrial(st)
	return b.save(ctx, st)
}

func clearTrial(st *domain.CircuitBreakerState) {
	st.TrialInFlight = false
	st.TrialStartedAt = time.Time{}
}

// List returns every persisted breaker.
func (b *Breakers) List(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	return b.repo.List(ctx)
}

// Reset forces a breaker back to closed.
func (b *Breakers) Reset(ctx context.Context, pattern domain.PatternID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.repo.Delete(ctx, pattern); err != nil {
		return fmt.Errorf("failed to reset breaker %s: %w", pattern, err)
	}
	metrics.BreakerState.WithLabelValues(string(pattern)).Set(0)
	slog.Info("Circuit breaker reset", "pattern", pattern)
	return nil
}

func gaugeValue(s domain.BreakerState) float64 {
	switch s {
	case domain.BreakerHalfOpen:
		return 1
	case domain.BreakerOpen:
		return 2
	default:
		return 0
	}
}

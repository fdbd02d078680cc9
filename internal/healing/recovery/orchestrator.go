// Package recovery drives a recovery attempt through strategy selection,
// supervised step execution, verification and rollback.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/healing/metrics"
)

// Config holds orchestrator timeouts and backoff bounds.
type Config struct {
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		VerifyTimeout:   10 * time.Minute,
		RollbackTimeout: 5 * time.Minute,
		BackoffBase:     2 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// Request is the input of one attempt.
type Request struct {
	Event          domain.FailureEvent
	Classification domain.Classification
}

// Orchestrator owns RecoveryAttempts from Pending to a terminal state.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	cache     *cache.Manager
	toolchain Toolchain
	verifier  Verifier
	scorer    *Scorer

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewOrchestrator creates an orchestrator. scorer may be nil, in which case
// every applicable strategy qualifies.
func NewOrchestrator(
	cfg Config,
	registry *Registry,
	cacheMgr *cache.Manager,
	toolchain Toolchain,
	verifier Verifier,
	scorer *Scorer,
) *Orchestrator {
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		cache:     cacheMgr,
		toolchain: toolchain,
		verifier:  verifier,
		scorer:    scorer,
		sleep:     sleepCtx,
		newID:     uuid.NewString,
	}
}

// Escalate creates an attempt that goes straight from Pending to Escalated.
// Used when the pipeline is short-circuited before any step runs.
func Escalate(req Request, cause error) *domain.RecoveryAttempt {
	a := newAttempt(uuid.NewString(), req)
	a.Error = cause.Error()
	a.ErrorKind = domain.KindOf(cause)
	transition(a, domain.AttemptEscalated, a.Error)
	return a
}

func newAttempt(id string, req Request) *domain.RecoveryAttempt {
	return &domain.RecoveryAttempt{
		ID:                     id,
		PatternID:              req.Classification.PatternID,
		EnvironmentFingerprint: req.Event.EnvironmentFingerprint,
		State:                  domain.AttemptPending,
		StartedAt:              time.Now(),
	}
}

// transition logs instead of failing; every path below only takes
// transitions listed in ValidTransitions.
func transition(a *domain.RecoveryAttempt, to State, reason string) {
	if err := advance(a, to, reason); err != nil {
		slog.Error("Attempt state machine violation", "attempt", a.ID, "error", err)
	}
}

// Run drives one attempt to a terminal state. The caller has already
// decided the failure is automatable.
func (o *Orchestrator) Run(ctx context.Context, req Request) *domain.RecoveryAttempt {
	a := newAttempt(o.newID(), req)
	transition(a, domain.AttemptSelecting, "risk gate passed")

	strategy := o.selectStrategy(ctx, a.PatternID)
	if strategy == nil {
		cause := domain.NewError(domain.KindNoStrategy, string(a.PatternID), errors.New("no qualifying strategy"))
		a.Error, a.ErrorKind = cause.Error(), cause.Kind
		transition(a, domain.AttemptEscalated, a.Error)
		return a
	}
	a.Strategy = strategy.ID
	transition(a, domain.AttemptExecuting, "selected "+string(strategy.ID))

	defer func() {
		if a.BackupSnapshotRef != "" {
			o.cache.Release(a.BackupSnapshotRef)
		}
	}()

	sc := &StepContext{
		AttemptID: a.ID,
		Env:       a.EnvironmentFingerprint,
		Event:     req.Event,
		Cache:     o.cache,
		Toolchain: o.toolchain,
	}

	var lastErr error
	for a.Tries < strategy.MaxAttempts {
		a.Tries++
		lastErr = o.execute(ctx, strategy, a, sc)
		if lastErr == nil || ctx.Err() != nil || DefaultErrorClassifier(lastErr) == CategoryPermanent {
			break
		}
		if a.Tries >= strategy.MaxAttempts {
			break
		}

		slog.Warn("Recovery pass failed, retrying strategy",
			"attempt", a.ID,
			"strategy", strategy.ID,
			"try", a.Tries,
			"error", lastErr,
		)
		if a.BackupSnapshotRef != "" {
			if err := o.restore(ctx, a.BackupSnapshotRef); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastErr != nil {
		if ctx.Err() != nil {
			return o.rollback(ctx, a, domain.AttemptRolledBack,
				domain.NewError(domain.KindCancelled, string(strategy.ID), lastErr))
		}
		return o.rollback(ctx, a, domain.AttemptEscalated,
			domain.NewError(domain.KindAttemptExhausted, string(strategy.ID), lastErr))
	}

	transition(a, domain.AttemptVerifying, "all steps completed")
	result := o.verify(ctx, a.EnvironmentFingerprint)
	a.VerificationResult = &result
	if !result.Passed() {
		kind := domain.KindVerificationFailed
		if ctx.Err() != nil {
			kind = domain.KindCancelled
		}
		return o.rollback(ctx, a, domain.AttemptRolledBack,
			domain.NewError(kind, "verify", errors.New(strings.Join(result.Failures, "; "))))
	}

	transition(a, domain.AttemptSucceeded, "verification passed")
	if _, err := o.cache.SnapshotBackup(context.WithoutCancel(ctx), a.EnvironmentFingerprint); err != nil &&
		!errors.Is(err, cache.ErrNothingToSnapshot) {
		slog.Warn("Failed to snapshot verified state", "attempt", a.ID, "error", err)
	}
	return a
}

func (o *Orchestrator) selectStrategy(ctx context.Context, pattern domain.PatternID) *Strategy {
	for _, s := range o.registry.Applicable(pattern) {
		if o.scorer == nil || o.scorer.Qualifies(ctx, s.ID) {
			return s
		}
		slog.Info("Strategy below success floor, skipping", "strategy", s.ID, "pattern", pattern)
	}
	return nil
}

// execute runs every step of the strategy once. Cancellation is checked
// between steps.
func (o *Orchestrator) execute(
	ctx context.Context,
	strategy *Strategy,
	a *domain.RecoveryAttempt,
	sc *StepContext,
) error {
	sctx := ctx
	if strategy.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, strategy.Timeout)
		defer cancel()
	}

	for i, step := range strategy.Steps {
		if err := ctx.Err(); err != nil {
			return domain.NewError(domain.KindCancelled, step.Name, err)
		}
		if err := sctx.Err(); err != nil {
			return domain.NewError(domain.KindStepFailed, step.Name, err)
		}
		a.StepIndex = i

		if step.Mutating && a.BackupSnapshotRef == "" {
			ref, err := o.cache.Checkpoint(sctx, a.EnvironmentFingerprint)
			if err != nil {
				return Permanent(domain.NewError(domain.KindStepFailed, "checkpoint", err))
			}
			a.BackupSnapshotRef = ref
		}

		if err := o.runStep(sctx, ctx, strategy.ID, step, sc); err != nil {
			return err
		}
	}
	return nil
}

// runStep retries a step within its own budget using exponential backoff.
func (o *Orchestrator) runStep(
	ctx, parent context.Context,
	strategy domain.StrategyID,
	step Step,
	sc *StepContext,
) error {
	backoff := &ExponentialBackoff{
		InitialDelay: o.cfg.BackoffBase,
		MaxDelay:     o.cfg.BackoffMax,
		MaxAttempts:  step.Retries,
		Classifier:   DefaultErrorClassifier,
	}

	for retry := 0; ; retry++ {
		start := time.Now()
		err := execStep(ctx, step, sc)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.StepDuration.WithLabelValues(string(strategy), step.Name, result).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		if parent.Err() != nil {
			return domain.NewError(domain.KindCancelled, step.Name, parent.Err())
		}
		failed := domain.NewError(domain.KindStepFailed, step.Name, err)
		if ctx.Err() != nil {
			return failed
		}
		if !backoff.ShouldRetry(err, retry) {
			if DefaultErrorClassifier(err) == CategoryPermanent {
				return Permanent(failed)
			}
			return failed
		}

		delay := backoff.GetDelay(retry)
		metrics.StepRetries.WithLabelValues(string(strategy), step.Name).Inc()
		slog.Warn("Step failed, retrying",
			"attempt", sc.AttemptID,
			"step", step.Name,
			"retry", retry+1,
			"delay", delay,
			"error", err,
		)
		if err := o.sleep(ctx, delay); err != nil {
			if parent.Err() != nil {
				return domain.NewError(domain.KindCancelled, step.Name, parent.Err())
			}
			return failed
		}
	}
}

// execStep runs the step under its timeout. A step that ignores its context
// is abandoned when the timeout fires.
func execStep(ctx context.Context, step Step, sc *StepContext) error {
	sctx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Permanent(fmt.Errorf("step %s panicked: %v", step.Name, r))
			}
		}()
		done <- step.Run(sctx, sc)
	}()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return fmt.Errorf("step %s: %w", step.Name, sctx.Err())
	}
}

func (o *Orchestrator) verify(ctx context.Context, env string) domain.VerificationResult {
	vctx := ctx
	if o.cfg.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, o.cfg.VerifyTimeout)
		defer cancel()
	}

	done := make(chan domain.VerificationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.VerificationResult{Failures: []string{fmt.Sprintf("verifier panicked: %v", r)}}
			}
		}()
		done <- o.verifier.Verify(vctx, env)
	}()

	select {
	case res := <-done:
		return res
	case <-vctx.Done():
		return domain.VerificationResult{Failures: []string{fmt.Sprintf("verification: %v", vctx.Err())}}
	}
}

// rollback restores the pre-attempt snapshot and ends the attempt in final.
// A failed restore always escalates.
func (o *Orchestrator) rollback(
	ctx context.Context,
	a *domain.RecoveryAttempt,
	final State,
	cause *domain.EngineError,
) *domain.RecoveryAttempt {
	a.Error, a.ErrorKind = cause.Error(), cause.Kind
	transition(a, domain.AttemptRollback, a.Error)

	if a.BackupSnapshotRef != "" {
		if err := o.restore(ctx, a.BackupSnapshotRef); err != nil {
			metrics.Rollbacks.WithLabelValues(string(a.PatternID), "failed").Inc()
			slog.Error("Rollback failed", "attempt", a.ID, "ref", a.BackupSnapshotRef, "error", err)
			a.Error, a.ErrorKind = err.Error(), domain.KindRollbackFailed
			transition(a, domain.AttemptEscalated, "rollback failed")
			return a
		}
	}
	metrics.Rollbacks.WithLabelValues(string(a.PatternID), "ok").Inc()

	slog.Info("Attempt rolled back",
		"attempt", a.ID,
		"pattern", a.PatternID,
		"kind", a.ErrorKind,
		"final", final,
	)
	transition(a, final, string(a.ErrorKind))
	return a
}

// restore runs detached from ctx so a cancelled attempt still leaves the
// cache tiers consistent.
func (o *Orchestrator) restore(ctx context.Context, ref string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RollbackTimeout)
	defer cancel()
	if err := o.cache.Restore(rctx, ref); err != nil {
		return domain.NewError(domain.KindRollbackFailed, ref, err)
	}
	return nil
}

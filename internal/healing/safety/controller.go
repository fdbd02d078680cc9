// Package safety wraps every recovery attempt with circuit breaking, per-key
// serialization and escalation. It is the only component that declares an
// incident resolved or hands it to a human.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/classifier"
	"github.com/vietddude/selfheal/internal/healing/metrics"
	"github.com/vietddude/selfheal/internal/healing/recovery"
	"github.com/vietddude/selfheal/internal/healing/risk"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// Resolution is the final verdict on an incident.
type Resolution string

const (
	Resolved   Resolution = "resolved"
	RolledBack Resolution = "rolled-back"
	NeedsHuman Resolution = "needs-human"
)

// Outcome is returned for every event. Only NeedsHuman carries an escalation.
type Outcome struct {
	Resolution Resolution                `json:"resolution"`
	Attempt    *domain.RecoveryAttempt   `json:"attempt"`
	Assessment domain.RiskAssessment     `json:"assessment"`
	Escalation *domain.EscalationPayload `json:"escalation,omitempty"`
}

// Config holds controller settings.
type Config struct {
	// MaxParallelism bounds concurrent pipeline invocations. Defaults to NumCPU.
	MaxParallelism int `yaml:"max_parallelism"`

	// HistoryLimit is how many prior attempts an escalation carries.
	HistoryLimit int `yaml:"history_limit"`

	// DeliveryTries bounds writes of records, summaries and escalations.
	DeliveryTries int `yaml:"delivery_tries"`

	// LockTTL and LockPoll apply to the optional distributed lock.
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockPoll time.Duration `yaml:"lock_poll"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelism: runtime.NumCPU(),
		HistoryLimit:   10,
		DeliveryTries:  3,
		LockTTL:        30 * time.Minute,
		LockPoll:       500 * time.Millisecond,
	}
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Classifier   *classifier.Classifier
	Contexts     *risk.ContextBuilder
	Assessor     *risk.Assessor
	Orchestrator *recovery.Orchestrator
	Breakers     *Breakers
	Attempts     storage.AttemptRepository
	Records      storage.MetricsRepository
	Escalator    Escalator
}

// Option configures a Controller.
type Option func(*Controller)

// WithDistributedLock serializes (pattern, environment) pairs across
// processes as well. busy reports errors that mean "held elsewhere".
func WithDistributedLock(l DistributedLocker, busy func(error) bool) Option {
	return func(c *Controller) {
		c.locker = l
		c.lockBusy = busy
	}
}

// Controller runs the classify, assess, recover, finalize pipeline.
type Controller struct {
	cfg  Config
	deps Deps

	sem      *semaphore.Weighted
	keys     *keyedMutex
	locker   DistributedLocker
	lockBusy func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewController creates a controller.
func NewController(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Classifier == nil || deps.Contexts == nil || deps.Assessor == nil ||
		deps.Orchestrator == nil || deps.Breakers == nil {
		return nil, fmt.Errorf("safety controller: classifier, contexts, assessor, orchestrator and breakers are required")
	}
	if deps.Attempts == nil || deps.Records == nil {
		return nil, fmt.Errorf("safety controller: attempt and metrics repositories are required")
	}
	if deps.Escalator == nil {
		deps.Escalator = LogEscalator{}
	}

	def := DefaultConfig()
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = def.MaxParallelism
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.DeliveryTries <= 0 {
		cfg.DeliveryTries = def.DeliveryTries
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = def.LockPoll
	}

	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		sem:   semaphore.NewWeighted(int64(cfg.MaxParallelism)),
		keys:  newKeyedMutex(),
		sleep: sleepCtx,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breakers exposes breaker administration.
func (c *Controller) Breakers() *Breakers {
	return c.deps.Breakers
}

// Handle runs one event through the pipeline. The only error is failing to
// start, i.e. ctx ending while waiting for the per-key lock or for a slot;
// every other path yields an Outcome.
//
// The per-key lock is taken before the slot so an event queued behind its
// own (pattern, environment) pair never holds a slot other patterns could use.
func (c *Controller) Handle(ctx context.Context, ev domain.FailureEvent) (*Outcome, error) {
	ev = ev.Normalize(c.now())
	metrics.EventsReceived.WithLabelValues(ev.Source, string(ev.Trigger)).Inc()

	cls := c.deps.Classifier.Classify(ev)
	req := recovery.Request{Event: ev, Classification: cls}

	unlock, err := c.lock(ctx, cls.PatternID, ev.EnvironmentFingerprint)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire execution slot: %w", err)
	}
	defer c.sem.Release(1)
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	return c.run(ctx, req), nil
}

func (c *Controller) lock(ctx context.Context, pattern domain.PatternID, env string) (func(), error) {
	key := string(pattern) + "|" + env
	unlock, err := c.keys.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	if c.locker == nil {
		return unlock, nil
	}

	busy := c.lockBusy
	if busy == nil {
		busy = func(error) bool { return false }
	}
	release, err := acquireDistributed(ctx, c.locker, key, c.cfg.LockTTL, c.cfg.LockPoll, busy)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to take distributed lock %s: %w", key, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (c *Controller) run(ctx context.Context, req recovery.Request) *Outcome {
	cls := req.Classification
	pattern := cls.PatternID

	gate := Gate{State: domain.BreakerClosed}
	if pattern.Automatable() {
		g, err := c.deps.Breakers.Check(ctx, pattern)
		if err != nil {
			slog.Error("Breaker unavailable, refusing automated recovery", "pattern", pattern, "error", err)
			assessment := c.deps.Assessor.Assess(risk.Input{Classification: cls, Breaker: domain.BreakerOpen})
			cause := domain.NewError(domain.KindRiskRejected, "breaker", err)
			return c.finish(ctx, req, recovery.Escalate(req, cause), assessment, Gate{}, false)
		}
		gate = g
	}

	if gate.State == domain.BreakerOpen {
		assessment := c.deps.Assessor.Assess(risk.Input{Classification: cls, Breaker: gate.State})
		cause := domain.NewError(domain.KindCircuitOpen, string(pattern), nil)
		return c.finish(ctx, req, recovery.Escalate(req, cause), assessment, gate, false)
	}

	envCtx, err := c.deps.Contexts.Build(ctx, req.Event, pattern)
	if err != nil {
		c.releaseTrial(ctx, pattern, gate)
		assessment := c.deps.Assessor.Assess(risk.Input{Classification: cls, Breaker: gate.State, TrialGranted: gate.Trial})
		assessment.Automatable = false
		assessment.Reasons = append(assessment.Reasons, err.Error())
		cause := domain.NewError(domain.KindRiskRejected, "context", err)
		return c.finish(ctx, req, recovery.Escalate(req, cause), assessment, gate, false)
	}

	assessment := c.deps.Assessor.Assess(risk.Input{
		Classification: cls,
		Environment:    envCtx,
		Breaker:        gate.State,
		TrialGranted:   gate.Trial,
	})

	if !assessment.Automatable {
		c.releaseTrial(ctx, pattern, gate)
		kind := domain.KindRiskRejected
		if pattern == domain.PatternUnknown {
			kind = domain.KindClassificationAmbiguous
		}
		cause := domain.NewError(kind, string(pattern), errors.New(strings.Join(assessment.Reasons, "; ")))
		return c.finish(ctx, req, recovery.Escalate(req, cause), assessment, gate, false)
	}

	slog.Info("Starting automated recovery",
		"pattern", pattern,
		"confidence", cls.Confidence,
		"risk_score", assessment.RiskScore,
		"breaker", gate.State,
		"trial", gate.Trial,
	)
	attempt := c.deps.Orchestrator.Run(ctx, req)
	return c.finish(ctx, req, attempt, assessment, gate, true)
}

func (c *Controller) releaseTrial(ctx context.Context, pattern domain.PatternID, gate Gate) {
	if !gate.Trial {
		return
	}
	if err := c.deps.Breakers.ReleaseTrial(context.WithoutCancel(ctx), pattern); err != nil {
		slog.Warn("Failed to release breaker trial", "pattern", pattern, "error", err)
	}
}

// finish records the attempt and decides the resolution. It runs detached
// from ctx so a cancelled invocation is still accounted for.
func (c *Controller) finish(
	ctx context.Context,
	req recovery.Request,
	attempt *domain.RecoveryAttempt,
	assessment domain.RiskAssessment,
	gate Gate,
	executed bool,
) *Outcome {
	fctx := context.WithoutCancel(ctx)
	pattern := attempt.PatternID

	if executed {
		if err := c.deps.Breakers.Record(fctx, pattern, gate, attempt.State == domain.AttemptSucceeded); err != nil {
			slog.Error("Failed to update breaker", "pattern", pattern, "error", err)
		}
	}

	metrics.AttemptsTotal.WithLabelValues(string(pattern), string(attempt.Strategy), string(attempt.State)).Inc()
	if attempt.Strategy != "" {
		metrics.AttemptDuration.WithLabelValues(string(pattern), string(attempt.Strategy)).
			Observe(attempt.Duration().Seconds())

		record := &domain.MetricsRecord{
			AttemptID:  attempt.ID,
			PatternID:  pattern,
			StrategyID: attempt.Strategy,
			Outcome:    attempt.State,
			DurationMs: attempt.Duration().Milliseconds(),
			Score:      domain.OutcomeScore(attempt.State),
			RecordedAt: c.now(),
		}
		_ = c.retry(fctx, "append metrics record", func(ctx context.Context) error {
			return c.deps.Records.Append(ctx, record)
		})
	}

	history, err := c.deps.Attempts.History(fctx, pattern, attempt.EnvironmentFingerprint, c.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("Failed to load attempt history", "pattern", pattern, "error", err)
	}
	summary := attempt.Summary()
	_ = c.retry(fctx, "save attempt summary", func(ctx context.Context) error {
		return c.deps.Attempts.Save(ctx, summary)
	})

	out := &Outcome{Attempt: attempt, Assessment: assessment}
	switch attempt.State {
	case domain.AttemptSucceeded:
		out.Resolution = Resolved
	case domain.AttemptRolledBack:
		out.Resolution = RolledBack
		c.noticeRollback(req, attempt, gate)
	default:
		out.Resolution = NeedsHuman
		history = append(history, summary)
		if len(history) > c.cfg.HistoryLimit {
			history = history[len(history)-c.cfg.HistoryLimit:]
		}
		out.Escalation = c.escalate(fctx, req, attempt, assessment, history)
	}

	slog.Info("Pipeline finished",
		"attempt", attempt.ID,
		"pattern", pattern,
		"strategy", attempt.Strategy,
		"state", attempt.State,
		"resolution", out.Resolution,
		"kind", attempt.ErrorKind,
		"duration", attempt.Duration(),
	)
	return out
}

// noticeRollback tells operators that the failure is still unrepaired. A
// rollback is not an escalation; the breaker escalates once it opens.
func (c *Controller) noticeRollback(req recovery.Request, attempt *domain.RecoveryAttempt, gate Gate) {
	metrics.Unrepaired.WithLabelValues(string(attempt.PatternID), string(attempt.ErrorKind)).Inc()
	slog.Warn("Recovery rolled back, failure not repaired",
		"attempt", attempt.ID,
		"pattern", attempt.PatternID,
		"strategy", attempt.Strategy,
		"environment", attempt.EnvironmentFingerprint,
		"source", req.Event.Source,
		"kind", attempt.ErrorKind,
		"error", attempt.Error,
		"trial", gate.Trial,
	)
}

func (c *Controller) escalate(
	ctx context.Context,
	req recovery.Request,
	attempt *domain.RecoveryAttempt,
	assessment domain.RiskAssessment,
	history []domain.AttemptSummary,
) *domain.EscalationPayload {
	payload := &domain.EscalationPayload{
		PatternID:              attempt.PatternID,
		Confidence:             req.Classification.Confidence,
		RiskScore:              assessment.RiskScore,
		Reason:                 attempt.ErrorKind,
		Source:                 req.Event.Source,
		EnvironmentFingerprint: attempt.EnvironmentFingerprint,
		Evidence:               req.Classification.Evidence,
		AttemptHistory:         history,
		RecommendedManualSteps: ManualSteps(attempt.PatternID, attempt.ErrorKind),
		CreatedAt:              c.now(),
	}
	metrics.Escalations.WithLabelValues(string(attempt.PatternID), string(attempt.ErrorKind)).Inc()

	if err := c.retry(ctx, "deliver escalation", func(ctx context.Context) error {
		return c.deps.Escalator.Escalate(ctx, *payload)
	}); err != nil {
		slog.Error("Escalation not delivered",
			"attempt", attempt.ID,
			"pattern", attempt.PatternID,
			"reason", attempt.ErrorKind,
		)
	}
	return payload
}

// retry runs fn up to DeliveryTries times with exponential backoff.
func (c *Controller) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := recovery.DefaultBackoff(c.cfg.DeliveryTries - 1)
	for i := 0; ; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !backoff.ShouldRetry(err, i) {
			slog.Error("Giving up", "op", op, "tries", i+1, "error", err)
			return err
		}
		delay := backoff.GetDelay(i)
		slog.Warn("Retrying", "op", op, "try", i+1, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

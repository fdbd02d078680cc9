package safety

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/healing/classifier"
	"github.com/vietddude/selfheal/internal/healing/metrics"
	"github.com/vietddude/selfheal/internal/healing/recovery"
	"github.com/vietddude/selfheal/internal/healing/risk"
	"github.com/vietddude/selfheal/internal/infra/storage"
	"github.com/vietddude/selfheal/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

var manifestBytes = []byte(`{"dependencies":{"lodash":"4.17.21"}}`)

type stubToolchain struct {
	mu         sync.Mutex
	regenErr   error
	smokeErr   error
	manifest   string
	regenCalls int
}

func (s *stubToolchain) RegenerateLockfile(ctx context.Context, env string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regenCalls++
	return s.regenErr
}

func (s *stubToolchain) Install(ctx context.Context, env string) ([]byte, string, error) {
	if s.manifest != "" {
		return []byte("node_modules"), s.manifest, nil
	}
	return []byte("node_modules"), domain.ManifestFingerprint(manifestBytes), nil
}

func (s *stubToolchain) SmokeBuild(ctx context.Context, env string) error { return s.smokeErr }

func (s *stubToolchain) Probe(ctx context.Context) error { return nil }

func (s *stubToolchain) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regenCalls
}

type recordingEscalator struct {
	mu       sync.Mutex
	failures int
	calls    int
	payloads []domain.EscalationPayload
}

func (r *recordingEscalator) Escalate(ctx context.Context, p domain.EscalationPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return errors.New("broker unavailable")
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingEscalator) delivered() []domain.EscalationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EscalationPayload(nil), r.payloads...)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	ctrl      *Controller
	breakers  *Breakers
	store     *memory.MemoryStorage
	escalator *recordingEscalator
	sleeps    int32
}

func testEnv(platform string) string {
	return domain.NewEnvironmentFingerprint(platform, map[string]string{"node": "20.11.0"}, manifestBytes)
}

func newHarness(t *testing.T, reg *recovery.Registry, tc recovery.Toolchain, cfg Config) *harness {
	t.Helper()
	return newHarnessWithDeps(t, reg, tc, cfg, risk.StaticCounter(10))
}

func newHarnessWithDeps(
	t *testing.T,
	reg *recovery.Registry,
	tc recovery.Toolchain,
	cfg Config,
	deps risk.DependencyCounter,
) *harness {
	t.Helper()

	cls, err := classifier.New(classifier.DefaultConfig(), classifier.DefaultMatchers()...)
	require.NoError(t, err)

	mgr, err := cache.NewManager(cache.Config{}, map[domain.Tier]storage.TierStore{
		domain.TierDependency: memory.NewTierStore(),
		domain.TierArtifact:   memory.NewTierStore(),
		domain.TierBackup:     memory.NewTierStore(),
	})
	require.NoError(t, err)

	store := memory.NewMemoryStorage()
	assessor := risk.NewAssessor(risk.DefaultConfig())
	orch := recovery.NewOrchestrator(recovery.DefaultConfig(), reg, mgr, tc, recovery.NewVerifier(mgr, tc), nil)
	breakers := NewBreakers(memory.NewBreakerRepo(store), DefaultBreakerConfig())
	esc := &recordingEscalator{}

	ctrl, err := NewController(cfg, Deps{
		Classifier:   cls,
		Contexts:     risk.NewContextBuilder(assessor, deps, memory.NewFailureHistoryRepo(store), time.Hour),
		Assessor:     assessor,
		Orchestrator: orch,
		Breakers:     breakers,
		Attempts:     memory.NewAttemptRepo(store),
		Records:      memory.NewMetricsRepo(store),
		Escalator:    esc,
	})
	require.NoError(t, err)

	h := &harness{ctrl: ctrl, breakers: breakers, store: store, escalator: esc}
	ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		atomic.AddInt32(&h.sleeps, 1)
		return nil
	}
	return h
}

func builtins(t *testing.T, b recovery.StepBudget) *recovery.Registry {
	t.Helper()
	reg := recovery.NewRegistry()
	for _, s := range recovery.BuiltinStrategies(b) {
		require.NoError(t, reg.Register(s))
	}
	reg.Freeze()
	return reg
}

// riskSamples returns how many risk scores were observed for pattern.
func riskSamples(t *testing.T, pattern domain.PatternID) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "selfheal_risk_score" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "pattern" && lp.GetValue() == string(pattern) {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func (k *keyedMutex) holders(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.locks[key]; ok {
		return e.refs
	}
	return 0
}

func lockfileEvent(env string) domain.FailureEvent {
	return domain.FailureEvent{
		Source:                 "npm-ci",
		RawSignal:              "npm ERR! Unexpected token < in package-lock.json",
		EnvironmentFingerprint: env,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestHandle_ResolvesLockfileCorruption(t *testing.T) {
	tc := &stubToolchain{}
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), tc, Config{})

	out, err := h.ctrl.Handle(context.Background(), lockfileEvent(testEnv("linux/amd64")))
	require.NoError(t, err)

	assert.Equal(t, Resolved, out.Resolution)
	assert.Equal(t, domain.AttemptSucceeded, out.Attempt.State)
	assert.Nil(t, out.Escalation)
	assert.True(t, out.Assessment.Automatable)
	assert.InDelta(t, 0.025, out.Assessment.RiskScore, 1e-9)

	records := memory.NewMetricsRepo(h.store).All()
	require.Len(t, records, 1)
	assert.Equal(t, recovery.StrategyLockfileRepair, records[0].StrategyID)
	assert.Equal(t, 1.0, records[0].Score)
}

func TestHandle_DependencyInstallExample(t *testing.T) {
	tc := &stubToolchain{manifest: "E1"}
	h := newHarnessWithDeps(t, builtins(t, recovery.DefaultStepBudget()), tc, Config{}, risk.StaticCounter(50))

	out, err := h.ctrl.Handle(context.Background(), domain.FailureEvent{
		Source:                 "dependency-install",
		RawSignal:              "unexpected token in lockfile",
		EnvironmentFingerprint: "E1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PatternLockfileCorruption, out.Assessment.Classification.PatternID)
	assert.InDelta(t, 0.95, out.Assessment.Classification.Confidence, 1e-9)
	assert.True(t, out.Assessment.Automatable)
	assert.InDelta(t, 0.2, out.Assessment.RiskScore, 1e-9)

	assert.Equal(t, Resolved, out.Resolution)
	assert.Equal(t, domain.AttemptSucceeded, out.Attempt.State)
	assert.Equal(t, recovery.StrategyLockfileRepair, out.Attempt.Strategy)

	st, err := h.breakers.Get(context.Background(), domain.PatternLockfileCorruption)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)

	records := memory.NewMetricsRepo(h.store).All()
	require.Len(t, records, 1)
	assert.Equal(t, domain.AttemptSucceeded, records[0].Outcome)
}

func TestHandle_RiskScoreObservedOnce(t *testing.T) {
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), &stubToolchain{}, Config{})
	before := riskSamples(t, domain.PatternLockfileCorruption)

	_, err := h.ctrl.Handle(context.Background(), lockfileEvent(testEnv("linux/amd64")))
	require.NoError(t, err)

	assert.Equal(t, before+1, riskSamples(t, domain.PatternLockfileCorruption))
}

func TestHandle_RolledBackAttemptIsReported(t *testing.T) {
	tc := &stubToolchain{smokeErr: errors.New("build failed")}
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), tc, Config{})

	unrepaired := metrics.Unrepaired.WithLabelValues(
		string(domain.PatternLockfileCorruption), string(domain.KindVerificationFailed))
	before := testutil.ToFloat64(unrepaired)

	out, err := h.ctrl.Handle(context.Background(), lockfileEvent(testEnv("linux/amd64")))
	require.NoError(t, err)

	assert.Equal(t, RolledBack, out.Resolution)
	assert.Equal(t, domain.AttemptRolledBack, out.Attempt.State)
	assert.Nil(t, out.Escalation)
	assert.Empty(t, h.escalator.delivered())
	assert.Equal(t, 1.0, testutil.ToFloat64(unrepaired)-before)

	st, err := h.breakers.Get(context.Background(), domain.PatternLockfileCorruption)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestHandle_BreakerOpensAfterThreeFailures(t *testing.T) {
	tc := &stubToolchain{regenErr: errors.New("lockfile still invalid")}
	h := newHarness(t, builtins(t, recovery.StepBudget{Retries: 0, MaxAttempts: 1}), tc, Config{})
	ctx := context.Background()
	env := testEnv("linux/amd64")

	for i := 0; i < 3; i++ {
		out, err := h.ctrl.Handle(ctx, lockfileEvent(env))
		require.NoError(t, err)
		assert.Equal(t, NeedsHuman, out.Resolution)
		assert.Equal(t, domain.KindAttemptExhausted, out.Attempt.ErrorKind)
	}
	assert.Equal(t, 3, tc.calls())

	st, err := h.breakers.Get(ctx, domain.PatternLockfileCorruption)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)

	out, err := h.ctrl.Handle(ctx, lockfileEvent(env))
	require.NoError(t, err)

	assert.Equal(t, 3, tc.calls(), "open breaker must not execute any step")
	assert.Equal(t, NeedsHuman, out.Resolution)
	assert.Equal(t, domain.AttemptEscalated, out.Attempt.State)
	assert.Equal(t, domain.KindCircuitOpen, out.Attempt.ErrorKind)
	assert.Empty(t, out.Attempt.Strategy)
	assert.Len(t, out.Attempt.Transitions, 1)

	require.NotNil(t, out.Escalation)
	assert.Equal(t, domain.KindCircuitOpen, out.Escalation.Reason)
	require.Len(t, out.Escalation.AttemptHistory, 4)
	for _, s := range out.Escalation.AttemptHistory[:3] {
		assert.Equal(t, domain.AttemptEscalated, s.Outcome)
		assert.Equal(t, recovery.StrategyLockfileRepair, s.Strategy)
	}
	assert.Equal(t, domain.KindCircuitOpen, out.Escalation.AttemptHistory[3].ErrorKind)
	assert.NotEmpty(t, out.Escalation.RecommendedManualSteps)

	assert.Len(t, h.escalator.delivered(), 4)

	st, err = h.breakers.Get(ctx, domain.PatternLockfileCorruption)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ConsecutiveFailures, "short-circuited events do not count")
}

func TestHandle_UnknownSignalEscalatesWithoutAttempt(t *testing.T) {
	tc := &stubToolchain{}
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), tc, Config{})

	out, err := h.ctrl.Handle(context.Background(), domain.FailureEvent{
		Source:                 "unit-tests",
		RawSignal:              "expected 3 but got 4",
		EnvironmentFingerprint: testEnv("linux/amd64"),
	})
	require.NoError(t, err)

	assert.Equal(t, NeedsHuman, out.Resolution)
	assert.Equal(t, domain.PatternUnknown, out.Attempt.PatternID)
	assert.Equal(t, domain.KindClassificationAmbiguous, out.Attempt.ErrorKind)
	assert.False(t, out.Assessment.Automatable)
	assert.Equal(t, 0, tc.calls())

	breakers, err := h.breakers.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, breakers)
}

func TestHandle_EscalationDeliveryIsRetried(t *testing.T) {
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), &stubToolchain{}, Config{})
	h.escalator.failures = 2

	out, err := h.ctrl.Handle(context.Background(), domain.FailureEvent{
		RawSignal:              "segfault",
		EnvironmentFingerprint: testEnv("linux/amd64"),
	})
	require.NoError(t, err)

	assert.Equal(t, NeedsHuman, out.Resolution)
	assert.Len(t, h.escalator.delivered(), 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.sleeps))
}

func TestHandle_SamePairIsSerialized(t *testing.T) {
	var active, maxActive int32
	reg := recovery.NewRegistry()
	require.NoError(t, reg.Register(recovery.Strategy{
		ID: "observe",
		Steps: []recovery.Step{{
			Name: "observe",
			Run: func(ctx context.Context, sc *recovery.StepContext) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		}},
		MaxAttempts:        1,
		ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
	}))

	h := newHarness(t, reg, &stubToolchain{}, Config{MaxParallelism: 4})
	env := testEnv("linux/amd64")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Handle(context.Background(), lockfileEvent(env))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestHandle_DifferentPatternsRunConcurrently(t *testing.T) {
	var active int32
	both := make(chan struct{})
	var once sync.Once

	rendezvous := func(ctx context.Context, sc *recovery.StepContext) error {
		if atomic.AddInt32(&active, 1) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return recovery.Permanent(errors.New("peer never started"))
		}
	}

	reg := recovery.NewRegistry()
	require.NoError(t, reg.Register(recovery.Strategy{
		ID:    "rendezvous",
		Steps: []recovery.Step{{Name: "rendezvous", Run: rendezvous}},
		ApplicablePatterns: []domain.PatternID{
			domain.PatternLockfileCorruption,
			domain.PatternCacheCorruption,
		},
		MaxAttempts: 1,
	}))

	h := newHarness(t, reg, &stubToolchain{}, Config{MaxParallelism: 2})
	env := testEnv("linux/amd64")

	events := []domain.FailureEvent{
		lockfileEvent(env),
		{Source: "npm-ci", RawSignal: "npm ERR! cache integrity checksum mismatch", EnvironmentFingerprint: env},
	}

	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev domain.FailureEvent) {
			defer wg.Done()
			out, err := h.ctrl.Handle(context.Background(), ev)
			assert.NoError(t, err)
			assert.NotEqual(t, domain.KindAttemptExhausted, out.Attempt.ErrorKind)
		}(ev)
	}
	wg.Wait()

	select {
	case <-both:
	default:
		t.Fatal("invocations for different patterns did not overlap")
	}
}

func TestHandle_QueuedSamePairDoesNotHoldSlot(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	otherRan := make(chan struct{})
	var startOnce, otherOnce sync.Once

	reg := recovery.NewRegistry()
	require.NoError(t, reg.Register(recovery.Strategy{
		ID: "hold",
		Steps: []recovery.Step{{
			Name: "hold",
			Run: func(ctx context.Context, sc *recovery.StepContext) error {
				startOnce.Do(func() { close(firstStarted) })
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}},
		MaxAttempts:        1,
		ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
	}))
	require.NoError(t, reg.Register(recovery.Strategy{
		ID: "mark",
		Steps: []recovery.Step{{
			Name: "mark",
			Run: func(ctx context.Context, sc *recovery.StepContext) error {
				otherOnce.Do(func() { close(otherRan) })
				return nil
			},
		}},
		MaxAttempts:        1,
		ApplicablePatterns: []domain.PatternID{domain.PatternCacheCorruption},
	}))

	h := newHarness(t, reg, &stubToolchain{}, Config{MaxParallelism: 2})
	env := testEnv("linux/amd64")

	var wg sync.WaitGroup
	handle := func(ev domain.FailureEvent) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Handle(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	defer wg.Wait()
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })

	handle(lockfileEvent(env))
	select {
	case <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never started")
	}

	// Second event for the same pair queues on the key.
	handle(lockfileEvent(env))
	key := string(domain.PatternLockfileCorruption) + "|" + env
	require.Eventually(t, func() bool { return h.ctrl.keys.holders(key) == 2 },
		time.Second, 5*time.Millisecond)

	handle(domain.FailureEvent{
		Source:                 "npm-ci",
		RawSignal:              "npm ERR! cache integrity checksum mismatch",
		EnvironmentFingerprint: env,
	})

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("different pattern did not start while a same-pair event was queued")
	}
	releaseOnce.Do(func() { close(release) })
}

func TestHandle_CancelledWhileWaitingForSlot(t *testing.T) {
	h := newHarness(t, builtins(t, recovery.DefaultStepBudget()), &stubToolchain{}, Config{MaxParallelism: 1})
	require.NoError(t, h.ctrl.sem.Acquire(context.Background(), 1))
	defer h.ctrl.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.ctrl.Handle(ctx, lockfileEvent(testEnv("linux/amd64")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManualSteps(t *testing.T) {
	steps := ManualSteps(domain.PatternCacheCorruption, domain.KindRollbackFailed)
	require.NotEmpty(t, steps)
	assert.Contains(t, steps[0], "Rollback did not complete")

	unknown := ManualSteps(domain.PatternUnknown, domain.KindClassificationAmbiguous)
	assert.Contains(t, unknown[0], "classify it manually")
}

package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/infra/storage"
	"github.com/vietddude/selfheal/internal/infra/storage/memory"
)

// =============================================================================
// Mock Toolchain
// =============================================================================

type mockToolchain struct {
	mu sync.Mutex

	regenFailures int
	regenCalls    int
	installCalls  int
	smokeErr      error
	probeFailures int
	probeCalls    int

	payload  []byte
	manifest string
}

func (m *mockToolchain) RegenerateLockfile(ctx context.Context, env string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regenCalls++
	if m.regenFailures < 0 || m.regenCalls <= m.regenFailures {
		return errors.New("lockfile still unparseable")
	}
	return nil
}

func (m *mockToolchain) Install(ctx context.Context, env string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installCalls++
	return m.payload, m.manifest, nil
}

func (m *mockToolchain) SmokeBuild(ctx context.Context, env string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smokeErr
}

func (m *mockToolchain) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeCalls++
	if m.probeCalls <= m.probeFailures {
		return errors.New("registry unreachable")
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

var manifestBytes = []byte(`{"dependencies":{"left-pad":"1.3.0"}}`)

func testEnv() string {
	return domain.NewEnvironmentFingerprint("linux/amd64", map[string]string{"node": "20.11.0"}, manifestBytes)
}

func newToolchain() *mockToolchain {
	return &mockToolchain{
		payload:  []byte("node_modules@fresh"),
		manifest: domain.ManifestFingerprint(manifestBytes),
	}
}

type harness struct {
	orch   *Orchestrator
	cache  *cache.Manager
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, reg *Registry, tc Toolchain, scorer *Scorer) *harness {
	t.Helper()
	mgr, err := cache.NewManager(cache.Config{}, map[domain.Tier]storage.TierStore{
		domain.TierDependency: memory.NewTierStore(),
		domain.TierArtifact:   memory.NewTierStore(),
		domain.TierBackup:     memory.NewTierStore(),
	})
	require.NoError(t, err)

	h := &harness{cache: mgr}
	h.orch = NewOrchestrator(DefaultConfig(), reg, mgr, tc, NewVerifier(mgr, tc), scorer)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func builtinRegistry(t *testing.T, b StepBudget) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, s := range BuiltinStrategies(b) {
		require.NoError(t, reg.Register(s))
	}
	reg.Freeze()
	return reg
}

func lockfileRequest() Request {
	return Request{
		Event: domain.FailureEvent{
			Source:                 "dependency-install",
			RawSignal:              "unexpected token in lockfile",
			EnvironmentFingerprint: testEnv(),
		},
		Classification: domain.Classification{PatternID: domain.PatternLockfileCorruption, Confidence: 0.95},
	}
}

func states(a *domain.RecoveryAttempt) []domain.AttemptState {
	out := []domain.AttemptState{domain.AttemptPending}
	for _, tr := range a.Transitions {
		out = append(out, tr.To)
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_LockfileRepairSucceeds(t *testing.T) {
	tc := newToolchain()
	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), tc, nil)
	ctx := context.Background()

	a := h.orch.Run(ctx, lockfileRequest())

	assert.Equal(t, domain.AttemptSucceeded, a.State)
	assert.Equal(t, StrategyLockfileRepair, a.Strategy)
	assert.Equal(t, []domain.AttemptState{
		domain.AttemptPending,
		domain.AttemptSelecting,
		domain.AttemptExecuting,
		domain.AttemptVerifying,
		domain.AttemptSucceeded,
	}, states(a))
	require.NotNil(t, a.VerificationResult)
	assert.True(t, a.VerificationResult.Passed())
	assert.NotEmpty(t, a.BackupSnapshotRef)
	assert.Equal(t, 1, tc.installCalls)

	snaps, err := h.cache.Entries(ctx, domain.TierBackup, testEnv())
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "verified success must push a backup snapshot")
}

func TestRun_StepRetriesWithExponentialBackoff(t *testing.T) {
	tc := newToolchain()
	tc.regenFailures = 2
	h := newHarness(t, builtinRegistry(t, StepBudget{Retries: 2, MaxAttempts: 1}), tc, nil)

	a := h.orch.Run(context.Background(), lockfileRequest())

	assert.Equal(t, domain.AttemptSucceeded, a.State)
	assert.Equal(t, 3, tc.regenCalls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestRun_ExhaustedAttemptsRollBackThenEscalate(t *testing.T) {
	tc := newToolchain()
	tc.regenFailures = -1
	h := newHarness(t, builtinRegistry(t, StepBudget{Retries: 1, MaxAttempts: 2}), tc, nil)
	ctx := context.Background()
	env := testEnv()

	before, err := h.cache.Store(ctx, domain.TierDependency, env, []byte("node_modules@old"), domain.ManifestOf(env))
	require.NoError(t, err)

	a := h.orch.Run(ctx, lockfileRequest())

	assert.Equal(t, domain.AttemptEscalated, a.State)
	assert.Equal(t, domain.KindAttemptExhausted, a.ErrorKind)
	assert.Equal(t, 2, a.Tries)
	assert.Equal(t, 4, tc.regenCalls)
	assert.Contains(t, states(a), domain.AttemptRollback)
	assert.Equal(t, 0, tc.installCalls)

	v, err := h.cache.Validate(ctx, domain.TierDependency, before.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.Valid, v, "quarantined entry must be restored by rollback")
}

func TestRun_VerificationFailureRollsBack(t *testing.T) {
	tc := newToolchain()
	tc.smokeErr = errors.New("tsc: cannot find module")
	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), tc, nil)
	ctx := context.Background()
	env := testEnv()

	before, err := h.cache.Store(ctx, domain.TierDependency, env, []byte("node_modules@old"), domain.ManifestOf(env))
	require.NoError(t, err)

	a := h.orch.Run(ctx, lockfileRequest())

	assert.Equal(t, domain.AttemptRolledBack, a.State)
	assert.Equal(t, domain.KindVerificationFailed, a.ErrorKind)
	require.NotNil(t, a.VerificationResult)
	assert.True(t, a.VerificationResult.Structural)
	assert.True(t, a.VerificationResult.Consistency)
	assert.False(t, a.VerificationResult.Smoke)

	deps, err := h.cache.Entries(ctx, domain.TierDependency, env)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, before.Key, deps[0].Key)
	assert.True(t, deps[0].Valid)

	artifacts, err := h.cache.Entries(ctx, domain.TierArtifact, env)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestRun_ManifestMismatchFailsConsistency(t *testing.T) {
	tc := newToolchain()
	tc.manifest = "someothermanifest"
	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), tc, nil)

	a := h.orch.Run(context.Background(), lockfileRequest())

	assert.Equal(t, domain.AttemptRolledBack, a.State)
	require.NotNil(t, a.VerificationResult)
	assert.False(t, a.VerificationResult.Consistency)
}

func TestRun_CancellationBetweenStepsRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secondRan bool
	reg := NewRegistry()
	require.NoError(t, reg.Register(Strategy{
		ID: "cancel-test",
		Steps: []Step{
			{Name: "first", Mutating: true, Run: func(ctx context.Context, sc *StepContext) error {
				cancel()
				return nil
			}},
			{Name: "second", Mutating: true, Run: func(ctx context.Context, sc *StepContext) error {
				secondRan = true
				return nil
			}},
		},
		MaxAttempts:        3,
		ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
	}))

	h := newHarness(t, reg, newToolchain(), nil)
	a := h.orch.Run(ctx, lockfileRequest())

	assert.False(t, secondRan, "cancellation must be honoured between steps")
	assert.Equal(t, domain.AttemptRolledBack, a.State)
	assert.Equal(t, domain.KindCancelled, a.ErrorKind)
	assert.Equal(t, 1, a.Tries)
	assert.NotEmpty(t, a.BackupSnapshotRef)
}

func TestRun_StepTimeoutDoesNotHang(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	reg := NewRegistry()
	require.NoError(t, reg.Register(Strategy{
		ID: "hang",
		Steps: []Step{{
			Name:    "stuck",
			Timeout: 20 * time.Millisecond,
			Run: func(ctx context.Context, sc *StepContext) error {
				<-block
				return nil
			},
		}},
		MaxAttempts:        1,
		ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
	}))

	h := newHarness(t, reg, newToolchain(), nil)

	start := time.Now()
	a := h.orch.Run(context.Background(), lockfileRequest())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.AttemptEscalated, a.State)
	assert.Equal(t, domain.KindAttemptExhausted, a.ErrorKind)
	assert.True(t, strings.Contains(a.Error, "deadline exceeded"), a.Error)
}

func TestRun_PanickingStepIsNotRetried(t *testing.T) {
	var calls int
	reg := NewRegistry()
	require.NoError(t, reg.Register(Strategy{
		ID: "panics",
		Steps: []Step{{
			Name:    "boom",
			Retries: 3,
			Run: func(ctx context.Context, sc *StepContext) error {
				calls++
				panic("nil map")
			},
		}},
		MaxAttempts:        3,
		ApplicablePatterns: []domain.PatternID{domain.PatternLockfileCorruption},
	}))

	h := newHarness(t, reg, newToolchain(), nil)
	a := h.orch.Run(context.Background(), lockfileRequest())

	assert.Equal(t, domain.AttemptEscalated, a.State)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)
}

func TestRun_NoApplicableStrategyEscalates(t *testing.T) {
	h := newHarness(t, NewRegistry(), newToolchain(), nil)
	req := lockfileRequest()
	req.Classification.PatternID = domain.PatternNetworkTimeout

	a := h.orch.Run(context.Background(), req)

	assert.Equal(t, domain.AttemptEscalated, a.State)
	assert.Equal(t, domain.KindNoStrategy, a.ErrorKind)
	assert.Equal(t, []domain.AttemptState{
		domain.AttemptPending,
		domain.AttemptSelecting,
		domain.AttemptEscalated,
	}, states(a))
}

func TestRun_SkipsStrategyBelowSuccessFloor(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewMetricsRepo(store)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &domain.MetricsRecord{
			AttemptID:  string(rune('a' + i)),
			StrategyID: StrategyLockfileRepair,
			Outcome:    domain.AttemptEscalated,
			Score:      0,
			RecordedAt: time.Now(),
		}))
	}
	scorer := NewScorer(repo, DefaultScoringConfig())

	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), newToolchain(), scorer)
	a := h.orch.Run(ctx, lockfileRequest())

	assert.Equal(t, StrategyColdRebuild, a.Strategy)
	assert.Equal(t, domain.AttemptSucceeded, a.State)
}

func TestRun_CacheRestoreRepairsFromArtifactTier(t *testing.T) {
	tc := newToolchain()
	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), tc, nil)
	ctx := context.Background()
	env := testEnv()
	payload := []byte("node_modules@cached")

	t1, err := h.cache.Store(ctx, domain.TierDependency, env, payload, domain.ManifestOf(env))
	require.NoError(t, err)
	_, err = h.cache.Store(ctx, domain.TierArtifact, env, payload, domain.ManifestOf(env))
	require.NoError(t, err)
	_, err = h.cache.Quarantine(ctx, domain.TierDependency, env)
	require.NoError(t, err)

	req := lockfileRequest()
	req.Classification.PatternID = domain.PatternCacheCorruption
	a := h.orch.Run(ctx, req)

	assert.Equal(t, domain.AttemptSucceeded, a.State)
	assert.Equal(t, StrategyCacheRestore, a.Strategy)
	assert.Equal(t, 0, tc.installCalls)

	v, err := h.cache.Validate(ctx, domain.TierDependency, t1.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.Valid, v)
}

func TestRun_ServiceWaitRetriesProbe(t *testing.T) {
	tc := newToolchain()
	tc.probeFailures = 3
	h := newHarness(t, builtinRegistry(t, DefaultStepBudget()), tc, nil)

	req := lockfileRequest()
	req.Classification.PatternID = domain.PatternServiceUnavailable
	a := h.orch.Run(context.Background(), req)

	assert.Equal(t, domain.AttemptSucceeded, a.State)
	assert.Equal(t, StrategyServiceWait, a.Strategy)
	assert.Equal(t, 4, tc.probeCalls)
}

func TestEscalate_ShortCircuit(t *testing.T) {
	a := Escalate(lockfileRequest(), domain.NewError(domain.KindCircuitOpen, "LockfileCorruption", nil))

	assert.Equal(t, domain.AttemptEscalated, a.State)
	assert.Equal(t, domain.KindCircuitOpen, a.ErrorKind)
	assert.Len(t, a.Transitions, 1)
	assert.Empty(t, a.Strategy)
}

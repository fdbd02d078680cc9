package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreakers() (*Breakers, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(memory.NewBreakerRepo(memory.NewMemoryStorage()), BreakerConfig{
		Threshold:       3,
		ResetTimeout:    time.Minute,
		MaxResetTimeout: 3 * time.Minute,
	})
	b.now = clock.Now
	return b, clock
}

func mustCheck(t *testing.T, b *Breakers, p domain.PatternID) Gate {
	t.Helper()
	g, err := b.Check(context.Background(), p)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	return g
}

func mustState(t *testing.T, b *Breakers, p domain.PatternID) *domain.CircuitBreakerState {
	t.Helper()
	st, err := b.Get(context.Background(), p)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return st
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternCacheCorruption

	for i := 0; i < 2; i++ {
		g := mustCheck(t, b, p)
		if g.State != domain.BreakerClosed {
			t.Fatalf("expected closed, got %s", g.State)
		}
		if err := b.Record(ctx, p, g, false); err != nil {
			t.Fatal(err)
		}
	}
	if st := mustState(t, b, p); st.State != domain.BreakerClosed || st.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected state after 2 failures: %+v", st)
	}

	if err := b.Record(ctx, p, mustCheck(t, b, p), false); err != nil {
		t.Fatal(err)
	}
	if g := mustCheck(t, b, p); g.State != domain.BreakerOpen || g.Trial {
		t.Fatalf("expected open without trial, got %+v", g)
	}

	// other patterns are unaffected
	if g := mustCheck(t, b, domain.PatternNetworkTimeout); g.State != domain.BreakerClosed {
		t.Fatalf("expected closed for other pattern, got %s", g.State)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternLockfileCorruption

	_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	_ = b.Record(ctx, p, mustCheck(t, b, p), true)

	if st := mustState(t, b, p); st.ConsecutiveFailures != 0 || st.State != domain.BreakerClosed {
		t.Fatalf("success must reset the breaker: %+v", st)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternLockfileCorruption

	for i := 0; i < 3; i++ {
		_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	}
	clock.Advance(30 * time.Second)
	if g := mustCheck(t, b, p); g.State != domain.BreakerOpen {
		t.Fatalf("expected open before reset timeout, got %s", g.State)
	}

	clock.Advance(30 * time.Second)
	first := mustCheck(t, b, p)
	if first.State != domain.BreakerHalfOpen || !first.Trial {
		t.Fatalf("expected half-open trial, got %+v", first)
	}
	second := mustCheck(t, b, p)
	if second.State != domain.BreakerHalfOpen || second.Trial {
		t.Fatalf("only one trial may run, got %+v", second)
	}

	if err := b.Record(ctx, p, first, true); err != nil {
		t.Fatal(err)
	}
	if st := mustState(t, b, p); st.State != domain.BreakerClosed || st.ResetTimeout != time.Minute {
		t.Fatalf("successful trial must close the breaker: %+v", st)
	}
}

func TestBreaker_FailedTrialReopensWithLongerTimeout(t *testing.T) {
	b, clock := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternNetworkTimeout

	for i := 0; i < 3; i++ {
		_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	}

	wantTimeouts := []time.Duration{2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	wait := time.Minute
	for i, want := range wantTimeouts {
		clock.Advance(wait)
		g := mustCheck(t, b, p)
		if !g.Trial {
			t.Fatalf("round %d: expected trial", i)
		}
		if err := b.Record(ctx, p, g, false); err != nil {
			t.Fatal(err)
		}
		st := mustState(t, b, p)
		if st.State != domain.BreakerOpen || st.ResetTimeout != want {
			t.Fatalf("round %d: expected open with %v, got %s with %v", i, want, st.State, st.ResetTimeout)
		}
		wait = want
	}
}

func TestBreaker_ReleaseTrial(t *testing.T) {
	b, clock := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternServiceUnavailable

	for i := 0; i < 3; i++ {
		_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	}
	clock.Advance(time.Minute)

	if g := mustCheck(t, b, p); !g.Trial {
		t.Fatal("expected trial")
	}
	if err := b.ReleaseTrial(ctx, p); err != nil {
		t.Fatal(err)
	}
	if g := mustCheck(t, b, p); !g.Trial {
		t.Fatal("released trial must be grantable again")
	}
}

func TestBreaker_AbandonedTrialIsReclaimed(t *testing.T) {
	ctx := context.Background()
	p := domain.PatternLockfileCorruption
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := memory.NewBreakerRepo(memory.NewMemoryStorage())
	cfg := BreakerConfig{Threshold: 3, ResetTimeout: time.Minute, TrialLease: 10 * time.Minute}

	// The first process takes the trial and dies before reporting.
	crashed := NewBreakers(repo, cfg)
	crashed.now = clock.Now
	for i := 0; i < 3; i++ {
		_ = crashed.Record(ctx, p, mustCheck(t, crashed, p), false)
	}
	clock.Advance(time.Minute)
	if g := mustCheck(t, crashed, p); g.State != domain.BreakerHalfOpen || !g.Trial {
		t.Fatalf("expected half-open trial, got %+v", g)
	}

	restarted := NewBreakers(repo, cfg)
	restarted.now = clock.Now

	clock.Advance(5 * time.Minute)
	if g := mustCheck(t, restarted, p); g.Trial {
		t.Fatalf("trial within its lease must not be handed out twice, got %+v", g)
	}

	clock.Advance(5 * time.Minute)
	g := mustCheck(t, restarted, p)
	if g.State != domain.BreakerHalfOpen || !g.Trial {
		t.Fatalf("expected the abandoned trial to be reclaimed, got %+v", g)
	}
	if st := mustState(t, restarted, p); !st.TrialStartedAt.Equal(clock.Now()) {
		t.Fatalf("trial start not refreshed: %v", st.TrialStartedAt)
	}

	if err := restarted.Record(ctx, p, g, true); err != nil {
		t.Fatal(err)
	}
	if st := mustState(t, restarted, p); st.State != domain.BreakerClosed || st.TrialInFlight || !st.TrialStartedAt.IsZero() {
		t.Fatalf("successful trial must close the breaker and clear the trial: %+v", st)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreakers()
	ctx := context.Background()
	p := domain.PatternCacheCorruption

	for i := 0; i < 3; i++ {
		_ = b.Record(ctx, p, mustCheck(t, b, p), false)
	}
	if err := b.Reset(ctx, p); err != nil {
		t.Fatal(err)
	}
	if st := mustState(t, b, p); st.State != domain.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("reset must close the breaker: %+v", st)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	other, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatal("different keys must not block each other")
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(waitCtx, "a"); err == nil {
		t.Fatal("same key must block while held")
	}

	unlock()
	unlock()

	again, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	again()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected no leaked entries, got %d", len(k.locks))
	}
}

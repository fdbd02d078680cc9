package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// BreakerLister reads persisted breaker state.
type BreakerLister interface {
	List(ctx context.Context) ([]*domain.CircuitBreakerState, error)
}

// UsageReporter reports bytes used per cache tier.
type UsageReporter interface {
	Usage(ctx context.Context) (map[domain.Tier]int64, error)
}

// Monitor aggregates health status from breakers and cache tiers.
type Monitor struct {
	breakers BreakerLister
	cache    UsageReporter
	ttl      time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a monitor. Reports are cached for ttl.
func NewMonitor(breakers BreakerLister, cache UsageReporter, ttl time.Duration) *Monitor {
	return &Monitor{breakers: breakers, cache: cache, ttl: ttl}
}

// CheckHealth returns the current report. An open breaker degrades the
// system; failing to read a store makes it critical.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.ttl {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Patterns:     make(map[domain.PatternID]PatternHealth),
		CacheBytes:   make(map[string]int64),
	}
	for _, p := range domain.KnownPatterns() {
		if p.Automatable() {
			report.Patterns[p] = PatternHealth{PatternID: p, Status: StatusHealthy, Breaker: domain.BreakerClosed}
		}
	}

	states, err := m.breakers.List(ctx)
	if err != nil {
		report.SystemStatus = StatusCritical
		report.Errors = append(report.Errors, "breakers: "+err.Error())
	}
	for _, st := range states {
		ph := PatternHealth{
			PatternID:           st.PatternID,
			Status:              StatusHealthy,
			Breaker:             st.State,
			ConsecutiveFailures: st.ConsecutiveFailures,
			OpenedAt:            st.OpenedAt,
		}
		switch st.State {
		case domain.BreakerOpen:
			ph.Status = StatusCritical
		case domain.BreakerHalfOpen:
			ph.Status = StatusDegraded
		}
		if ph.Status != StatusHealthy && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
		report.Patterns[st.PatternID] = ph
	}

	usage, err := m.cache.Usage(ctx)
	if err != nil {
		report.SystemStatus = StatusCritical
		report.Errors = append(report.Errors, "cache: "+err.Error())
	}
	for tier, n := range usage {
		report.CacheBytes[tier.String()] = n
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// Invalidate drops the cached report.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.lastReport = nil
	m.mu.Unlock()
}

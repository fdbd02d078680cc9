// Package health reports engine health over HTTP and gRPC and accepts
// failure events from the host pipeline.
package health

import (
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PatternHealth describes automated recovery availability for one pattern.
type PatternHealth struct {
	PatternID           domain.PatternID    `json:"pattern_id"`
	Status              SystemStatus        `json:"status"`
	Breaker             domain.BreakerState `json:"breaker"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenedAt            time.Time           `json:"opened_at,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                      `json:"system_status"`
	Patterns     map[domain.PatternID]PatternHealth `json:"patterns"`
	CacheBytes   map[string]int64                  `json:"cache_bytes"`
	Errors       []string                          `json:"errors,omitempty"`
}

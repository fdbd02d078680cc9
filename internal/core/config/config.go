package config

import (
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/healing/classifier"
	"github.com/vietddude/selfheal/internal/healing/recovery"
	"github.com/vietddude/selfheal/internal/healing/risk"
	"github.com/vietddude/selfheal/internal/healing/safety"
	"github.com/vietddude/selfheal/internal/infra/kafka"
	redisclient "github.com/vietddude/selfheal/internal/infra/redis"
	"github.com/vietddude/selfheal/internal/infra/storage/badger"
	"github.com/vietddude/selfheal/internal/infra/storage/postgres"
	"github.com/vietddude/selfheal/internal/infra/toolchain"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Storage  StorageConfig      `yaml:"storage"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Badger   badger.Config      `yaml:"badger"`
	Kafka    kafka.Config       `yaml:"kafka"`

	Classifier classifier.Config    `yaml:"classifier"`
	Risk       RiskConfig           `yaml:"risk"`
	Breaker    safety.BreakerConfig `yaml:"breaker"`
	Safety     safety.Config        `yaml:"safety"`
	Cache      CacheConfig          `yaml:"cache"`
	Recovery   RecoveryConfig       `yaml:"recovery"`
	Toolchain  toolchain.Config     `yaml:"toolchain"`

	Sweep       SweepConfig       `yaml:"sweep"`
	Intake      IntakeConfig      `yaml:"intake"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health service

	// HealthTTL is how long a health report is cached.
	HealthTTL time.Duration `yaml:"health_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig selects a backend per concern.
type StorageConfig struct {
	Cache   string `yaml:"cache"`   // memory, badger, redis
	State   string `yaml:"state"`   // memory, redis: breakers and failure history
	Records string `yaml:"records"` // memory, postgres: metrics records and attempt history
}

// RiskConfig extends the assessor policy with the repeat-failure window.
type RiskConfig struct {
	risk.Config `yaml:",inline"`

	RepeatWindow time.Duration `yaml:"repeat_window"`
}

// CacheConfig holds tier budgets and snapshot settings.
type CacheConfig struct {
	DependencyBudget int64         `yaml:"dependency_budget_bytes"`
	ArtifactBudget   int64         `yaml:"artifact_budget_bytes"`
	DependencyMaxAge time.Duration `yaml:"dependency_max_age"`
	ArtifactMaxAge   time.Duration `yaml:"artifact_max_age"`
	BackupRetention  int           `yaml:"backup_retention"`
	MinSimilarity    float64       `yaml:"min_similarity"`
	RebuildTimeout   time.Duration `yaml:"rebuild_timeout"`

	Similarity SimilarityWeights `yaml:"similarity"`
}

// SimilarityWeights weight the three environment fingerprint components.
type SimilarityWeights struct {
	Platform float64 `yaml:"platform"`
	Tools    float64 `yaml:"tools"`
	Manifest float64 `yaml:"manifest"`
}

// Manager converts the section into cache manager configuration.
func (c CacheConfig) Manager() cache.Config {
	return cache.Config{
		Budgets: map[domain.Tier]int64{
			domain.TierDependency: c.DependencyBudget,
			domain.TierArtifact:   c.ArtifactBudget,
		},
		MaxAge: map[domain.Tier]time.Duration{
			domain.TierDependency: c.DependencyMaxAge,
			domain.TierArtifact:   c.ArtifactMaxAge,
		},
		BackupRetention: c.BackupRetention,
		MinSimilarity:   c.MinSimilarity,
		RebuildTimeout:  c.RebuildTimeout,
		Similarity: cache.ComponentSimilarity{
			Platform: c.Similarity.Platform,
			Tools:    c.Similarity.Tools,
			Manifest: c.Similarity.Manifest,
		},
	}
}

// RecoveryConfig holds orchestrator timeouts, step budgets and scoring.
type RecoveryConfig struct {
	recovery.Config `yaml:",inline"`

	Steps   recovery.StepBudget    `yaml:"steps"`
	Scoring recovery.ScoringConfig `yaml:"scoring"`
}

// SweepConfig controls the periodic cache health sweep.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// IntakeConfig rate limits incoming failure events.
type IntakeConfig struct {
	Rate  float64 `yaml:"rate"` // events per second, 0 = unlimited
	Burst int     `yaml:"burst"`
}

// MaintenanceConfig controls eviction and record retention.
type MaintenanceConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MetricsRetention time.Duration `yaml:"metrics_retention"` // 0 = keep forever
}

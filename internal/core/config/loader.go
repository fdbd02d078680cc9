package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/selfheal/internal/healing/classifier"
	"github.com/vietddude/selfheal/internal/healing/recovery"
	"github.com/vietddude/selfheal/internal/healing/risk"
	"github.com/vietddude/selfheal/internal/healing/safety"
	"github.com/vietddude/selfheal/internal/infra/kafka"
	"github.com/vietddude/selfheal/internal/infra/storage/badger"
	"github.com/vietddude/selfheal/internal/infra/toolchain"
)

// Default returns a configuration that runs entirely in memory.
func Default() *AppConfig {
	return &AppConfig{
		Server:  ServerConfig{Port: 8080, HealthTTL: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Cache:   BackendMemory,
			State:   BackendMemory,
			Records: BackendMemory,
		},
		Badger: badger.DefaultConfig("data/cache"),
		Kafka:  kafka.Config{Topic: "selfheal.escalations", WriteTimeout: 10 * time.Second},

		Classifier: classifier.DefaultConfig(),
		Risk:       RiskConfig{Config: risk.DefaultConfig(), RepeatWindow: 24 * time.Hour},
		Breaker:    safety.DefaultBreakerConfig(),
		Safety:     safety.DefaultConfig(),
		Cache: CacheConfig{
			DependencyBudget: 2 << 30,
			ArtifactBudget:   4 << 30,
			DependencyMaxAge: 7 * 24 * time.Hour,
			ArtifactMaxAge:   3 * 24 * time.Hour,
			BackupRetention:  3,
			MinSimilarity:    0.5,
			RebuildTimeout:   15 * time.Minute,
			Similarity:       SimilarityWeights{Platform: 0.5, Tools: 0.3, Manifest: 0.2},
		},
		Recovery: RecoveryConfig{
			Config:  recovery.DefaultConfig(),
			Steps:   recovery.DefaultStepBudget(),
			Scoring: recovery.DefaultScoringConfig(),
		},
		Toolchain: toolchain.DefaultConfig(),

		Sweep:       SweepConfig{Interval: 15 * time.Minute},
		Intake:      IntakeConfig{Rate: 5, Burst: 20},
		Maintenance: MaintenanceConfig{Interval: time.Hour, MetricsRetention: 90 * 24 * time.Hour},
	}
}

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	unit := func(v float64) bool { return v >= 0 && v <= 1 }

	check(c.Server.Port >= 0 && c.Server.Port <= 65535, "server.port out of range: %d", c.Server.Port)
	check(c.Server.GRPCPort >= 0 && c.Server.GRPCPort <= 65535, "server.grpc_port out of range: %d", c.Server.GRPCPort)
	check(oneOf(c.Storage.Cache, BackendMemory, BackendBadger, BackendRedis), "storage.cache: unknown backend %q", c.Storage.Cache)
	check(oneOf(c.Storage.State, BackendMemory, BackendRedis), "storage.state: unknown backend %q", c.Storage.State)
	check(oneOf(c.Storage.Records, BackendMemory, BackendPostgres), "storage.records: unknown backend %q", c.Storage.Records)
	check((c.Storage.State != BackendRedis && c.Storage.Cache != BackendRedis) || c.Redis.URL != "",
		"redis.url is required by the redis backend")
	check(c.Storage.Records != BackendPostgres || c.Database.URL != "", "database.url is required by the postgres backend")

	check(unit(c.Classifier.ConfidenceFloor), "classifier.confidence_floor must be in [0,1]")
	check(unit(c.Classifier.ConfidenceThreshold), "classifier.confidence_threshold must be in [0,1]")
	check(c.Classifier.ConfidenceFloor <= c.Classifier.ConfidenceThreshold,
		"classifier.confidence_floor must not exceed confidence_threshold")
	check(unit(c.Risk.Threshold), "risk.threshold must be in [0,1]")
	check(unit(c.Risk.ConfidenceThreshold), "risk.confidence_threshold must be in [0,1]")
	check(c.Risk.Weights.Confidence >= 0 && c.Risk.Weights.Complexity >= 0 && c.Risk.Weights.Repeat >= 0,
		"risk.weights must not be negative")

	check(c.Breaker.Threshold >= 1, "breaker.threshold must be at least 1")
	check(c.Breaker.ResetTimeout > 0, "breaker.reset_timeout must be positive")
	check(c.Breaker.MaxResetTimeout >= c.Breaker.ResetTimeout, "breaker.max_reset_timeout must not be below reset_timeout")
	check(c.Breaker.TrialLease > 0, "breaker.trial_lease must be positive")
	check(c.Safety.MaxParallelism >= 1, "safety.max_parallelism must be at least 1")
	check(c.Safety.DeliveryTries >= 1, "safety.delivery_tries must be at least 1")

	check(c.Cache.DependencyBudget >= 0 && c.Cache.ArtifactBudget >= 0, "cache budgets must not be negative")
	check(c.Cache.BackupRetention >= 1, "cache.backup_retention must be at least 1")
	check(unit(c.Cache.MinSimilarity), "cache.min_similarity must be in [0,1]")

	check(c.Recovery.BackoffBase > 0 && c.Recovery.BackoffMax >= c.Recovery.BackoffBase,
		"recovery backoff must satisfy 0 < backoff_base <= backoff_max")
	check(c.Recovery.Steps.Retries >= 0, "recovery.steps.retries must not be negative")
	check(c.Recovery.Steps.MaxAttempts >= 1, "recovery.steps.max_attempts must be at least 1")
	check(unit(c.Recovery.Scoring.Floor), "recovery.scoring.floor must be in [0,1]")

	check(!c.Sweep.Enabled || c.Sweep.Interval > 0, "sweep.interval must be positive when the sweep is enabled")
	check(c.Intake.Rate >= 0, "intake.rate must not be negative")
	check(c.Maintenance.MetricsRetention >= 0, "maintenance.metrics_retention must not be negative")

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}

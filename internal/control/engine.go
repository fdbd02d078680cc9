package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/vietddude/selfheal/internal/core/config"
	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/core/worker"
	"github.com/vietddude/selfheal/internal/healing/cache"
	"github.com/vietddude/selfheal/internal/healing/classifier"
	"github.com/vietddude/selfheal/internal/healing/health"
	"github.com/vietddude/selfheal/internal/healing/metrics"
	"github.com/vietddude/selfheal/internal/healing/recovery"
	"github.com/vietddude/selfheal/internal/healing/risk"
	"github.com/vietddude/selfheal/internal/healing/safety"
	"github.com/vietddude/selfheal/internal/infra/kafka"
	redisclient "github.com/vietddude/selfheal/internal/infra/redis"
	"github.com/vietddude/selfheal/internal/infra/storage"
	"github.com/vietddude/selfheal/internal/infra/storage/badger"
	"github.com/vietddude/selfheal/internal/infra/storage/memory"
	"github.com/vietddude/selfheal/internal/infra/storage/postgres"
	"github.com/vietddude/selfheal/internal/infra/toolchain"
)

// Engine wires every component from configuration and owns their lifecycle.
type Engine struct {
	cfg *config.AppConfig

	toolchain  *toolchain.Exec
	stores     map[domain.Tier]storage.TierStore
	cache      *cache.Manager
	controller *safety.Controller
	limiter    *rate.Limiter

	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	maintenance  *worker.Maintenance

	db          *postgres.DB
	redisClient *redisclient.Client
	gcStores    []*badger.TierStore
	closers     []io.Closer
}

// backends holds the repositories selected by StorageConfig.
type backends struct {
	tiers    map[domain.Tier]storage.TierStore
	breakers storage.BreakerRepository
	history  storage.FailureHistoryRepository
	records  storage.MetricsRepository
	attempts storage.AttemptRepository
}

// NewEngine creates a new Engine with all dependencies initialized.
func NewEngine(cfg *config.AppConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e := &Engine{cfg: cfg}

	// 1. Storage
	b, err := e.openBackends(context.Background())
	if err != nil {
		e.closeAll()
		return nil, err
	}

	// 2. Collaborators
	tc, err := toolchain.New(cfg.Toolchain)
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("failed to init toolchain: %w", err)
	}
	e.toolchain = tc
	e.stores = b.tiers

	mgr, err := cache.NewManager(cfg.Cache.Manager(), b.tiers)
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("failed to init cache manager: %w", err)
	}
	e.cache = mgr

	// 3. Pipeline
	cls, err := classifier.New(cfg.Classifier, classifier.DefaultMatchers()...)
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("failed to init classifier: %w", err)
	}
	assessor := risk.NewAssessor(cfg.Risk.Config)
	contexts := risk.NewContextBuilder(assessor, tc, b.history, cfg.Risk.RepeatWindow)

	registry := recovery.NewRegistry()
	for _, s := range recovery.BuiltinStrategies(cfg.Recovery.Steps) {
		if err := registry.Register(s); err != nil {
			e.closeAll()
			return nil, fmt.Errorf("failed to register strategy %s: %w", s.ID, err)
		}
	}
	registry.Freeze()

	orch := recovery.NewOrchestrator(
		cfg.Recovery.Config,
		registry,
		mgr,
		tc,
		recovery.NewVerifier(mgr, tc),
		recovery.NewScorer(b.records, cfg.Recovery.Scoring),
	)

	escalator, err := e.newEscalator()
	if err != nil {
		e.closeAll()
		return nil, err
	}

	var opts []safety.Option
	if e.redisClient != nil && cfg.Storage.State == config.BackendRedis {
		opts = append(opts, safety.WithDistributedLock(
			redisclient.NewLocker(e.redisClient),
			func(err error) bool { return errors.Is(err, redisclient.ErrLockHeld) },
		))
	}

	ctrl, err := safety.NewController(cfg.Safety, safety.Deps{
		Classifier:   cls,
		Contexts:     contexts,
		Assessor:     assessor,
		Orchestrator: orch,
		Breakers:     safety.NewBreakers(b.breakers, cfg.Breaker),
		Attempts:     b.attempts,
		Records:      b.records,
		Escalator:    escalator,
	}, opts...)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	e.controller = ctrl

	limit := rate.Inf
	if cfg.Intake.Rate > 0 {
		limit = rate.Limit(cfg.Intake.Rate)
	}
	e.limiter = rate.NewLimiter(limit, max(cfg.Intake.Burst, 1))

	// 4. Health, workers
	e.healthMon = health.NewMonitor(ctrl.Breakers(), mgr, cfg.Server.HealthTTL)
	e.healthServer = health.NewServer(e.healthMon, e, ctrl.Breakers(), cfg.Server.Port)
	if cfg.Server.GRPCPort > 0 {
		e.grpcServer = health.NewGRPCServer(e.healthMon, cfg.Server.GRPCPort, cfg.Server.HealthTTL)
	}
	e.maintenance = worker.NewMaintenance(
		cfg.Maintenance.Interval,
		cfg.Maintenance.MetricsRetention,
		mgr,
		b.records,
	)

	return e, nil
}

func (e *Engine) openBackends(ctx context.Context) (*backends, error) {
	cfg := e.cfg
	b := &backends{tiers: make(map[domain.Tier]storage.TierStore, len(domain.Tiers))}

	if cfg.Storage.State == config.BackendRedis || cfg.Storage.Cache == config.BackendRedis {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		e.redisClient = client
		e.closers = append(e.closers, client)
	}

	// Cache tiers: memory keeps everything in process; badger moves the
	// artifact and backup tiers to disk; redis additionally moves the
	// dependency tier to Redis.
	for _, tier := range domain.Tiers {
		b.tiers[tier] = memory.NewTierStore()
	}
	if cfg.Storage.Cache == config.BackendBadger || cfg.Storage.Cache == config.BackendRedis {
		for _, tier := range []domain.Tier{domain.TierArtifact, domain.TierBackup} {
			bcfg := cfg.Badger
			if !bcfg.InMemory {
				bcfg.Path = filepath.Join(cfg.Badger.Path, tier.Prefix())
			}
			store, err := badger.NewTierStore(bcfg)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s tier store: %w", tier, err)
			}
			b.tiers[tier] = store
			e.gcStores = append(e.gcStores, store)
			e.closers = append(e.closers, store)
		}
		slog.Info("Using Badger cache storage", "path", cfg.Badger.Path, "in_memory", cfg.Badger.InMemory)
	}
	if cfg.Storage.Cache == config.BackendRedis {
		b.tiers[domain.TierDependency] = redisclient.NewTierStore(e.redisClient, domain.TierDependency)
		slog.Info("Using Redis dependency cache")
	}

	mem := memory.NewMemoryStorage()
	if cfg.Storage.State == config.BackendRedis {
		b.breakers = redisclient.NewBreakerRepo(e.redisClient)
		b.history = redisclient.NewFailureHistoryRepo(e.redisClient)
		slog.Info("Using Redis state storage")
	} else {
		b.breakers = memory.NewBreakerRepo(mem)
		b.history = memory.NewFailureHistoryRepo(mem)
	}

	if cfg.Storage.Records == config.BackendPostgres {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		e.db = db
		e.closers = append(e.closers, db)
		if err := db.Migrate(ctx); err != nil {
			return nil, err
		}
		b.records = postgres.NewMetricsRepo(db)
		b.attempts = postgres.NewAttemptRepo(db)
		slog.Info("Using PostgreSQL record storage")
	} else {
		b.records = memory.NewMetricsRepo(mem)
		b.attempts = memory.NewAttemptRepo(mem)
	}

	return b, nil
}

func (e *Engine) newEscalator() (safety.Escalator, error) {
	if len(e.cfg.Kafka.Brokers) == 0 {
		return safety.LogEscalator{}, nil
	}
	k, err := kafka.NewEscalator(e.cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("failed to init kafka escalator: %w", err)
	}
	e.closers = append(e.closers, k)
	slog.Info("Publishing escalations to Kafka", "topic", e.cfg.Kafka.Topic)
	return safety.MultiEscalator{safety.LogEscalator{}, k}, nil
}

// Submit runs an externally triggered event through the pipeline. Intake is
// rate limited; a rejected event returns domain.ErrIntakeThrottled.
func (e *Engine) Submit(ctx context.Context, ev domain.FailureEvent) (*safety.Outcome, error) {
	if !e.limiter.Allow() {
		metrics.EventsDropped.WithLabelValues("throttled").Inc()
		slog.Warn("Dropping failure event, intake throttled", "source", ev.Source)
		return nil, domain.ErrIntakeThrottled
	}
	return e.controller.Handle(ctx, ev)
}

// Breakers exposes breaker administration.
func (e *Engine) Breakers() *safety.Breakers {
	return e.controller.Breakers()
}

// Fingerprint computes the environment fingerprint of the working copy.
func (e *Engine) Fingerprint(ctx context.Context) (string, error) {
	return e.toolchain.Fingerprint(ctx)
}

// Health returns the current health report.
func (e *Engine) Health(ctx context.Context) *health.HealthReport {
	return e.healthMon.CheckHealth(ctx)
}

// Start starts the servers and background workers. It does not block.
func (e *Engine) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := e.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()

	if e.grpcServer != nil {
		go func() {
			if err := e.grpcServer.Start(ctx); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}
	for _, s := range e.gcStores {
		go s.RunGC(ctx)
	}

	go e.maintenance.Start(ctx)

	if e.cfg.Sweep.Enabled {
		go e.runSweeper(ctx)
	}

	slog.Info("Self-healing engine started",
		"port", e.cfg.Server.Port,
		"grpc_port", e.cfg.Server.GRPCPort,
		"sweep", e.cfg.Sweep.Enabled,
	)
	return nil
}

// Stop stops the servers and releases every backend.
func (e *Engine) Stop(ctx context.Context) error {
	slog.Info("Stopping self-healing engine...")

	if e.grpcServer != nil {
		e.grpcServer.Stop()
	}
	err := e.healthServer.Stop(ctx)
	e.closeAll()
	return err
}

func (e *Engine) closeAll() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			slog.Warn("Failed to close backend", "error", err)
		}
	}
	e.closers = nil
}

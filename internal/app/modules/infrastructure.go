package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/config"
	"farmops.io/bulkops/internal/coordination"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/fixtures"
	"farmops.io/bulkops/internal/infrastructure"
	"farmops.io/bulkops/internal/metrics"
	"farmops.io/bulkops/internal/permission"
	"farmops.io/bulkops/internal/pkg/clock"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/pkg/tracing"
	"farmops.io/bulkops/internal/pkg/worker"
	"farmops.io/bulkops/internal/store"
	"farmops.io/bulkops/internal/store/postgres"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	Clock  clock.Clock
	Events *domain.EventDispatcher
	Pools  *worker.Pools

	// Store is the engine persistence. PGStore is set on the postgres backend only.
	Store    store.Store
	PGStore  *postgres.Store
	Entities entity.Store
	Perms    permission.Checker

	// DB is nil on the memory backend.
	DB          *infrastructure.DatabaseClients
	RiverClient *river.Client[pgx.Tx]
	Redis       *redis.Client
	Claimer     coordination.Claimer

	MetricsRegistry *prometheus.Registry
	Metrics         *metrics.Metrics

	tracingShutdown tracing.ShutdownFunc
}

// NewInfrastructure initializes tracing, pools, the storage backend and the
// optional Redis claim lock.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Stdout:      cfg.Tracing.Stdout,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	infra := &Infrastructure{
		Config:          cfg,
		Clock:           clock.System{},
		Events:          domain.NewEventDispatcher(),
		tracingShutdown: shutdownTracing,
	}

	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		err = infra.initMemory(ctx)
	default:
		err = infra.initPostgres(ctx)
	}
	if err != nil {
		infra.Close()
		return nil, err
	}

	if cfg.Redis.Enabled() {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		infra.Redis = client
		infra.Claimer = coordination.NewRedisClaimer(client, cfg.Redis.ClaimTTL)
	} else {
		infra.Claimer = coordination.NewLocalClaimer()
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		ItemsPoolSize:   cfg.Worker.ItemsPoolSize,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	infra.MetricsRegistry = prometheus.NewRegistry()
	infra.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	infra.Metrics = metrics.New(infra.MetricsRegistry)
	infra.Metrics.ObservePools(pools)

	return infra, nil
}

func (i *Infrastructure) initPostgres(ctx context.Context) error {
	db, err := infrastructure.NewDatabaseClients(ctx, i.Config.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	i.DB = db

	if i.Config.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	i.PGStore = postgres.New(db.Pool)
	i.Store = i.PGStore
	i.Entities = entity.NewPostgres(db.Pool)
	i.Perms = permission.NewPostgres(db.Pool)
	return nil
}

func (i *Infrastructure) initMemory(ctx context.Context) error {
	ents := entity.NewMemory()
	perms := permission.NewStatic()
	if path := i.Config.Store.FixturesFile; path != "" {
		f, err := fixtures.Load(path)
		if err != nil {
			return fmt.Errorf("load fixtures: %w", err)
		}
		sum, err := fixtures.Apply(ctx, f, fixtures.MemorySink{Entities: ents, Perms: perms})
		if err != nil {
			return fmt.Errorf("apply fixtures: %w", err)
		}
		logger.Info("Memory backend preloaded",
			zap.String("file", path),
			zap.Int("farms", sum.Farms),
			zap.Int("animals", sum.Animals),
			zap.Int("health_records", sum.HealthRecords),
		)
	}
	logger.Warn("Using the in-memory store; data is lost on restart")

	i.Store = store.NewMemory()
	i.Entities = ents
	i.Perms = perms
	return nil
}

// InitRiver initializes the River client on top of a prepared worker
// registry. It is a no-op on the memory backend.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	var sweep time.Duration
	if i.Config.Retention.OperationDays > 0 {
		sweep = i.Config.Retention.SweepInterval
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River, sweep, i.Config.Executor.StaleSweepInterval); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Readiness returns the dependency checks behind /health/ready.
func (i *Infrastructure) Readiness() map[string]handlers.ReadinessCheck {
	checks := map[string]handlers.ReadinessCheck{}
	if i.Store != nil {
		checks["store"] = i.Store.Ping
	}
	if i.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return i.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
	if i.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := i.tracingShutdown(ctx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

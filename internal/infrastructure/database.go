// Package infrastructure provides database, queue and Redis connection setup.
//
// One pgxpool is shared by the operation store, the entity store, the
// permission store and River, so the approval transaction can enqueue the
// execution job atomically.
//
// Import Path: farmops.io/bulkops/internal/infrastructure
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/config"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/jobs"
	"farmops.io/bulkops/internal/permission"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store/postgres"
)

// DatabaseClients contains all database-related clients.
//
// Do not open a second pool next to Pool; River and the stores must share it.
type DatabaseClients struct {
	// Pool is the shared connection pool.
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by Pool. It is nil
	// until InitRiverClient runs.
	RiverClient *river.Client[pgx.Tx]
}

// NewDatabaseClients creates the shared connection pool and verifies it.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	// Timestamps are stored and compared in UTC.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)
	return &DatabaseClients{Pool: pool}, nil
}

// AutoMigrate applies the engine schemas and the River queue tables.
// Statements are idempotent; production deployments may run them out of band.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context, *pgxpool.Pool) error
	}{
		{"operations", postgres.Migrate},
		{"entities", entity.Migrate},
		{"permissions", permission.Migrate},
	}
	for _, s := range steps {
		if err := s.fn(ctx, c.Pool); err != nil {
			return fmt.Errorf("migrate %s schema: %w", s.name, err)
		}
	}
	logger.Info("Engine schema migration completed")

	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("River migration completed", zap.Int("versions_applied", len(res.Versions)))
	} else {
		logger.Info("River migration: already up-to-date")
	}
	return nil
}

// InitRiverClient creates a River client with the registered workers and the
// periodic maintenance sweeps. A zero interval disables that sweep.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, cfg config.RiverConfig, sweepInterval, staleInterval time.Duration) error {
	var periodic []*river.PeriodicJob
	if sweepInterval > 0 {
		periodic = append(periodic, jobs.RetentionPeriodicJob(sweepInterval))
	}
	if staleInterval > 0 {
		periodic = append(periodic, jobs.StaleSweepPeriodicJob(staleInterval))
	}
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues:                      jobs.Queues(cfg.MaxWorkers),
		Workers:                     workers,
		PeriodicJobs:                periodic,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("River client initialized",
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Duration("retention_sweep_interval", sweepInterval),
		zap.Duration("stale_sweep_interval", staleInterval),
	)
	return nil
}

// Close closes the pool. Stop the River client first.
func (c *DatabaseClients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

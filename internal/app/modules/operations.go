package modules

import (
	"context"

	"github.com/riverqueue/river"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/jobs"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/stats"
)

// OperationsModule wires the operation registry, the failure ledger, the
// batch executor and the stats aggregator.
type OperationsModule struct {
	infra    *Infrastructure
	Registry *operation.Registry
	Ledger   *ledger.Ledger
	Executor *executor.Executor
	Stats    *stats.Aggregator
}

// NewOperationsModule creates the operations module.
func NewOperationsModule(infra *Infrastructure) *OperationsModule {
	cfg := infra.Config.Executor
	registry := operation.NewRegistry(infra.Store, infra.Clock, infra.Events)
	l := ledger.New(infra.Store, infra.Clock, cfg.MaxRetryAttempts)
	exec := executor.New(registry, l, infra.Entities, executor.Config{
		Parallelism:        cfg.Parallelism,
		Deadline:           cfg.Deadline,
		ItemsPerSecond:     cfg.ItemsPerSecond,
		CancelPollInterval: cfg.CancelPollInterval,
	},
		executor.WithClaimer(infra.Claimer),
		executor.WithPools(infra.Pools),
		executor.WithEvents(infra.Events),
	)
	return &OperationsModule{
		infra:    infra,
		Registry: registry,
		Ledger:   l,
		Executor: exec,
		Stats:    stats.New(registry, l),
	}
}

func (m *OperationsModule) Name() string { return "operations" }

func (m *OperationsModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Registry = m.Registry
	deps.Ledger = m.Ledger
	deps.Executor = m.Executor
	deps.Stats = m.Stats
}

// RegisterWorkers adds the execution and maintenance workers. River only runs
// on the postgres backend.
func (m *OperationsModule) RegisterWorkers(workers *river.Workers) {
	if m.infra.DB == nil {
		return
	}
	jobs.AddWorkers(workers, jobs.Deps{
		Executor:          m.Executor,
		Registry:          m.Registry,
		ExecutionDeadline: m.infra.Config.Executor.Deadline,
		RetentionDays:     m.infra.Config.Retention.OperationDays,
		StaleAfter:        m.infra.Config.Executor.StaleAfter,
	})
}

func (m *OperationsModule) Shutdown(context.Context) error { return nil }

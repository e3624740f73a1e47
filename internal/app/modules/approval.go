package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/config"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/governance/approval"
	"farmops.io/bulkops/internal/jobs"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

// ApprovalModule wires the approval gateway and the dispatcher that starts
// approved batch edits.
type ApprovalModule struct {
	gateway    *approval.Gateway
	ops        *OperationsModule
	mode       string
	staleAfter time.Duration
	recovery   executor.Dispatcher
	// stopRuns interrupts synchronous batches on shutdown; a client
	// disconnect does not.
	stopRuns context.CancelFunc
}

// NewApprovalModule creates the approval module. It must run after the River
// client is initialized, since queue mode enqueues inside the approval
// transaction.
func NewApprovalModule(infra *Infrastructure, ops *OperationsModule) (*ApprovalModule, error) {
	if infra == nil || infra.Config == nil || infra.Store == nil || infra.Entities == nil || infra.Perms == nil {
		return nil, fmt.Errorf("approval module requires store, entity store and permission checker")
	}
	if ops == nil || ops.Registry == nil || ops.Executor == nil {
		return nil, fmt.Errorf("approval module requires the operations module")
	}

	gateway := approval.NewGateway(infra.Store, ops.Registry, infra.Entities, infra.Perms, infra.Events)
	lifetime, stopRuns := context.WithCancel(context.Background())
	m := &ApprovalModule{
		gateway:    gateway,
		ops:        ops,
		mode:       infra.Config.Executor.Mode,
		staleAfter: infra.Config.Executor.StaleAfter,
		stopRuns:   stopRuns,
	}

	switch m.mode {
	case config.ExecutorModeQueue:
		if infra.PGStore == nil || infra.RiverClient == nil {
			return nil, fmt.Errorf("executor mode %q requires the postgres store and a river client", m.mode)
		}
		// The job is inserted by the approval transaction; no dispatcher.
		infra.PGStore.SetApproveHook(jobs.ApproveHook(infra.RiverClient))
		m.recovery = jobs.NewQueueDispatcher(infra.RiverClient)
	case config.ExecutorModeBackground:
		d := executor.NewBackgroundDispatcher(ops.Executor, infra.Pools)
		gateway.SetDispatcher(d)
		m.recovery = d
	default:
		gateway.SetDispatcher(executor.NewSyncDispatcher(ops.Executor).WithLifetime(lifetime))
		m.recovery = executor.NewBackgroundDispatcher(ops.Executor, infra.Pools)
	}

	logger.Info("Approval gateway wired", zap.String("executor_mode", m.mode))
	return m, nil
}

func (m *ApprovalModule) Name() string { return "approval" }

func (m *ApprovalModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Gateway = m.gateway
}

func (m *ApprovalModule) RegisterWorkers(_ *river.Workers) {}

// Recover settles batch edits abandoned by a dead executor, then dispatches
// approved batch edits that never started, e.g. after a restart in background
// mode. It returns how many were dispatched.
func (m *ApprovalModule) Recover(ctx context.Context) (int, error) {
	if settled, err := m.ops.Executor.SettleStale(ctx, m.staleAfter); err != nil {
		logger.Warn("Failed to settle stale operations", zap.Error(err))
	} else if settled > 0 {
		logger.Info("Settled stale batch edits", zap.Int("count", settled))
	}

	pending, err := m.ops.Registry.List(ctx, store.OperationQuery{
		OperationType: domain.OperationTypeBatchEdit,
		Status:        domain.OperationStatusPending,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range pending {
		if err := m.recovery.Dispatch(ctx, op); err != nil {
			return n, fmt.Errorf("recover operation %s: %w", op.ID, err)
		}
		n++
	}
	if n > 0 {
		logger.Info("Recovered pending batch edits", zap.Int("count", n), zap.String("executor_mode", m.mode))
	}
	return n, nil
}

func (m *ApprovalModule) Shutdown(context.Context) error {
	if m.stopRuns != nil {
		m.stopRuns()
	}
	return nil
}

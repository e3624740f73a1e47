package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/pkg/worker"
)

// Dispatcher starts execution of a newly created operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, op *domain.BulkOperation) error
}

// SyncDispatcher executes within the caller's request. The batch outlives
// the caller: a disconnect does not stop it, only the end of the dispatcher's
// lifetime (process shutdown) or a cancel request does.
type SyncDispatcher struct {
	exec     *Executor
	lifetime context.Context
}

// NewSyncDispatcher creates a SyncDispatcher that lives as long as the process.
func NewSyncDispatcher(exec *Executor) *SyncDispatcher {
	return &SyncDispatcher{exec: exec, lifetime: context.Background()}
}

// WithLifetime interrupts running batches once ctx is done.
func (d *SyncDispatcher) WithLifetime(ctx context.Context) *SyncDispatcher {
	d.lifetime = ctx
	return d
}

// Dispatch runs the operation to completion. The outcome is reflected in the
// operation record, so only failures to start are returned.
func (d *SyncDispatcher) Dispatch(ctx context.Context, op *domain.BulkOperation) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(d.lifetime, cancel)
	defer stop()

	_, err := d.exec.ExecuteOperation(runCtx, op.ID)
	return err
}

// BackgroundDispatcher executes on the general worker pool.
type BackgroundDispatcher struct {
	exec  *Executor
	pools *worker.Pools
}

// NewBackgroundDispatcher creates a BackgroundDispatcher.
func NewBackgroundDispatcher(exec *Executor, pools *worker.Pools) *BackgroundDispatcher {
	return &BackgroundDispatcher{exec: exec, pools: pools}
}

// Dispatch submits the operation and returns immediately.
func (d *BackgroundDispatcher) Dispatch(_ context.Context, op *domain.BulkOperation) error {
	id := op.ID
	err := d.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		if _, err := d.exec.ExecuteOperation(ctx, id); err != nil {
			logger.Error("Background execution failed to start",
				zap.String("operation_id", id),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("submit operation %s: %w", id, err)
	}
	return nil
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, op *domain.BulkOperation) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, op *domain.BulkOperation) error {
	return f(ctx, op)
}

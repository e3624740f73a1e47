package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/executor"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

// BulkExecuteArgs carries only the operation id (claim-check).
type BulkExecuteArgs struct {
	OperationID string `json:"operation_id"`
}

// Kind returns the job kind identifier for bulk execution.
func (BulkExecuteArgs) Kind() string { return "bulk_execute" }

// InsertOpts runs each operation at most once. Execution is not resumable, so
// a crashed attempt is not retried; the operation stays in-progress and its
// claim expires.
func (BulkExecuteArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueBulkOperations,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// BulkExecuteWorker executes approved operations.
type BulkExecuteWorker struct {
	river.WorkerDefaults[BulkExecuteArgs]
	exec     *executor.Executor
	deadline time.Duration
}

// NewBulkExecuteWorker creates a BulkExecuteWorker. deadline is the executor
// deadline; 0 means executions are unbounded.
func NewBulkExecuteWorker(exec *executor.Executor, deadline time.Duration) *BulkExecuteWorker {
	return &BulkExecuteWorker{exec: exec, deadline: deadline}
}

// Timeout leaves room for the executor to settle and record its own deadline
// abort before River cancels the job context.
func (w *BulkExecuteWorker) Timeout(*river.Job[BulkExecuteArgs]) time.Duration {
	if w.deadline <= 0 {
		return -1
	}
	return w.deadline + time.Minute
}

// Work runs the operation. An operation that is no longer pending was already
// executed or claimed; the job is cancelled rather than failed.
func (w *BulkExecuteWorker) Work(ctx context.Context, job *river.Job[BulkExecuteArgs]) error {
	if w == nil || w.exec == nil {
		return fmt.Errorf("bulk execute worker is not initialized")
	}
	id := job.Args.OperationID
	op, err := w.exec.ExecuteOperation(ctx, id)
	if err != nil {
		if apperrors.IsInvalidState(err) || apperrors.IsNotFound(err) || apperrors.IsValidation(err) {
			logger.Warn("Bulk execution job skipped",
				zap.String("operation_id", id),
				zap.Int64("job_id", job.ID),
				zap.Error(err),
			)
			return river.JobCancel(err)
		}
		return fmt.Errorf("execute operation %s: %w", id, err)
	}

	logger.Info("Bulk execution job completed",
		zap.String("operation_id", id),
		zap.Int64("job_id", job.ID),
		zap.String("status", string(op.Status)),
	)
	return nil
}

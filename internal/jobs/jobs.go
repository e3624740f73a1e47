// Package jobs defines River Queue job types for async processing.
//
// Claim-check pattern: a job carries only the operation id; the items and the
// change set are read from the stored operation when the job runs.
//
// Import Path: farmops.io/bulkops/internal/jobs
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store/postgres"
)

// QueueBulkOperations runs bulk execution jobs, separate from maintenance
// jobs on the default queue.
const QueueBulkOperations = "bulk_operations"

// Queues returns the River queue configuration.
func Queues(maxWorkers int) map[string]river.QueueConfig {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return map[string]river.QueueConfig{
		river.QueueDefault:  {MaxWorkers: 1},
		QueueBulkOperations: {MaxWorkers: maxWorkers},
	}
}

// Deps are the collaborators of the job workers.
type Deps struct {
	Executor          *executor.Executor
	Registry          *operation.Registry
	ExecutionDeadline time.Duration
	RetentionDays     int
	StaleAfter        time.Duration
}

// AddWorkers registers every worker of this package.
func AddWorkers(workers *river.Workers, deps Deps) {
	river.AddWorker(workers, NewBulkExecuteWorker(deps.Executor, deps.ExecutionDeadline))
	river.AddWorker(workers, NewOperationRetentionWorker(deps.Registry, deps.RetentionDays))
	river.AddWorker(workers, NewStaleSweepWorker(deps.Executor, deps.StaleAfter))
}

// Inserter is the subset of *river.Client[pgx.Tx] used for enqueueing.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ApproveHook enqueues the execution job inside the approval transaction, so
// an approved operation is never left without a job and a rolled back
// approval never leaves one behind.
func ApproveHook(client Inserter) postgres.ApproveTxHook {
	return func(ctx context.Context, tx pgx.Tx, op *domain.BulkOperation) error {
		res, err := client.InsertTx(ctx, tx, BulkExecuteArgs{OperationID: op.ID}, nil)
		if err != nil {
			return fmt.Errorf("enqueue execution of %s: %w", op.ID, err)
		}
		logger.Debug("Bulk execution enqueued",
			zap.String("operation_id", op.ID),
			zap.Int64("job_id", res.Job.ID),
		)
		return nil
	}
}

// QueueDispatcher enqueues execution outside of an approval transaction.
type QueueDispatcher struct {
	client Inserter
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(client Inserter) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

// Dispatch implements executor.Dispatcher. The unique options make a second
// enqueue of the same operation a no-op.
func (d *QueueDispatcher) Dispatch(ctx context.Context, op *domain.BulkOperation) error {
	res, err := d.client.Insert(ctx, BulkExecuteArgs{OperationID: op.ID}, nil)
	if err != nil {
		return fmt.Errorf("enqueue execution of %s: %w", op.ID, err)
	}
	if res.UniqueSkippedAsDuplicate {
		logger.Debug("Bulk execution already enqueued", zap.String("operation_id", op.ID))
	}
	return nil
}

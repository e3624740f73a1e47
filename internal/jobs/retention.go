package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/pkg/logger"
)

// RetentionActor is recorded as the actor of sweeps.
const RetentionActor = "system:retention"

// OperationRetentionArgs is a periodic maintenance job that purges finished
// operations older than the configured retention across all farms.
type OperationRetentionArgs struct{}

// Kind returns the job kind identifier for the retention sweep.
func (OperationRetentionArgs) Kind() string { return "operation_retention" }

// InsertOpts ensures at most one sweep is enqueued per hour.
func (OperationRetentionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// RetentionPeriodicJob schedules the sweep every interval, once at start.
func RetentionPeriodicJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return OperationRetentionArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// OperationRetentionWorker purges old operations with their approval requests
// and ledger rows.
type OperationRetentionWorker struct {
	river.WorkerDefaults[OperationRetentionArgs]
	registry *operation.Registry
	days     int
}

// NewOperationRetentionWorker creates a retention worker. Non-positive days
// disables purging.
func NewOperationRetentionWorker(registry *operation.Registry, days int) *OperationRetentionWorker {
	return &OperationRetentionWorker{registry: registry, days: days}
}

// Work runs one sweep.
func (w *OperationRetentionWorker) Work(ctx context.Context, _ *river.Job[OperationRetentionArgs]) error {
	if w == nil || w.registry == nil {
		return fmt.Errorf("operation retention worker is not initialized")
	}
	if w.days <= 0 {
		logger.Debug("Operation retention disabled")
		return nil
	}

	deleted, err := w.registry.PurgeOlderThan(ctx, "", w.days, RetentionActor)
	if err != nil {
		return fmt.Errorf("purge operations older than %d days: %w", w.days, err)
	}
	logger.Info("Operation retention sweep completed",
		zap.Int64("deleted_operations", deleted),
		zap.Int("retention_days", w.days),
	)
	return nil
}

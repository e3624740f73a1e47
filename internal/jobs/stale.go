package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/pkg/logger"
)

// StaleSweepArgs is a periodic maintenance job that fails in-progress
// operations whose executor died.
type StaleSweepArgs struct{}

// Kind returns the job kind identifier for the stale operation sweep.
func (StaleSweepArgs) Kind() string { return "operation_stale_sweep" }

// InsertOpts ensures at most one sweep is enqueued per minute.
func (StaleSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// StaleSweepPeriodicJob schedules the sweep every interval.
func StaleSweepPeriodicJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return StaleSweepArgs{}, nil
		},
		nil,
	)
}

// StaleSweepWorker settles abandoned operations.
type StaleSweepWorker struct {
	river.WorkerDefaults[StaleSweepArgs]
	exec  *executor.Executor
	grace time.Duration
}

// NewStaleSweepWorker creates a stale sweep worker. Operations are settled
// once they ran longer than the execution deadline plus grace.
func NewStaleSweepWorker(exec *executor.Executor, grace time.Duration) *StaleSweepWorker {
	return &StaleSweepWorker{exec: exec, grace: grace}
}

// Work runs one sweep.
func (w *StaleSweepWorker) Work(ctx context.Context, _ *river.Job[StaleSweepArgs]) error {
	if w == nil || w.exec == nil {
		return fmt.Errorf("stale sweep worker is not initialized")
	}
	settled, err := w.exec.SettleStale(ctx, w.grace)
	if err != nil {
		return fmt.Errorf("settle stale operations: %w", err)
	}
	if settled > 0 {
		logger.Info("Stale operation sweep completed", zap.Int("settled_operations", settled))
	}
	return nil
}

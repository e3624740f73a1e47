package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"farmops.io/bulkops/internal/coordination"
	"farmops.io/bulkops/internal/domain"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

// WorkerLostMessage is the error message of operations settled by SettleStale.
const WorkerLostMessage = "execution worker lost; unprocessed items counted as failed"

// SettleStale fails in-progress batch edits whose executor is gone: started
// longer ago than the deadline plus grace, and with no live claim. Their
// unprocessed remainder is counted as failed. It returns the number settled.
//
// No ledger rows are written for the remainder since which items were applied
// before the worker died is unknown.
func (e *Executor) SettleStale(ctx context.Context, grace time.Duration) (int, error) {
	ops, err := e.registry.List(ctx, store.OperationQuery{
		OperationType: domain.OperationTypeBatchEdit,
		Status:        domain.OperationStatusInProgress,
	})
	if err != nil {
		return 0, err
	}
	cutoff := e.registry.Clock().Now().Add(-(e.cfg.Deadline + grace))

	settled := 0
	for _, op := range ops {
		if op.StartedAt == nil || !op.StartedAt.Before(cutoff) {
			continue
		}
		ok, err := e.settleOne(ctx, op.ID)
		if err != nil {
			return settled, err
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}

func (e *Executor) settleOne(ctx context.Context, id string) (bool, error) {
	if e.claimer != nil {
		c, err := e.claimer.Claim(ctx, id)
		if errors.Is(err, coordination.ErrClaimHeld) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", id, err)
		}
		defer func() {
			if err := c.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to release stale operation claim", zap.String("operation_id", id), zap.Error(err))
			}
		}()
	}

	op, err := e.registry.Finish(ctx, id, domain.OperationStatusFailed, WorkerLostMessage)
	if err != nil {
		if apperrors.IsInvalidState(err) {
			// Finished by its executor between the list and the claim.
			return false, nil
		}
		return false, err
	}
	logger.Warn("Stale bulk operation settled",
		zap.String("operation_id", id),
		zap.Int("processed_items", op.ProcessedItems),
		zap.Int("failure_count", op.FailureCount),
	)
	return true, nil
}

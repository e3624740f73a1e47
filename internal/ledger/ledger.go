// Package ledger implements the Failure Ledger and the Retry Log.
//
// Both are append-only. A failure row is written at most once per
// (operation, item); retry attempts are numbered 1, 2, 3... per item by the
// store.
//
// Import Path: farmops.io/bulkops/internal/ledger
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/pkg/clock"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

// DefaultMaxAttempts is the per-item retry cap when none is configured.
const DefaultMaxAttempts = 5

// Ledger records item failures and retry attempts.
type Ledger struct {
	store       store.LedgerStore
	clock       clock.Clock
	maxAttempts int
}

// New creates a Ledger. maxAttempts < 1 selects DefaultMaxAttempts.
func New(s store.LedgerStore, clk clock.Clock, maxAttempts int) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Ledger{store: s, clock: clk, maxAttempts: maxAttempts}
}

// MaxAttempts returns the per-item retry cap.
func (l *Ledger) MaxAttempts() int { return l.maxAttempts }

// RecordFailure appends a failure row for itemID. It reports false when the
// item already has one.
func (l *Ledger) RecordFailure(ctx context.Context, op *domain.BulkOperation, itemID, code, message string, data *domain.ChangeSet) (bool, error) {
	f := &domain.FailureDetail{
		OperationID:  op.ID,
		ItemID:       itemID,
		ItemType:     op.EntityType(),
		ErrorCode:    code,
		ErrorMessage: message,
		ItemData:     data,
		RecordedAt:   l.clock.Now(),
	}
	return l.Append(ctx, f)
}

// Append stores f as given, stamping RecordedAt when unset.
func (l *Ledger) Append(ctx context.Context, f *domain.FailureDetail) (bool, error) {
	if f.ItemID == "" || f.ErrorCode == "" {
		return false, apperrors.Validation(apperrors.CodeInvalidRequestField, "item_id and error_code are required")
	}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = l.clock.Now()
	}
	inserted, err := l.store.AppendFailure(ctx, f)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, apperrors.ErrOperationNotFoundf(f.OperationID)
		}
		return false, fmt.Errorf("append failure for %s/%s: %w", f.OperationID, f.ItemID, err)
	}
	if inserted {
		logger.Debug("Item failure recorded",
			zap.String("operation_id", f.OperationID),
			zap.String("item_id", f.ItemID),
			zap.String("error_code", f.ErrorCode),
		)
	}
	return inserted, nil
}

// Failures lists the failure rows of an operation in recording order.
func (l *Ledger) Failures(ctx context.Context, operationID string) ([]*domain.FailureDetail, error) {
	rows, err := l.store.ListFailures(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("list failures of %s: %w", operationID, err)
	}
	return rows, nil
}

// Failure returns the failure row of one item.
func (l *Ledger) Failure(ctx context.Context, operationID, itemID string) (*domain.FailureDetail, error) {
	f, err := l.store.GetFailure(ctx, operationID, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeFailureNotFound, "no recorded failure for item").
				WithParams(map[string]interface{}{"operation_id": operationID, "item_id": itemID})
		}
		return nil, fmt.Errorf("get failure %s/%s: %w", operationID, itemID, err)
	}
	return f, nil
}

// Attempts lists retry attempts of one item, or of all items when itemID is empty.
func (l *Ledger) Attempts(ctx context.Context, operationID, itemID string) ([]*domain.RetryLogEntry, error) {
	entries, err := l.store.ListRetries(ctx, operationID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list retries of %s: %w", operationID, err)
	}
	return entries, nil
}

// CheckRetryBudget fails with RETRY_LIMIT_REACHED once an item has used all
// attempts. It returns the attempts made so far.
func (l *Ledger) CheckRetryBudget(ctx context.Context, operationID, itemID string) ([]*domain.RetryLogEntry, error) {
	entries, err := l.Attempts(ctx, operationID, itemID)
	if err != nil {
		return nil, err
	}
	if len(entries) >= l.maxAttempts {
		return entries, apperrors.InvalidState(apperrors.CodeRetryLimitReached,
			fmt.Sprintf("item %s already retried %d times", itemID, len(entries))).
			WithParams(map[string]interface{}{"operation_id": operationID, "item_id": itemID, "max_attempts": l.maxAttempts})
	}
	return entries, nil
}

// RecordRetry appends a retry attempt; the store assigns AttemptNumber.
func (l *Ledger) RecordRetry(ctx context.Context, e *domain.RetryLogEntry) (*domain.RetryLogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	out, err := l.store.AppendRetry(ctx, e)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrOperationNotFoundf(e.OperationID)
		}
		return nil, fmt.Errorf("append retry for %s/%s: %w", e.OperationID, e.ItemID, err)
	}
	logger.Info("Item retry recorded",
		zap.String("operation_id", out.OperationID),
		zap.String("item_id", out.ItemID),
		zap.Int("attempt_number", out.AttemptNumber),
		zap.String("outcome", string(out.Outcome)),
	)
	return out, nil
}

// Resolutions correlates every failure of an operation with its retries.
func (l *Ledger) Resolutions(ctx context.Context, operationID string) ([]*domain.FailureResolution, error) {
	failures, err := l.Failures(ctx, operationID)
	if err != nil {
		return nil, err
	}
	retries, err := l.Attempts(ctx, operationID, "")
	if err != nil {
		return nil, err
	}
	return domain.Resolve(failures, retries), nil
}

// Unresolved returns failures without a successful retry.
func (l *Ledger) Unresolved(ctx context.Context, operationID string) ([]*domain.FailureResolution, error) {
	all, err := l.Resolutions(ctx, operationID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.FailureResolution, 0, len(all))
	for _, r := range all {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out, nil
}

// Totals summarizes the ledgers of a set of operations.
func (l *Ledger) Totals(ctx context.Context, operationIDs []string) (store.LedgerTotals, error) {
	t, err := l.store.LedgerTotals(ctx, operationIDs)
	if err != nil {
		return t, fmt.Errorf("ledger totals: %w", err)
	}
	return t, nil
}

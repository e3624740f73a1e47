// Package operation implements the Operation Registry: creation and lifecycle
// transitions of BulkOperations over a store.OperationStore.
//
// Every transition is a conditional write in the store, so the registry holds
// no per-operation state except in-process cancellation signals.
//
// Import Path: farmops.io/bulkops/internal/operation
package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/pkg/clock"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

// CreateInput describes a new operation.
type CreateInput struct {
	FarmID        string
	OperationType domain.OperationType
	TotalItems    int
	CreatedBy     string
	Details       domain.OperationDetails
}

// Registry creates and transitions BulkOperations.
type Registry struct {
	ops     store.OperationStore
	clock   clock.Clock
	events  *domain.EventDispatcher
	signals *signals
}

// NewRegistry creates a Registry. events may be nil.
func NewRegistry(ops store.OperationStore, clk clock.Clock, events *domain.EventDispatcher) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{ops: ops, clock: clk, events: events, signals: newSignals()}
}

// Clock returns the registry's clock.
func (r *Registry) Clock() clock.Clock { return r.clock }

// NewOperation validates in and builds a pending operation without storing it.
func (r *Registry) NewOperation(in CreateInput) (*domain.BulkOperation, error) {
	if strings.TrimSpace(in.FarmID) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, "farm_id is required")
	}
	if !in.OperationType.Valid() {
		return nil, apperrors.Validation(apperrors.CodeOperationType, fmt.Sprintf("unknown operation type %q", in.OperationType))
	}
	if in.TotalItems < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, "total_items must not be negative")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, "created_by is required")
	}
	return &domain.BulkOperation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		FarmID:        in.FarmID,
		OperationType: in.OperationType,
		Status:        domain.OperationStatusPending,
		TotalItems:    in.TotalItems,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     r.clock.Now(),
		Details:       in.Details,
	}, nil
}

// Create stores a new pending operation.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*domain.BulkOperation, error) {
	op, err := r.NewOperation(in)
	if err != nil {
		return nil, err
	}
	if err := r.ops.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	r.Created(ctx, op)
	return op, nil
}

// Created announces an operation stored by another component (the approval
// transaction).
func (r *Registry) Created(ctx context.Context, op *domain.BulkOperation) {
	logger.Info("Bulk operation created",
		zap.String("operation_id", op.ID),
		zap.String("farm_id", op.FarmID),
		zap.String("operation_type", string(op.OperationType)),
		zap.Int("total_items", op.TotalItems),
	)
	payload, _ := domain.OperationCreatedPayload{
		OperationType: op.OperationType,
		TotalItems:    op.TotalItems,
		RequestID:     op.Details.RequestID,
	}.ToJSON()
	r.emit(ctx, domain.EventOperationCreated, op, op.CreatedBy, payload)
}

// Get returns the current snapshot.
func (r *Registry) Get(ctx context.Context, id string) (*domain.BulkOperation, error) {
	op, err := r.ops.GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrOperationNotFoundf(id)
		}
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// List returns operations matching q, newest first.
func (r *Registry) List(ctx context.Context, q store.OperationQuery) ([]*domain.BulkOperation, error) {
	ops, err := r.ops.ListOperations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Begin claims the operation: pending → in-progress. Exactly one caller wins.
func (r *Registry) Begin(ctx context.Context, id string) (*domain.BulkOperation, error) {
	op, err := r.ops.BeginOperation(ctx, id, r.clock.Now())
	if err != nil {
		return nil, r.transitionError(ctx, id, err, string(domain.OperationStatusPending))
	}
	logger.Info("Bulk operation started",
		zap.String("operation_id", id),
		zap.Int("total_items", op.TotalItems),
	)
	r.emit(ctx, domain.EventOperationStarted, op, "", nil)
	return op, nil
}

// RecordProgress adds delta to the counters atomically.
func (r *Registry) RecordProgress(ctx context.Context, id string, delta domain.ProgressDelta) (*domain.BulkOperation, error) {
	if err := delta.Validate(); err != nil {
		return nil, apperrors.Validation(apperrors.CodeProgressInvalid, err.Error())
	}
	op, err := r.ops.ApplyProgress(ctx, id, delta)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, r.transitionError(ctx, id, err, string(domain.OperationStatusInProgress))
	}
	cur, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if cur.Status != domain.OperationStatusInProgress {
		return nil, apperrors.ErrOperationStatef(id, string(cur.Status), string(domain.OperationStatusInProgress))
	}
	return nil, apperrors.Validation(apperrors.CodeProgressInvalid,
		fmt.Sprintf("delta %+v exceeds bounds (processed %d/%d, success %d, failure %d)",
			delta, cur.ProcessedItems, cur.TotalItems, cur.SuccessCount, cur.FailureCount))
}

// Finish moves an in-progress operation to a terminal status. completed
// requires every item to be accounted for; failed accounts the remainder as
// failures.
func (r *Registry) Finish(ctx context.Context, id string, status domain.OperationStatus, errMsg string) (*domain.BulkOperation, error) {
	if !status.IsTerminal() {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, fmt.Sprintf("%q is not a terminal status", status))
	}
	op, err := r.ops.FinishOperation(ctx, id, status, errMsg, r.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrConflict) && status == domain.OperationStatusCompleted {
			if cur, getErr := r.Get(ctx, id); getErr == nil && cur.Status == domain.OperationStatusInProgress {
				return nil, apperrors.InvalidState(apperrors.CodeOperationNotFinished,
					fmt.Sprintf("operation has processed %d of %d items", cur.ProcessedItems, cur.TotalItems)).
					WithParams(map[string]interface{}{"operation_id": id})
			}
		}
		return nil, r.transitionError(ctx, id, err, string(domain.OperationStatusInProgress))
	}
	r.signals.forget(id)

	fields := []zap.Field{
		zap.String("operation_id", id),
		zap.String("status", string(op.Status)),
		zap.Int("processed_items", op.ProcessedItems),
		zap.Int("success_count", op.SuccessCount),
		zap.Int("failure_count", op.FailureCount),
	}
	if op.Status == domain.OperationStatusFailed {
		logger.Error("Bulk operation failed", append(fields, zap.String("error_message", errMsg))...)
	} else {
		logger.Info("Bulk operation finished", fields...)
	}
	payload, _ := domain.NewOperationFinishedPayload(op).ToJSON()
	r.emit(ctx, domain.EventOperationFinished, op, "", payload)
	return op, nil
}

// RequestCancel flags a pending or in-progress operation for cooperative
// cancellation and wakes a local executor.
func (r *Registry) RequestCancel(ctx context.Context, id, actor string) (*domain.BulkOperation, error) {
	op, err := r.ops.RequestCancel(ctx, id)
	if err != nil {
		return nil, r.transitionError(ctx, id, err, "pending or in-progress")
	}
	r.signals.raise(id)
	logger.Info("Bulk operation cancellation requested",
		zap.String("operation_id", id),
		zap.String("actor", actor),
	)
	r.emit(ctx, domain.EventOperationCancelRequested, op, actor, nil)
	return op, nil
}

// CancelSignal returns a channel closed when cancellation of id is requested
// in this process.
func (r *Registry) CancelSignal(id string) <-chan struct{} {
	return r.signals.watch(id)
}

// CancelRequested reports whether cancellation was requested, consulting the
// local signal first and the persisted flag otherwise.
func (r *Registry) CancelRequested(ctx context.Context, id string) (bool, error) {
	if r.signals.raised(id) {
		return true, nil
	}
	op, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return op.CancelRequested, nil
}

// PurgeOlderThan deletes terminal operations of farmID (all farms when empty)
// created more than days ago, together with their approval requests and
// ledger rows. Irreversible.
func (r *Registry) PurgeOlderThan(ctx context.Context, farmID string, days int, actor string) (int64, error) {
	if days < 0 {
		return 0, apperrors.Validation(apperrors.CodeInvalidRequestField, "older_than_days must not be negative")
	}
	cutoff := r.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := r.ops.PurgeOlderThan(ctx, farmID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge operations: %w", err)
	}
	logger.Info("Bulk operations purged",
		zap.String("farm_id", farmID),
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", n),
		zap.String("actor", actor),
	)
	payload, _ := domain.PurgePayload{Cutoff: cutoff, Deleted: n}.ToJSON()
	event := domain.NewEvent(domain.EventOperationsPurged, domain.AggregateFarm, farmID, farmID, actor, r.clock.Now(), payload)
	_ = r.events.Dispatch(ctx, event)
	return n, nil
}

func (r *Registry) emit(ctx context.Context, t domain.EventType, op *domain.BulkOperation, actor string, payload []byte) {
	event := domain.NewEvent(t, domain.AggregateBulkOperation, op.ID, op.FarmID, actor, r.clock.Now(), payload)
	_ = r.events.Dispatch(ctx, event)
}

// transitionError maps store errors of a conditional transition to the
// engine taxonomy.
func (r *Registry) transitionError(ctx context.Context, id string, err error, want string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.ErrOperationNotFoundf(id)
	case errors.Is(err, store.ErrConflict):
		cur, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperrors.ErrOperationStatef(id, string(cur.Status), want)
	default:
		return fmt.Errorf("operation %s: %w", id, err)
	}
}

package executor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

// RetrySummary is the result of RetryFailed.
type RetrySummary struct {
	OperationID string                  `json:"operation_id"`
	Attempted   int                     `json:"attempted"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	Skipped     int                     `json:"skipped"`
	Attempts    []*domain.RetryLogEntry `json:"attempts"`
}

// RetryItem re-applies a change to one previously failed item of a finished
// operation and logs the attempt. change overrides the change recorded with
// the failure when non-nil. The operation counters are never touched.
func (e *Executor) RetryItem(ctx context.Context, operationID, itemID string, change *domain.ChangeSet, actor string) (entry *domain.RetryLogEntry, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.RetryItem", trace.WithAttributes(
		attribute.String("bulkops.operation_id", operationID),
		attribute.String("bulkops.item_id", itemID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	op, err := e.registry.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.Status.IsTerminal() {
		return nil, apperrors.InvalidState(apperrors.CodeOperationNotFinished,
			fmt.Sprintf("operation is %s; retries are allowed once it has finished", op.Status)).
			WithParams(map[string]interface{}{"operation_id": op.ID, "status": string(op.Status)})
	}
	failure, err := e.ledger.Failure(ctx, op.ID, itemID)
	if err != nil {
		return nil, err
	}

	prior, budgetErr := e.ledger.CheckRetryBudget(ctx, op.ID, itemID)
	if budgetErr != nil && prior == nil {
		return nil, budgetErr
	}
	for _, p := range prior {
		if p.Outcome == domain.RetryOutcomeSuccess {
			return nil, apperrors.InvalidState(apperrors.CodeFailureResolved, "item already succeeded on retry").
				WithParams(map[string]interface{}{"operation_id": op.ID, "item_id": itemID, "attempt_number": p.AttemptNumber})
		}
	}
	if budgetErr != nil {
		return nil, budgetErr
	}

	apply, err := retryChange(op, failure, change)
	if err != nil {
		return nil, err
	}

	release, err := e.claim(ctx, op.ID+"/"+itemID)
	if err != nil {
		return nil, err
	}
	defer release()

	attempt := &domain.RetryLogEntry{
		OperationID: op.ID,
		ItemID:      itemID,
		Outcome:     domain.RetryOutcomeSuccess,
		AttemptedBy: actor,
	}
	if updErr := e.entities.Update(ctx, op.FarmID, itemID, apply); updErr != nil {
		attempt.Outcome = domain.RetryOutcomeFailure
		if ie, ok := domain.AsItemError(updErr); ok {
			attempt.ErrorCode = ie.Code
			attempt.ErrorMessage = ie.Message
		} else {
			logger.Warn("Retry hit a systemic failure",
				zap.String("operation_id", op.ID),
				zap.String("item_id", itemID),
				zap.Error(updErr),
			)
			attempt.ErrorCode = domain.ItemErrSystemicAbort
			attempt.ErrorMessage = updErr.Error()
		}
	}

	entry, err = e.ledger.RecordRetry(context.WithoutCancel(ctx), attempt)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("bulkops.attempt_number", entry.AttemptNumber),
		attribute.String("bulkops.outcome", string(entry.Outcome)),
	)

	payload, _ := domain.ItemRetriedPayload{
		ItemID:        entry.ItemID,
		AttemptNumber: entry.AttemptNumber,
		Outcome:       entry.Outcome,
	}.ToJSON()
	event := domain.NewEvent(domain.EventItemRetried, domain.AggregateBulkOperation, op.ID, op.FarmID, actor, e.registry.Clock().Now(), payload)
	_ = e.events.Dispatch(ctx, event)
	return entry, nil
}

// retryChange picks the change a retry applies: the override, then the data
// recorded with the failure, then the operation's change set.
func retryChange(op *domain.BulkOperation, f *domain.FailureDetail, override *domain.ChangeSet) (domain.ChangeSet, error) {
	var cs *domain.ChangeSet
	switch {
	case override != nil:
		cs = override
	case f.ItemData != nil:
		cs = f.ItemData
	default:
		cs = op.Details.Changes
	}
	if cs == nil {
		return domain.ChangeSet{}, apperrors.Validation(apperrors.CodeChangeInvalid, "no change recorded for this item; supply one")
	}
	if err := cs.Validate(); err != nil {
		return domain.ChangeSet{}, err
	}
	return *cs, nil
}

// RetryFailed retries every unresolved failure of a finished operation once.
// Items out of retry budget or claimed by a concurrent retry are skipped.
func (e *Executor) RetryFailed(ctx context.Context, operationID, actor string) (*RetrySummary, error) {
	op, err := e.registry.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.Status.IsTerminal() {
		return nil, apperrors.InvalidState(apperrors.CodeOperationNotFinished,
			fmt.Sprintf("operation is %s; retries are allowed once it has finished", op.Status)).
			WithParams(map[string]interface{}{"operation_id": op.ID, "status": string(op.Status)})
	}
	pending, err := e.ledger.Unresolved(ctx, op.ID)
	if err != nil {
		return nil, err
	}

	summary := &RetrySummary{OperationID: op.ID, Attempts: []*domain.RetryLogEntry{}}
	for _, f := range pending {
		if f.Attempts >= e.ledger.MaxAttempts() {
			summary.Skipped++
			continue
		}
		entry, err := e.RetryItem(ctx, op.ID, f.ItemID, nil, actor)
		if err != nil {
			if apperrors.IsInvalidState(err) {
				summary.Skipped++
				continue
			}
			return summary, err
		}
		summary.Attempted++
		if entry.Outcome == domain.RetryOutcomeSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Attempts = append(summary.Attempts, entry)
	}

	logger.Info("Retried failed items",
		zap.String("operation_id", op.ID),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

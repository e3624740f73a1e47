// Package executor implements the Batch Executor: it walks the items of a
// claimed operation, applies the change through the entity store and keeps
// the operation counters and the failure ledger in step.
//
// One item's failure never aborts the batch. A systemic failure (the entity
// store itself erroring), the optional deadline or process shutdown abort the
// batch as failed. Cancellation is cooperative and checked between items, so
// an in-flight update always completes before the batch stops.
//
// Import Path: farmops.io/bulkops/internal/executor
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"farmops.io/bulkops/internal/coordination"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/pkg/tracing"
	"farmops.io/bulkops/internal/pkg/worker"
)

// Config tunes execution.
type Config struct {
	// Parallelism is the number of items in flight. 1 processes items in order.
	Parallelism int
	// Deadline aborts a batch running longer than this. 0 disables it.
	Deadline time.Duration
	// ItemsPerSecond limits entity store writes. 0 disables the limit.
	ItemsPerSecond float64
	// CancelPollInterval is how often the persisted cancel flag is read, for
	// cancellations raised in another process.
	CancelPollInterval time.Duration
}

// Executor runs bulk operations.
type Executor struct {
	registry *operation.Registry
	ledger   *ledger.Ledger
	entities entity.Store
	claimer  coordination.Claimer
	pools    *worker.Pools
	events   *domain.EventDispatcher
	cfg      Config
	limiter  *rate.Limiter
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithClaimer fences executions and retries of one operation across processes.
func WithClaimer(c coordination.Claimer) Option {
	return func(e *Executor) { e.claimer = c }
}

// WithPools runs items on the Items pool when Parallelism > 1.
func WithPools(p *worker.Pools) Option {
	return func(e *Executor) { e.pools = p }
}

// WithEvents emits ITEM_RETRIED events on d.
func WithEvents(d *domain.EventDispatcher) Option {
	return func(e *Executor) { e.events = d }
}

// New creates an Executor.
func New(registry *operation.Registry, l *ledger.Ledger, entities entity.Store, cfg Config, opts ...Option) *Executor {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	e := &Executor{
		registry: registry,
		ledger:   l,
		entities: entities,
		cfg:      cfg,
		tracer:   tracing.Tracer(),
	}
	if cfg.ItemsPerSecond > 0 {
		burst := int(cfg.ItemsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.ItemsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOperation runs a stored operation over the items and change recorded
// in its details.
func (e *Executor) ExecuteOperation(ctx context.Context, operationID string) (*domain.BulkOperation, error) {
	op, err := e.registry.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Details.Changes == nil {
		return nil, apperrors.Validation(apperrors.CodeOperationType,
			fmt.Sprintf("operation %s (%s) carries no change set to execute", op.ID, op.OperationType))
	}
	return e.Execute(ctx, op.ID, op.Details.TargetItemIDs, *op.Details.Changes)
}

// Execute claims the operation and applies change to each item. It returns
// the terminal snapshot; item failures and aborts are reflected there rather
// than as an error. Re-executing a claimed or finished operation fails with
// an invalid-state error.
func (e *Executor) Execute(ctx context.Context, operationID string, items []string, change domain.ChangeSet) (op *domain.BulkOperation, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("bulkops.operation_id", operationID),
		attribute.Int("bulkops.items", len(items)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if op != nil {
			span.SetAttributes(
				attribute.String("bulkops.status", string(op.Status)),
				attribute.Int("bulkops.success", op.SuccessCount),
				attribute.Int("bulkops.failure", op.FailureCount),
			)
		}
		span.End()
	}()

	if err := change.Validate(); err != nil {
		return nil, err
	}
	items = domain.NormalizeItemIDs(items)

	current, err := e.registry.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.OperationStatusPending {
		return nil, apperrors.ErrOperationStatef(operationID, string(current.Status), string(domain.OperationStatusPending))
	}
	if len(items) != current.TotalItems {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("operation expects %d items, got %d distinct", current.TotalItems, len(items)))
	}

	release, err := e.claim(ctx, operationID)
	if err != nil {
		return nil, err
	}
	defer release()

	started, err := e.registry.Begin(ctx, operationID)
	if err != nil {
		return nil, err
	}

	r := &run{
		exec:      e,
		op:        started,
		change:    change,
		cancelSig: e.registry.CancelSignal(operationID),
		lastPoll:  e.registry.Clock().Now(),
	}
	if e.cfg.Deadline > 0 && started.StartedAt != nil {
		r.deadline = started.StartedAt.Add(e.cfg.Deadline)
	}
	r.walk(ctx, items)

	// The outcome must be persisted even when ctx was cancelled mid-batch.
	return r.finish(context.WithoutCancel(ctx), items)
}

// claim takes the cross-process claim and keeps it alive until released.
func (e *Executor) claim(ctx context.Context, key string) (func(), error) {
	if e.claimer == nil {
		return func() {}, nil
	}
	c, err := e.claimer.Claim(ctx, key)
	if errors.Is(err, coordination.ErrClaimHeld) {
		return nil, apperrors.InvalidState(apperrors.CodeOperationClaimed, "operation is being executed elsewhere").
			WithParams(map[string]interface{}{"operation_id": key})
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if ttl := c.TTL(); ttl > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := c.Extend(context.WithoutCancel(ctx)); err != nil {
						logger.Warn("Failed to extend execution claim", zap.String("key", key), zap.Error(err))
					}
				}
			}
		}()
	}
	return func() {
		close(stop)
		wg.Wait()
		if err := c.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release execution claim", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// stopReason says why a batch stopped early.
type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopSystemic
	stopDeadline
	stopInterrupted
)

// run is the state of one Execute call.
type run struct {
	exec      *Executor
	op        *domain.BulkOperation
	change    domain.ChangeSet
	cancelSig <-chan struct{}
	deadline  time.Time
	lastPoll  time.Time

	mu         sync.Mutex
	reason     stopReason
	errMsg     string
	dispatched map[string]bool
	// unsettled are dispatched items that recorded no progress. With parallel
	// workers several can fail systemically before the batch stops.
	unsettled []unsettledItem
}

type unsettledItem struct {
	id  string
	msg string
}

// stop records why the batch stops; the first reason wins. A non-empty itemID
// marks that item as unsettled whatever the reason.
func (r *run) stop(reason stopReason, msg, itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if itemID != "" {
		r.unsettled = append(r.unsettled, unsettledItem{id: itemID, msg: msg})
	}
	if r.reason != stopNone {
		return
	}
	r.reason = reason
	r.errMsg = msg
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason != stopNone
}

// walk dispatches items until all are attempted or the batch stops.
func (r *run) walk(ctx context.Context, items []string) {
	e := r.exec
	r.dispatched = make(map[string]bool, len(items))
	parallel := e.cfg.Parallelism > 1 && e.pools != nil

	var wg sync.WaitGroup
	slots := make(chan struct{}, e.cfg.Parallelism)

	for _, itemID := range items {
		if r.checkStop(ctx) {
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				r.stop(stopInterrupted, fmt.Sprintf("execution interrupted: %v", err), "")
				break
			}
		}

		slots <- struct{}{}
		// A worker may have aborted while this loop waited for a slot.
		if r.stopped() {
			<-slots
			break
		}
		r.mu.Lock()
		r.dispatched[itemID] = true
		r.mu.Unlock()

		if !parallel {
			r.process(ctx, itemID)
			<-slots
			continue
		}
		wg.Add(1)
		id := itemID
		err := e.pools.Items.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			r.process(taskCtx, id)
		})
		if err != nil {
			wg.Done()
			<-slots
			r.mu.Lock()
			delete(r.dispatched, id)
			r.mu.Unlock()
			r.stop(stopSystemic, fmt.Sprintf("submit item to worker pool: %v", err), "")
			break
		}
	}
	wg.Wait()
}

// checkStop evaluates cancellation, deadline and shutdown between items.
func (r *run) checkStop(ctx context.Context) bool {
	if r.stopped() {
		return true
	}
	e := r.exec
	if ctx.Err() != nil {
		r.stop(stopInterrupted, fmt.Sprintf("execution interrupted: %v", ctx.Err()), "")
		return true
	}
	select {
	case <-r.cancelSig:
		r.stop(stopCancelled, "", "")
		return true
	default:
	}

	now := e.registry.Clock().Now()
	if !r.deadline.IsZero() && now.After(r.deadline) {
		r.stop(stopDeadline, fmt.Sprintf("execution deadline of %s exceeded", e.cfg.Deadline), "")
		return true
	}
	if r.op.CancelRequested || now.Sub(r.lastPoll) >= e.cfg.CancelPollInterval {
		r.lastPoll = now
		requested, err := e.registry.CancelRequested(ctx, r.op.ID)
		if err != nil {
			r.stop(stopSystemic, fmt.Sprintf("read cancel flag: %v", err), "")
			return true
		}
		if requested {
			r.stop(stopCancelled, "", "")
			return true
		}
	}
	return false
}

// process applies the change to one item and records the outcome.
func (r *run) process(ctx context.Context, itemID string) {
	e := r.exec
	err := e.entities.Update(ctx, r.op.FarmID, itemID, r.change)

	delta := domain.ProgressDelta{Processed: 1, Success: 1}
	if err != nil {
		ie, ok := domain.AsItemError(err)
		if !ok {
			logger.Error("Systemic failure, aborting batch",
				zap.String("operation_id", r.op.ID),
				zap.String("item_id", itemID),
				zap.Error(err),
			)
			r.stop(stopSystemic, err.Error(), itemID)
			return
		}
		logger.Debug("Item failed",
			zap.String("operation_id", r.op.ID),
			zap.String("item_id", itemID),
			zap.String("error_code", ie.Code),
		)
		change := r.change
		if _, err := e.ledger.RecordFailure(ctx, r.op, itemID, ie.Code, ie.Message, &change); err != nil {
			r.stop(stopSystemic, fmt.Sprintf("record failure of %s: %v", itemID, err), itemID)
			return
		}
		delta = domain.ProgressDelta{Processed: 1, Failure: 1}
	}

	if _, err := e.registry.RecordProgress(ctx, r.op.ID, delta); err != nil {
		r.stop(stopSystemic, fmt.Sprintf("record progress of %s: %v", itemID, err), itemID)
	}
}

// finish writes the terminal status. Aborted batches get ledger rows for every
// unsettled item and every item never attempted, so the ledger matches the
// failure count the failed status settles.
func (r *run) finish(ctx context.Context, items []string) (*domain.BulkOperation, error) {
	e := r.exec
	r.mu.Lock()
	reason, errMsg, unsettled := r.reason, r.errMsg, r.unsettled
	r.mu.Unlock()

	switch reason {
	case stopNone:
		return e.registry.Finish(ctx, r.op.ID, domain.OperationStatusCompleted, "")
	case stopCancelled:
		return e.registry.Finish(ctx, r.op.ID, domain.OperationStatusCancelled, "")
	}

	change := r.change
	for _, u := range unsettled {
		if _, err := e.ledger.RecordFailure(ctx, r.op, u.id, domain.ItemErrSystemicAbort, u.msg, &change); err != nil {
			logger.Warn("Failed to record aborted item",
				zap.String("operation_id", r.op.ID),
				zap.String("item_id", u.id),
				zap.Error(err),
			)
		}
	}
	for _, itemID := range items {
		if r.dispatched[itemID] {
			continue
		}
		if _, err := e.ledger.RecordFailure(ctx, r.op, itemID, domain.ItemErrNotAttempted, "batch aborted before this item: "+errMsg, &change); err != nil {
			logger.Warn("Failed to record unattempted item", zap.String("operation_id", r.op.ID), zap.Error(err))
			break
		}
	}
	return e.registry.Finish(ctx, r.op.ID, domain.OperationStatusFailed, errMsg)
}

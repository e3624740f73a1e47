// Package approval implements the Approval Gate for batch edits.
//
// Simple approval flow: pending_approval → approved or rejected. Both
// decisions are terminal. Approval creates exactly one BulkOperation in the
// same atomic store write that marks the request approved, then hands the
// operation to the configured dispatcher.
//
// No multi-level chains, no timeout auto-processing.
//
// Import Path: farmops.io/bulkops/internal/governance/approval
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/permission"
	"farmops.io/bulkops/internal/pkg/clock"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/pkg/tracing"
	"farmops.io/bulkops/internal/store"
)

// MaxTargetItems is the largest batch a request may target.
const MaxTargetItems = 500

// SubmitInput describes a new batch edit request.
type SubmitInput struct {
	FarmID          string
	TargetItemIDs   []string
	ProposedChanges domain.ChangeSet
	Reason          string
	CreatedBy       string
}

// ApproveResult is the outcome of an approval.
type ApproveResult struct {
	Request   *domain.ApprovalRequest
	Operation *domain.BulkOperation
}

// Gateway orchestrates approval decisions.
type Gateway struct {
	requests   store.ApprovalStore
	registry   *operation.Registry
	entities   entity.Store
	perms      permission.Checker
	events     *domain.EventDispatcher
	clock      clock.Clock
	dispatcher executor.Dispatcher // nil: operations are started elsewhere (queue mode)
	tracer     trace.Tracer
}

// NewGateway creates a new approval Gateway.
func NewGateway(requests store.ApprovalStore, registry *operation.Registry, entities entity.Store, perms permission.Checker, events *domain.EventDispatcher) *Gateway {
	return &Gateway{
		requests: requests,
		registry: registry,
		entities: entities,
		perms:    perms,
		events:   events,
		clock:    registry.Clock(),
		tracer:   tracing.Tracer(),
	}
}

// SetDispatcher configures how approved operations are started.
func (g *Gateway) SetDispatcher(d executor.Dispatcher) {
	g.dispatcher = d
}

// Submit validates and stores a pending request. Between 1 and
// MaxTargetItems ids may be submitted; they are then trimmed and
// de-duplicated, and at least one must exist in the entity store.
func (g *Gateway) Submit(ctx context.Context, in SubmitInput) (*domain.ApprovalRequest, error) {
	ctx, span := g.tracer.Start(ctx, "approval.Submit", trace.WithAttributes(attribute.String("bulkops.farm_id", in.FarmID)))
	defer span.End()

	if strings.TrimSpace(in.FarmID) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, "farm_id is required")
	}
	ok, err := permission.Can(ctx, g.perms, in.CreatedBy, in.FarmID, permission.ActionSubmit)
	if err != nil {
		return nil, fmt.Errorf("check submit permission: %w", err)
	}
	if !ok {
		return nil, apperrors.Forbidden(apperrors.CodeFarmForbidden, "not allowed to submit requests for this farm").
			WithParams(map[string]interface{}{"farm_id": in.FarmID})
	}

	// The bound applies to the submitted list, duplicates included.
	submitted := countNonBlank(in.TargetItemIDs)
	if submitted == 0 || submitted > MaxTargetItems {
		return nil, apperrors.Validation(apperrors.CodeBatchSizeInvalid,
			fmt.Sprintf("target_item_ids must contain between 1 and %d ids, got %d", MaxTargetItems, submitted)).
			WithParams(map[string]interface{}{"count": submitted, "max": MaxTargetItems})
	}
	ids := domain.NormalizeItemIDs(in.TargetItemIDs)
	if err := in.ProposedChanges.Validate(); err != nil {
		return nil, err
	}

	found, err := g.entities.ReadMany(ctx, in.FarmID, in.ProposedChanges.EntityType, ids)
	if err != nil {
		return nil, fmt.Errorf("read target items: %w", err)
	}
	if len(found) == 0 {
		return nil, apperrors.Validation(apperrors.CodeTargetsNotFound, "none of the target items exist on this farm").
			WithParams(map[string]interface{}{"farm_id": in.FarmID, "entity_type": string(in.ProposedChanges.EntityType)})
	}

	req := &domain.ApprovalRequest{
		ID:              uuid.Must(uuid.NewV7()).String(),
		FarmID:          in.FarmID,
		TargetItemIDs:   ids,
		ProposedChanges: in.ProposedChanges,
		Reason:          strings.TrimSpace(in.Reason),
		Status:          domain.RequestStatusPending,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       g.clock.Now(),
	}
	if err := g.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	logger.Info("Batch edit request submitted",
		zap.String("request_id", req.ID),
		zap.String("farm_id", req.FarmID),
		zap.String("entity_type", string(req.ProposedChanges.EntityType)),
		zap.Int("target_items", len(ids)),
		zap.Int("existing_items", len(found)),
		zap.String("created_by", req.CreatedBy),
	)
	g.emit(ctx, domain.EventRequestSubmitted, req, req.CreatedBy, map[string]any{
		"target_items": len(ids),
		"entity_type":  req.ProposedChanges.EntityType,
	})
	return req, nil
}

func countNonBlank(ids []string) int {
	n := 0
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			n++
		}
	}
	return n
}

// Get returns one request.
func (g *Gateway) Get(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	req, err := g.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrRequestNotFoundf(requestID)
		}
		return nil, fmt.Errorf("get approval request %s: %w", requestID, err)
	}
	return req, nil
}

// ListPending returns pending requests of a farm, oldest first.
func (g *Gateway) ListPending(ctx context.Context, farmID string) ([]*domain.ApprovalRequest, error) {
	return g.List(ctx, farmID, domain.RequestStatusPending)
}

// List returns requests of a farm filtered by status (any when empty), oldest first.
func (g *Gateway) List(ctx context.Context, farmID string, status domain.RequestStatus) ([]*domain.ApprovalRequest, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, fmt.Sprintf("unknown request status %q", status))
	}
	reqs, err := g.requests.ListRequests(ctx, farmID, status)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return reqs, nil
}

// Approve approves a pending request, creating its BulkOperation atomically,
// then dispatches the operation. In sync mode the returned operation carries
// the applied counts; otherwise it is still pending.
func (g *Gateway) Approve(ctx context.Context, requestID, approver, notes string) (*ApproveResult, error) {
	ctx, span := g.tracer.Start(ctx, "approval.Approve", trace.WithAttributes(attribute.String("bulkops.request_id", requestID)))
	defer span.End()

	req, err := g.decidable(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}

	changes := req.ProposedChanges
	op, err := g.registry.NewOperation(operation.CreateInput{
		FarmID:        req.FarmID,
		OperationType: domain.OperationTypeBatchEdit,
		TotalItems:    len(req.TargetItemIDs),
		CreatedBy:     approver,
		Details: domain.OperationDetails{
			RequestID:     req.ID,
			TargetItemIDs: req.TargetItemIDs,
			Changes:       &changes,
			Reason:        req.Reason,
			Notes:         notes,
		},
	})
	if err != nil {
		return nil, err
	}

	approved, err := g.requests.ApproveWithOperation(ctx, store.Decision{
		RequestID: req.ID,
		Actor:     approver,
		Notes:     strings.TrimSpace(notes),
		At:        g.clock.Now(),
	}, op)
	if err != nil {
		return nil, g.decisionError(ctx, requestID, err)
	}
	span.SetAttributes(attribute.String("bulkops.operation_id", op.ID))

	logger.Info("Batch edit request approved",
		zap.String("request_id", approved.ID),
		zap.String("approver", approver),
		zap.String("operation_id", op.ID),
	)
	g.emit(ctx, domain.EventRequestApproved, approved, approver, map[string]any{"operation_id": op.ID})
	g.registry.Created(ctx, op)

	if g.dispatcher != nil {
		if err := g.dispatcher.Dispatch(ctx, op); err != nil {
			logger.Error("Failed to dispatch approved operation",
				zap.String("request_id", approved.ID),
				zap.String("operation_id", op.ID),
				zap.Error(err),
			)
		}
	}

	current, err := g.registry.Get(context.WithoutCancel(ctx), op.ID)
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Request: approved, Operation: current}, nil
}

// Reject rejects a pending request. A reason is required.
func (g *Gateway) Reject(ctx context.Context, requestID, approver, reason string) (*domain.ApprovalRequest, error) {
	ctx, span := g.tracer.Start(ctx, "approval.Reject", trace.WithAttributes(attribute.String("bulkops.request_id", requestID)))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequestField, "rejection_reason is required")
	}
	req, err := g.decidable(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}

	rejected, err := g.requests.RejectRequest(ctx, store.Decision{
		RequestID: req.ID,
		Actor:     approver,
		Notes:     reason,
		At:        g.clock.Now(),
	})
	if err != nil {
		return nil, g.decisionError(ctx, requestID, err)
	}

	logger.Info("Batch edit request rejected",
		zap.String("request_id", rejected.ID),
		zap.String("approver", approver),
		zap.String("reason", reason),
	)
	g.emit(ctx, domain.EventRequestRejected, rejected, approver, map[string]any{"reason": reason})
	return rejected, nil
}

// decidable loads a request and checks that actor may decide it and that it
// is still pending.
func (g *Gateway) decidable(ctx context.Context, requestID, actor string) (*domain.ApprovalRequest, error) {
	req, err := g.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	elevated, err := permission.HasElevatedRole(ctx, g.perms, actor, req.FarmID)
	if err != nil {
		return nil, fmt.Errorf("check approver role: %w", err)
	}
	if !elevated {
		return nil, apperrors.Forbidden(apperrors.CodeApprovalForbidden, "an owner or manager role on the farm is required").
			WithParams(map[string]interface{}{"farm_id": req.FarmID, "request_id": req.ID})
	}
	if req.Status != domain.RequestStatusPending {
		return nil, apperrors.ErrRequestNotPendingf(req.ID, string(req.Status))
	}
	return req, nil
}

// decisionError maps a lost race on the conditional decision write.
func (g *Gateway) decisionError(ctx context.Context, requestID string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.ErrRequestNotFoundf(requestID)
	case errors.Is(err, store.ErrConflict):
		cur, getErr := g.Get(ctx, requestID)
		if getErr != nil {
			return getErr
		}
		return apperrors.ErrRequestNotPendingf(requestID, string(cur.Status))
	default:
		return fmt.Errorf("decide approval request %s: %w", requestID, err)
	}
}

func (g *Gateway) emit(ctx context.Context, t domain.EventType, req *domain.ApprovalRequest, actor string, details map[string]any) {
	payload, err := json.Marshal(details)
	if err != nil {
		logger.Warn("Failed to encode event payload", zap.String("event_type", string(t)), zap.Error(err))
		payload = nil
	}
	event := domain.NewEvent(t, domain.AggregateApprovalRequest, req.ID, req.FarmID, actor, g.clock.Now(), payload)
	_ = g.events.Dispatch(ctx, event)
}

// PriorityTier classifies how long a request has been waiting.
func PriorityTier(createdAt, now time.Time) string {
	days := int(now.Sub(createdAt).Hours() / 24)
	switch {
	case days >= 7:
		return "urgent"
	case days >= 4:
		return "warning"
	default:
		return "normal"
	}
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/permission"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/stats"
	"farmops.io/bulkops/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type createOperationBody struct {
	OperationType domain.OperationType `json:"operation_type"`
	TotalItems    int                  `json:"total_items"`
	Details       map[string]any       `json:"details"`
}

type finishBody struct {
	Status       domain.OperationStatus `json:"status"`
	ErrorMessage string                 `json:"error_message"`
}

// CreateOperation handles POST /farms/{farm_id}/operations. Batch edits are
// created by approval only.
func (s *Server) CreateOperation(c *gin.Context) {
	var body createOperationBody
	if !bindJSON(c, &body) {
		return
	}
	if body.OperationType.ApprovalGated() {
		_ = c.Error(apperrors.Validation(apperrors.CodeOperationType, "batch-edit operations are created by approving a batch edit request"))
		return
	}
	op, err := s.registry.Create(c.Request.Context(), operation.CreateInput{
		FarmID:        c.Param("farm_id"),
		OperationType: body.OperationType,
		TotalItems:    body.TotalItems,
		CreatedBy:     actorFromCtx(c),
		Details:       domain.OperationDetails{Extra: body.Details},
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, op)
}

// ListOperations handles GET /farms/{farm_id}/operations, newest first.
func (s *Server) ListOperations(c *gin.Context) {
	params, err := bindListOperationsParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	from, to, err := dateRange(params.StartDate, params.EndDate)
	if err != nil {
		_ = c.Error(err)
		return
	}
	limit, offset, err := listWindow(params.Limit, params.Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}

	opType, status := operationFilters(params.OperationType, params.Status)
	q := store.OperationQuery{
		FarmID:        c.Param("farm_id"),
		OperationType: opType,
		Status:        status,
		CreatedFrom:   from,
		CreatedTo:     to,
		Limit:         limit,
		Offset:        offset,
	}
	if q.OperationType != "" && !q.OperationType.Valid() {
		_ = c.Error(apperrors.Validation(apperrors.CodeOperationType, "unknown operation_type "+string(q.OperationType)))
		return
	}
	if q.Status != "" && !q.Status.Valid() {
		_ = c.Error(apperrors.Validation(apperrors.CodeInvalidRequestField, "unknown status "+string(q.Status)))
		return
	}

	ops, err := s.registry.List(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": ops, "limit": limit, "offset": offset})
}

// PurgeOldOperations handles DELETE /farms/{farm_id}/operations.
func (s *Server) PurgeOldOperations(c *gin.Context) {
	params, err := bindPurgeParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	deleted, err := s.registry.PurgeOlderThan(c.Request.Context(), c.Param("farm_id"), params.OlderThanDays, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// GetOperationStats handles GET /farms/{farm_id}/operations/stats.
func (s *Server) GetOperationStats(c *gin.Context) {
	params, err := bindStatsParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	from, to, err := dateRange(params.StartDate, params.EndDate)
	if err != nil {
		_ = c.Error(err)
		return
	}
	opType, status := operationFilters(params.OperationType, params.Status)
	st, err := s.stats.GetStats(c.Request.Context(), stats.Query{
		FarmID:        c.Param("farm_id"),
		From:          from,
		To:            to,
		OperationType: opType,
		Status:        status,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetOperation handles GET /operations/{operation_id}.
func (s *Server) GetOperation(c *gin.Context) {
	op, ok := s.loadOperation(c, permission.ActionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, op)
}

// loadDirectOperation loads an operation driven by an external worker.
// Batch edits belong to the executor.
func (s *Server) loadDirectOperation(c *gin.Context) (*domain.BulkOperation, bool) {
	op, ok := s.loadOperation(c, permission.ActionSubmit)
	if !ok {
		return nil, false
	}
	if op.OperationType.ApprovalGated() {
		_ = c.Error(apperrors.Validation(apperrors.CodeOperationType, "batch-edit operations are driven by the executor"))
		return nil, false
	}
	return op, true
}

// BeginOperation handles POST /operations/{operation_id}/begin.
func (s *Server) BeginOperation(c *gin.Context) {
	op, ok := s.loadDirectOperation(c)
	if !ok {
		return
	}
	op, err := s.registry.Begin(c.Request.Context(), op.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// RecordProgress handles POST /operations/{operation_id}/progress.
func (s *Server) RecordProgress(c *gin.Context) {
	var delta domain.ProgressDelta
	if !bindJSON(c, &delta) {
		return
	}
	op, ok := s.loadDirectOperation(c)
	if !ok {
		return
	}
	op, err := s.registry.RecordProgress(c.Request.Context(), op.ID, delta)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// FinishOperation handles POST /operations/{operation_id}/finish.
func (s *Server) FinishOperation(c *gin.Context) {
	var body finishBody
	if !bindJSON(c, &body) {
		return
	}
	op, ok := s.loadDirectOperation(c)
	if !ok {
		return
	}
	op, err := s.registry.Finish(c.Request.Context(), op.ID, body.Status, body.ErrorMessage)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// CancelOperation handles POST /operations/{operation_id}/cancel. The creator
// or an elevated farm member may cancel.
func (s *Server) CancelOperation(c *gin.Context) {
	op, ok := s.loadOperation(c, permission.ActionView)
	if !ok {
		return
	}
	actor := actorFromCtx(c)
	if op.CreatedBy != actor && !s.requireFarmAction(c, op.FarmID, permission.ActionApprove) {
		return
	}
	op, err := s.registry.RequestCancel(c.Request.Context(), op.ID, actor)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

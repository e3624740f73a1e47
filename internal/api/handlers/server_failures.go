package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/permission"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
)

type appendFailureBody struct {
	ItemID       string            `json:"item_id"`
	ErrorCode    string            `json:"error_code"`
	ErrorMessage string            `json:"error_message"`
	ItemData     *domain.ChangeSet `json:"item_data"`
}

// GetFailureDetails handles GET /operations/{operation_id}/failures. Each
// failure carries its retry count and whether a retry resolved it.
func (s *Server) GetFailureDetails(c *gin.Context) {
	op, ok := s.loadOperation(c, permission.ActionView)
	if !ok {
		return
	}
	params, err := bindFailuresParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var failures []*domain.FailureResolution
	if deref(params.Unresolved, false) {
		failures, err = s.ledger.Unresolved(c.Request.Context(), op.ID)
	} else {
		failures, err = s.ledger.Resolutions(c.Request.Context(), op.ID)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation_id":  op.ID,
		"failure_count": op.FailureCount,
		"max_attempts":  s.ledger.MaxAttempts(),
		"items":         failures,
		"total":         len(failures),
	})
}

// AppendFailureDetail handles POST /operations/{operation_id}/failures for
// operations reported by external workers.
func (s *Server) AppendFailureDetail(c *gin.Context) {
	var body appendFailureBody
	if !bindJSON(c, &body) {
		return
	}
	op, ok := s.loadDirectOperation(c)
	if !ok {
		return
	}
	if op.Status != domain.OperationStatusInProgress {
		_ = c.Error(apperrors.ErrOperationStatef(op.ID, string(op.Status), string(domain.OperationStatusInProgress)))
		return
	}
	if body.ItemData != nil {
		if err := body.ItemData.Validate(); err != nil {
			_ = c.Error(err)
			return
		}
	}
	appended, err := s.ledger.RecordFailure(c.Request.Context(), op, body.ItemID, body.ErrorCode, body.ErrorMessage, body.ItemData)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusCreated
	if !appended {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"operation_id": op.ID, "item_id": body.ItemID, "appended": appended})
}

// RetryItem handles POST /operations/{operation_id}/items/{item_id}/retry.
// An optional change overrides the one recorded with the failure.
func (s *Server) RetryItem(c *gin.Context) {
	var body struct {
		Change *domain.ChangeSet `json:"change"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	op, ok := s.loadOperation(c, permission.ActionApprove)
	if !ok {
		return
	}
	entry, err := s.executor.RetryItem(c.Request.Context(), op.ID, c.Param("item_id"), body.Change, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RetryFailed handles POST /operations/{operation_id}/retry-failed.
func (s *Server) RetryFailed(c *gin.Context) {
	op, ok := s.loadOperation(c, permission.ActionApprove)
	if !ok {
		return
	}
	summary, err := s.executor.RetryFailed(c.Request.Context(), op.ID, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/governance/approval"
	"farmops.io/bulkops/internal/permission"
)

type submitRequestBody struct {
	TargetItemIDs   []string         `json:"target_item_ids"`
	ProposedChanges domain.ChangeSet `json:"proposed_changes"`
	Reason          string           `json:"reason"`
}

type submitResponse struct {
	RequestID       string               `json:"request_id"`
	Status          domain.RequestStatus `json:"status"`
	TargetItemCount int                  `json:"target_item_count"`
	CreatedAt       time.Time            `json:"created_at"`
}

type requestView struct {
	*domain.ApprovalRequest
	Priority string `json:"priority,omitempty"`
}

type appliedChanges struct {
	TotalItems        int `json:"total_items"`
	SuccessfulUpdates int `json:"successful_updates"`
	FailedUpdates     int `json:"failed_updates"`
}

type approveResponse struct {
	Success         bool                   `json:"success"`
	OperationID     string                 `json:"operation_id"`
	OperationStatus domain.OperationStatus `json:"operation_status"`
	AppliedChanges  appliedChanges         `json:"applied_changes"`
}

type rejectResponse struct {
	Success    bool       `json:"success"`
	RejectedAt *time.Time `json:"rejected_at"`
}

// SubmitBatchEditRequest handles POST /farms/{farm_id}/batch-edit-requests.
func (s *Server) SubmitBatchEditRequest(c *gin.Context) {
	var body submitRequestBody
	if !bindJSON(c, &body) {
		return
	}
	req, err := s.gateway.Submit(c.Request.Context(), approval.SubmitInput{
		FarmID:          c.Param("farm_id"),
		TargetItemIDs:   body.TargetItemIDs,
		ProposedChanges: body.ProposedChanges,
		Reason:          body.Reason,
		CreatedBy:       actorFromCtx(c),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, submitResponse{
		RequestID:       req.ID,
		Status:          req.Status,
		TargetItemCount: len(req.TargetItemIDs),
		CreatedAt:       req.CreatedAt,
	})
}

// ListBatchEditRequests handles GET /farms/{farm_id}/batch-edit-requests.
// Without a status filter only pending requests are listed.
func (s *Server) ListBatchEditRequests(c *gin.Context) {
	params, err := bindListRequestsParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := domain.RequestStatus(deref(params.Status, string(domain.RequestStatusPending)))
	reqs, err := s.gateway.List(c.Request.Context(), c.Param("farm_id"), status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	now := s.registry.Clock().Now()
	items := make([]requestView, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, s.view(r, now))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// GetBatchEditRequest handles GET /batch-edit-requests/{request_id}.
func (s *Server) GetBatchEditRequest(c *gin.Context) {
	req, err := s.gateway.Get(c.Request.Context(), c.Param("request_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !s.requireFarmAction(c, req.FarmID, permission.ActionView) {
		return
	}
	c.JSON(http.StatusOK, s.view(req, s.registry.Clock().Now()))
}

func (s *Server) view(r *domain.ApprovalRequest, now time.Time) requestView {
	v := requestView{ApprovalRequest: r}
	if r.Status == domain.RequestStatusPending {
		v.Priority = approval.PriorityTier(r.CreatedAt, now)
	}
	return v
}

// ApproveRequest handles POST /batch-edit-requests/{request_id}/approve.
func (s *Server) ApproveRequest(c *gin.Context) {
	var body struct {
		Notes string `json:"notes"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	res, err := s.gateway.Approve(c.Request.Context(), c.Param("request_id"), actorFromCtx(c), body.Notes)
	if err != nil {
		_ = c.Error(err)
		return
	}
	op := res.Operation
	c.JSON(http.StatusOK, approveResponse{
		Success:         true,
		OperationID:     op.ID,
		OperationStatus: op.Status,
		AppliedChanges: appliedChanges{
			TotalItems:        op.TotalItems,
			SuccessfulUpdates: op.SuccessCount,
			FailedUpdates:     op.FailureCount,
		},
	})
}

// RejectRequest handles POST /batch-edit-requests/{request_id}/reject.
func (s *Server) RejectRequest(c *gin.Context) {
	var body struct {
		RejectionReason string `json:"rejection_reason"`
	}
	if !bindJSON(c, &body) {
		return
	}
	req, err := s.gateway.Reject(c.Request.Context(), c.Param("request_id"), actorFromCtx(c), body.RejectionReason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rejectResponse{Success: true, RejectedAt: req.RejectedAt})
}

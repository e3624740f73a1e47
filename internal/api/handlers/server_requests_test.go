package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"farmops.io/bulkops/internal/domain"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
)

func TestSubmitBatchEditRequest(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		user   string
		farm   string
		body   any
		status int
		code   string
	}{
		{"member submits", "member-1", "farm-1", submitBody("a-1", "a-2"), http.StatusCreated, ""},
		{"viewer forbidden", "viewer-1", "farm-1", submitBody("a-1"), http.StatusForbidden, apperrors.CodeFarmForbidden},
		{"other farm forbidden", "member-2", "farm-1", submitBody("a-1"), http.StatusForbidden, apperrors.CodeFarmForbidden},
		{"empty batch", "member-1", "farm-1", submitBody(), http.StatusBadRequest, apperrors.CodeBatchSizeInvalid},
		{"unknown items", "member-1", "farm-1", submitBody("x-1", "x-2"), http.StatusBadRequest, apperrors.CodeTargetsNotFound},
		{"invalid status value", "member-1", "farm-1", map[string]any{
			"target_item_ids":  []string{"a-1"},
			"proposed_changes": map[string]any{"entity_type": "animal", "animal": map[string]any{"status": "flying"}},
		}, http.StatusBadRequest, apperrors.CodeChangeInvalid},
		{"malformed body", "member-1", "farm-1", "not an object", http.StatusBadRequest, apperrors.CodeValidationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := h.do(t, tc.user, http.MethodPost, "/farms/"+tc.farm+"/batch-edit-requests", tc.body)
			expectStatus(t, w, tc.status)
			if tc.code != "" {
				if got := errorCode(t, w); got != tc.code {
					t.Fatalf("code = %q, want %q", got, tc.code)
				}
				return
			}
			resp := decode[submitResponse](t, w)
			if resp.RequestID == "" || resp.Status != domain.RequestStatusPending || resp.TargetItemCount != 2 {
				t.Fatalf("response = %+v", resp)
			}
		})
	}
}

func TestApproveRequest_SyncExecution(t *testing.T) {
	h := newHarness(t)
	h.entities.SetBeforeUpdate(func(_ context.Context, id string) error {
		if id == "a-2" {
			return domain.NewItemError(domain.ItemErrConflict, "record locked by another edit")
		}
		return nil
	})
	reqID := h.submit(t, "a-1", "a-2", "a-3")

	w := h.do(t, "member-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/approve", nil)
	expectStatus(t, w, http.StatusForbidden)
	if got := errorCode(t, w); got != apperrors.CodeApprovalForbidden {
		t.Fatalf("code = %q", got)
	}

	w = h.do(t, "manager-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/approve", map[string]string{"notes": "go ahead"})
	expectStatus(t, w, http.StatusOK)
	resp := decode[approveResponse](t, w)
	if !resp.Success || resp.OperationID == "" || resp.OperationStatus != domain.OperationStatusCompleted {
		t.Fatalf("approve response = %+v", resp)
	}
	if resp.AppliedChanges != (appliedChanges{TotalItems: 3, SuccessfulUpdates: 2, FailedUpdates: 1}) {
		t.Fatalf("applied changes = %+v", resp.AppliedChanges)
	}
	if attrs, _ := h.entities.Get("farm-1", domain.EntityAnimal, "a-1"); attrs["status"] != "quarantined" {
		t.Fatalf("a-1 attrs = %v", attrs)
	}

	w = h.do(t, "owner-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/approve", nil)
	expectStatus(t, w, http.StatusConflict)
	if got := errorCode(t, w); got != apperrors.CodeRequestNotPending {
		t.Fatalf("second approve code = %q", got)
	}

	w = h.do(t, "viewer-1", http.MethodGet, "/batch-edit-requests/"+reqID, nil)
	expectStatus(t, w, http.StatusOK)
	view := decode[domain.ApprovalRequest](t, w)
	if view.Status != domain.RequestStatusApproved || view.OperationID != resp.OperationID || view.ApprovedBy != "manager-1" {
		t.Fatalf("request view = %+v", view)
	}
}

func TestRejectRequest(t *testing.T) {
	h := newHarness(t)
	reqID := h.submit(t, "a-1")

	w := h.do(t, "owner-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/reject", map[string]string{"rejection_reason": " "})
	expectStatus(t, w, http.StatusBadRequest)

	w = h.do(t, "owner-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/reject", map[string]string{"rejection_reason": "wrong barn"})
	expectStatus(t, w, http.StatusOK)
	resp := decode[rejectResponse](t, w)
	if !resp.Success || resp.RejectedAt == nil || !resp.RejectedAt.Equal(t0) {
		t.Fatalf("reject response = %+v", resp)
	}

	w = h.do(t, "manager-1", http.MethodPost, "/batch-edit-requests/"+reqID+"/approve", nil)
	expectStatus(t, w, http.StatusConflict)

	w = h.do(t, "manager-1", http.MethodPost, "/batch-edit-requests/missing/reject", map[string]string{"rejection_reason": "x"})
	expectStatus(t, w, http.StatusNotFound)
}

func TestListBatchEditRequests(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, "a-1")
	h.clock.Advance(49 * time.Hour)
	h.submit(t, "a-2")

	w := h.do(t, "manager-1", http.MethodPost, "/batch-edit-requests/"+first+"/reject", map[string]string{"rejection_reason": "dup"})
	expectStatus(t, w, http.StatusOK)

	w = h.do(t, "viewer-1", http.MethodGet, "/farms/farm-1/batch-edit-requests", nil)
	expectStatus(t, w, http.StatusOK)
	pending := decode[struct {
		Items []requestView `json:"items"`
		Total int           `json:"total"`
	}](t, w)
	if pending.Total != 1 || pending.Items[0].Priority != "normal" {
		t.Fatalf("pending = %+v", pending)
	}

	w = h.do(t, "viewer-1", http.MethodGet, "/farms/farm-1/batch-edit-requests?status=rejected", nil)
	expectStatus(t, w, http.StatusOK)
	rejected := decode[struct {
		Items []requestView `json:"items"`
	}](t, w)
	if len(rejected.Items) != 1 || rejected.Items[0].ID != first || rejected.Items[0].Priority != "" {
		t.Fatalf("rejected = %+v", rejected)
	}

	w = h.do(t, "member-2", http.MethodGet, "/farms/farm-1/batch-edit-requests", nil)
	expectStatus(t, w, http.StatusForbidden)

	w = h.do(t, "viewer-1", http.MethodGet, "/farms/farm-1/batch-edit-requests?status=maybe", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

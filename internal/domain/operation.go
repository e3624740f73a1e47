// Package domain provides the domain model of the bulk operation engine:
// approval requests, bulk operations, the failure ledger and retry log.
//
// Lifecycle rules live here so every storage backend applies the same
// transitions and invariants.
//
// Import Path: farmops.io/bulkops/internal/domain
package domain

import (
	"fmt"
	"time"
)

// Batch size bounds for approval-gated edits.
const (
	MinBatchItems = 1
	MaxBatchItems = 500
)

// RequestStatus is the status of an ApprovalRequest.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending_approval"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusRejected:
		return true
	}
	return false
}

// OperationStatus is the status of a BulkOperation.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in-progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusCancelled  OperationStatus = "cancelled"
)

// Valid reports whether s is a known operation status.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationStatusPending, OperationStatusInProgress,
		OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a sink state.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// OperationType classifies a BulkOperation.
type OperationType string

const (
	OperationTypeBatchEdit    OperationType = "batch-edit"
	OperationTypeImport       OperationType = "import"
	OperationTypeExport       OperationType = "export"
	OperationTypeBulkRegister OperationType = "bulk-register"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationTypeBatchEdit, OperationTypeImport, OperationTypeExport, OperationTypeBulkRegister:
		return true
	}
	return false
}

// ApprovalGated reports whether operations of this type are only created by approving a request.
func (t OperationType) ApprovalGated() bool {
	return t == OperationTypeBatchEdit
}

// ApprovalRequest is a proposed mass mutation awaiting authorization.
type ApprovalRequest struct {
	ID              string        `json:"id"`
	FarmID          string        `json:"farm_id"`
	TargetItemIDs   []string      `json:"target_item_ids"`
	ProposedChanges ChangeSet     `json:"proposed_changes"`
	Reason          string        `json:"reason"`
	Status          RequestStatus `json:"status"`
	CreatedBy       string        `json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`

	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ApprovalNotes string     `json:"approval_notes,omitempty"`

	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	// OperationID is the single BulkOperation created on approval.
	OperationID string `json:"operation_id,omitempty"`
}

// OperationDetails describes the intent of an operation.
type OperationDetails struct {
	RequestID     string         `json:"request_id,omitempty"`
	TargetItemIDs []string       `json:"target_item_ids,omitempty"`
	Changes       *ChangeSet     `json:"changes,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// BulkOperation is the execution record of one batch job.
type BulkOperation struct {
	ID              string           `json:"id"`
	FarmID          string           `json:"farm_id"`
	OperationType   OperationType    `json:"operation_type"`
	Status          OperationStatus  `json:"status"`
	TotalItems      int              `json:"total_items"`
	ProcessedItems  int              `json:"processed_items"`
	SuccessCount    int              `json:"success_count"`
	FailureCount    int              `json:"failure_count"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationMS      *int64           `json:"duration_ms,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	Details         OperationDetails `json:"details"`
}

// ProgressDelta is an increment applied by recordProgress.
type ProgressDelta struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failure   int `json:"failure"`
}

// Validate rejects negative or self-inconsistent deltas.
func (d ProgressDelta) Validate() error {
	if d.Processed < 0 || d.Success < 0 || d.Failure < 0 {
		return fmt.Errorf("progress delta must not be negative")
	}
	if d.Success+d.Failure > d.Processed {
		return fmt.Errorf("success+failure (%d) exceeds processed (%d)", d.Success+d.Failure, d.Processed)
	}
	return nil
}

// IsZero reports whether the delta changes nothing.
func (d ProgressDelta) IsZero() bool {
	return d.Processed == 0 && d.Success == 0 && d.Failure == 0
}

// CanApply reports whether adding d to op keeps the counter invariants.
func (op *BulkOperation) CanApply(d ProgressDelta) bool {
	if op.ProcessedItems+d.Processed > op.TotalItems {
		return false
	}
	return op.SuccessCount+d.Success+op.FailureCount+d.Failure <= op.ProcessedItems+d.Processed
}

// Apply adds d to the counters. Callers check CanApply first.
func (op *BulkOperation) Apply(d ProgressDelta) {
	op.ProcessedItems += d.Processed
	op.SuccessCount += d.Success
	op.FailureCount += d.Failure
}

// CanFinishAs reports whether op may move to status as a terminal state.
// completed requires every item to be accounted for. failed settles the
// unprocessed remainder as failures (see Remainder). cancelled may stop anywhere.
func (op *BulkOperation) CanFinishAs(status OperationStatus) bool {
	if op.Status != OperationStatusInProgress || !status.IsTerminal() {
		return false
	}
	if status == OperationStatusCompleted {
		return op.ProcessedItems == op.TotalItems && op.SuccessCount+op.FailureCount == op.ProcessedItems
	}
	return true
}

// Remainder returns the delta that accounts for every unprocessed or
// unclassified item as a failure.
func (op *BulkOperation) Remainder() ProgressDelta {
	left := op.TotalItems - op.ProcessedItems
	if left < 0 {
		left = 0
	}
	failures := op.TotalItems - op.SuccessCount - op.FailureCount
	if failures < 0 {
		failures = 0
	}
	return ProgressDelta{Processed: left, Failure: failures}
}

// MarkFinished sets the terminal status, completion timestamp and duration.
// A failed operation has its remainder settled first.
func (op *BulkOperation) MarkFinished(status OperationStatus, errMsg string, now time.Time) {
	if status == OperationStatusFailed {
		op.Apply(op.Remainder())
	}
	op.Status = status
	op.ErrorMessage = errMsg
	completed := now
	op.CompletedAt = &completed
	if op.StartedAt != nil {
		ms := completed.Sub(*op.StartedAt).Milliseconds()
		op.DurationMS = &ms
	}
}

// CheckInvariants verifies the counter and lifecycle invariants of a snapshot.
func (op *BulkOperation) CheckInvariants() error {
	if op.ProcessedItems < 0 || op.ProcessedItems > op.TotalItems {
		return fmt.Errorf("processed %d out of range [0,%d]", op.ProcessedItems, op.TotalItems)
	}
	if op.SuccessCount+op.FailureCount > op.ProcessedItems {
		return fmt.Errorf("success %d + failure %d exceeds processed %d", op.SuccessCount, op.FailureCount, op.ProcessedItems)
	}
	switch op.Status {
	case OperationStatusCompleted, OperationStatusFailed:
		if op.ProcessedItems != op.TotalItems || op.SuccessCount+op.FailureCount != op.TotalItems {
			return fmt.Errorf("%s operation not fully accounted: processed %d success %d failure %d total %d",
				op.Status, op.ProcessedItems, op.SuccessCount, op.FailureCount, op.TotalItems)
		}
	}
	if op.Status.IsTerminal() {
		if op.CompletedAt == nil {
			return fmt.Errorf("terminal operation without completed_at")
		}
		if op.StartedAt != nil && (op.DurationMS == nil || *op.DurationMS != op.CompletedAt.Sub(*op.StartedAt).Milliseconds()) {
			return fmt.Errorf("duration does not match completed_at - started_at")
		}
	} else if op.DurationMS != nil {
		return fmt.Errorf("duration set on non-terminal operation")
	}
	return nil
}

// EntityType returns the entity type targeted by the operation, if known.
func (op *BulkOperation) EntityType() EntityType {
	if op.Details.Changes != nil {
		return op.Details.Changes.EntityType
	}
	return ""
}

// FailureDetail is the immutable record of one item's failure within an operation.
type FailureDetail struct {
	ID           string     `json:"id"`
	OperationID  string     `json:"operation_id"`
	ItemID       string     `json:"item_id"`
	ItemType     EntityType `json:"item_type"`
	ErrorCode    string     `json:"error_code"`
	ErrorMessage string     `json:"error_message"`
	ItemData     *ChangeSet `json:"item_data,omitempty"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// RetryOutcome is the result of one retry attempt.
type RetryOutcome string

const (
	RetryOutcomeSuccess RetryOutcome = "success"
	RetryOutcomeFailure RetryOutcome = "failure"
)

// RetryLogEntry records one retry attempt for a previously failed item.
type RetryLogEntry struct {
	OperationID   string       `json:"operation_id"`
	ItemID        string       `json:"item_id"`
	AttemptNumber int          `json:"attempt_number"`
	Timestamp     time.Time    `json:"timestamp"`
	Outcome       RetryOutcome `json:"outcome"`
	ErrorCode     string       `json:"error_code,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	AttemptedBy   string       `json:"attempted_by,omitempty"`
}

// FailureResolution correlates a FailureDetail with its retry history.
type FailureResolution struct {
	FailureDetail
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Resolved      bool       `json:"resolved"`
}

// Resolve builds resolution views for failures from their retry entries.
// A failure is resolved once any retry for the same item succeeded.
func Resolve(failures []*FailureDetail, retries []*RetryLogEntry) []*FailureResolution {
	byItem := make(map[string][]*RetryLogEntry, len(retries))
	for _, r := range retries {
		byItem[r.ItemID] = append(byItem[r.ItemID], r)
	}
	out := make([]*FailureResolution, 0, len(failures))
	for _, f := range failures {
		res := &FailureResolution{FailureDetail: *f}
		for _, r := range byItem[f.ItemID] {
			res.Attempts++
			ts := r.Timestamp
			if res.LastAttemptAt == nil || ts.After(*res.LastAttemptAt) {
				res.LastAttemptAt = &ts
			}
			if r.Outcome == RetryOutcomeSuccess {
				res.Resolved = true
			}
		}
		out = append(out, res)
	}
	return out
}

package errors

import "fmt"

// Error code constants. Codes are stable API surface; messages are English
// and may change.

// Validation error codes.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeBatchSizeInvalid    = "BATCH_SIZE_INVALID"
	CodeTargetsNotFound     = "TARGET_ITEMS_NOT_FOUND"
	CodeChangeInvalid       = "PROPOSED_CHANGES_INVALID"
	CodeOperationType       = "OPERATION_TYPE_INVALID"
	CodeProgressInvalid     = "PROGRESS_DELTA_INVALID"
	CodeDateRangeInvalid    = "DATE_RANGE_INVALID"
)

// Not found error codes.
const (
	CodeRequestNotFound   = "APPROVAL_REQUEST_NOT_FOUND"
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeFailureNotFound   = "FAILURE_DETAIL_NOT_FOUND"
)

// Authorization error codes.
const (
	CodeApprovalForbidden = "APPROVAL_FORBIDDEN"
	CodeFarmForbidden     = "FARM_ACCESS_FORBIDDEN"
	CodeAuthFailed        = "AUTH_FAILED"
)

// State error codes.
const (
	CodeRequestNotPending    = "REQUEST_NOT_PENDING"
	CodeOperationState       = "OPERATION_STATE_INVALID"
	CodeOperationClaimed     = "OPERATION_ALREADY_CLAIMED"
	CodeRetryLimitReached    = "RETRY_LIMIT_REACHED"
	CodeOperationNotFinished = "OPERATION_NOT_FINISHED"
	CodeFailureResolved      = "FAILURE_ALREADY_RESOLVED"
)

// Convenience constructors using predefined codes.

// ErrRequestNotFoundf creates an approval request not found error.
func ErrRequestNotFoundf(requestID string) *AppError {
	return NotFound(CodeRequestNotFound, "approval request not found").
		WithParams(map[string]interface{}{"request_id": requestID})
}

// ErrOperationNotFoundf creates a bulk operation not found error.
func ErrOperationNotFoundf(operationID string) *AppError {
	return NotFound(CodeOperationNotFound, "bulk operation not found").
		WithParams(map[string]interface{}{"operation_id": operationID})
}

// ErrRequestNotPendingf is returned by approve/reject on a decided request.
func ErrRequestNotPendingf(requestID, current string) *AppError {
	return InvalidState(CodeRequestNotPending, fmt.Sprintf("approval request is %s, not pending_approval", current)).
		WithParams(map[string]interface{}{"request_id": requestID, "status": current})
}

// ErrOperationStatef is returned for a disallowed operation status transition.
func ErrOperationStatef(operationID, current, want string) *AppError {
	return InvalidState(CodeOperationState, fmt.Sprintf("operation is %s, expected %s", current, want)).
		WithParams(map[string]interface{}{"operation_id": operationID, "status": current})
}

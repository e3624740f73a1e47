package domain

import "time"

// Audit actions.
const (
	AuditRequestSubmitted  = "request.submitted"
	AuditRequestApproved   = "request.approved"
	AuditRequestRejected   = "request.rejected"
	AuditOperationCreated  = "operation.created"
	AuditOperationCancel   = "operation.cancel_requested"
	AuditOperationFinished = "operation.finished"
	AuditItemRetried       = "operation.item_retried"
	AuditOperationsPurged  = "operation.purged"
)

// AuditEntry is an append-only record of an actor's action.
type AuditEntry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	FarmID       string         `json:"farm_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

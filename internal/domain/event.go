package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Approval Gate
	EventRequestSubmitted EventType = "REQUEST_SUBMITTED"
	EventRequestApproved  EventType = "REQUEST_APPROVED"
	EventRequestRejected  EventType = "REQUEST_REJECTED"

	// Operation lifecycle
	EventOperationCreated         EventType = "OPERATION_CREATED"
	EventOperationStarted         EventType = "OPERATION_STARTED"
	EventOperationFinished        EventType = "OPERATION_FINISHED"
	EventOperationCancelRequested EventType = "OPERATION_CANCEL_REQUESTED"
	EventOperationsPurged         EventType = "OPERATIONS_PURGED"

	// Ledger
	EventItemRetried EventType = "ITEM_RETRIED"
)

// Aggregate types carried by events.
const (
	AggregateApprovalRequest = "approval_request"
	AggregateBulkOperation   = "bulk_operation"
	AggregateFarm            = "farm"
)

// DomainEvent represents an immutable in-process domain event.
type DomainEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	FarmID        string    `json:"farm_id"`
	Payload       []byte    `json:"payload,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewEvent builds an event with a time-ordered id.
func NewEvent(eventType EventType, aggregateType, aggregateID, farmID, actor string, at time.Time, payload []byte) *DomainEvent {
	return &DomainEvent{
		EventID:       uuid.Must(uuid.NewV7()).String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		FarmID:        farmID,
		Payload:       payload,
		CreatedBy:     actor,
		CreatedAt:     at,
	}
}

// OperationCreatedPayload is the payload of EventOperationCreated.
type OperationCreatedPayload struct {
	OperationType OperationType `json:"operation_type"`
	TotalItems    int           `json:"total_items"`
	RequestID     string        `json:"request_id,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p OperationCreatedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// OperationFinishedPayload is the payload of EventOperationFinished.
type OperationFinishedPayload struct {
	OperationType  OperationType   `json:"operation_type"`
	Status         OperationStatus `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	SuccessCount   int             `json:"success_count"`
	FailureCount   int             `json:"failure_count"`
	DurationMS     int64           `json:"duration_ms"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// NewOperationFinishedPayload snapshots op.
func NewOperationFinishedPayload(op *BulkOperation) OperationFinishedPayload {
	p := OperationFinishedPayload{
		OperationType:  op.OperationType,
		Status:         op.Status,
		TotalItems:     op.TotalItems,
		ProcessedItems: op.ProcessedItems,
		SuccessCount:   op.SuccessCount,
		FailureCount:   op.FailureCount,
		ErrorMessage:   op.ErrorMessage,
	}
	if op.DurationMS != nil {
		p.DurationMS = *op.DurationMS
	}
	return p
}

// ToJSON converts payload to JSON bytes.
func (p OperationFinishedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// ItemRetriedPayload is the payload of EventItemRetried.
type ItemRetriedPayload struct {
	ItemID        string       `json:"item_id"`
	AttemptNumber int          `json:"attempt_number"`
	Outcome       RetryOutcome `json:"outcome"`
}

// ToJSON converts payload to JSON bytes.
func (p ItemRetriedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PurgePayload is the payload of EventOperationsPurged.
type PurgePayload struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

// ToJSON converts payload to JSON bytes.
func (p PurgePayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

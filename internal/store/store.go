// Package store defines the persistence boundary of the engine and ships an
// in-memory backend. The PostgreSQL backend lives in store/postgres.
//
// Every state transition is a conditional write: a backend applies it only
// when the precondition still holds and otherwise returns ErrConflict, so two
// racing callers can never both succeed.
//
// Import Path: farmops.io/bulkops/internal/store
package store

import (
	"context"
	"errors"
	"time"

	"farmops.io/bulkops/internal/domain"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional write's precondition failed.
	ErrConflict = errors.New("store: precondition failed")
)

// OperationQuery filters ListOperations. Zero values mean "any".
type OperationQuery struct {
	FarmID        string
	OperationType domain.OperationType
	Status        domain.OperationStatus
	CreatedFrom   time.Time // inclusive
	CreatedTo     time.Time // exclusive
	Limit         int       // 0 = unlimited
	Offset        int
}

// Matches reports whether op satisfies q.
func (q OperationQuery) Matches(op *domain.BulkOperation) bool {
	if q.FarmID != "" && op.FarmID != q.FarmID {
		return false
	}
	if q.OperationType != "" && op.OperationType != q.OperationType {
		return false
	}
	if q.Status != "" && op.Status != q.Status {
		return false
	}
	if !q.CreatedFrom.IsZero() && op.CreatedAt.Before(q.CreatedFrom) {
		return false
	}
	if !q.CreatedTo.IsZero() && !op.CreatedAt.Before(q.CreatedTo) {
		return false
	}
	return true
}

// Decision carries the actor and time of an approve or reject.
type Decision struct {
	RequestID string
	Actor     string
	Notes     string // approval notes or rejection reason
	At        time.Time
}

// LedgerTotals summarizes ledger rows of a set of operations.
type LedgerTotals struct {
	FailureRows      int `json:"failure_rows"`
	RetryAttempts    int `json:"retry_attempts"`
	RetrySuccesses   int `json:"retry_successes"`
	ResolvedFailures int `json:"resolved_failures"`
}

// AuditQuery filters ListAudit.
type AuditQuery struct {
	FarmID     string
	ResourceID string
	Limit      int
}

// OperationStore persists BulkOperations.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *domain.BulkOperation) error
	GetOperation(ctx context.Context, id string) (*domain.BulkOperation, error)
	ListOperations(ctx context.Context, q OperationQuery) ([]*domain.BulkOperation, error)

	// BeginOperation moves pending → in-progress. ErrConflict otherwise.
	BeginOperation(ctx context.Context, id string, startedAt time.Time) (*domain.BulkOperation, error)
	// ApplyProgress adds d when the operation is in-progress and the counters
	// stay within bounds. ErrConflict otherwise.
	ApplyProgress(ctx context.Context, id string, d domain.ProgressDelta) (*domain.BulkOperation, error)
	// FinishOperation moves in-progress → status, see BulkOperation.CanFinishAs.
	FinishOperation(ctx context.Context, id string, status domain.OperationStatus, errMsg string, at time.Time) (*domain.BulkOperation, error)
	// RequestCancel sets the cancel flag on a pending or in-progress operation.
	RequestCancel(ctx context.Context, id string) (*domain.BulkOperation, error)
	// PurgeOlderThan deletes terminal operations created before cutoff together
	// with their approval requests and ledger rows. Empty farmID means all farms.
	PurgeOlderThan(ctx context.Context, farmID string, cutoff time.Time) (int64, error)
}

// ApprovalStore persists ApprovalRequests.
type ApprovalStore interface {
	CreateRequest(ctx context.Context, r *domain.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListRequests(ctx context.Context, farmID string, status domain.RequestStatus) ([]*domain.ApprovalRequest, error)

	// ApproveWithOperation marks the request approved and inserts op in one
	// atomic step. ErrConflict when the request is no longer pending.
	ApproveWithOperation(ctx context.Context, d Decision, op *domain.BulkOperation) (*domain.ApprovalRequest, error)
	// RejectRequest marks the request rejected. ErrConflict when not pending.
	RejectRequest(ctx context.Context, d Decision) (*domain.ApprovalRequest, error)
}

// LedgerStore persists the failure ledger and the retry log.
type LedgerStore interface {
	// AppendFailure inserts f unless a row for (operation, item) exists.
	AppendFailure(ctx context.Context, f *domain.FailureDetail) (bool, error)
	ListFailures(ctx context.Context, operationID string) ([]*domain.FailureDetail, error)
	GetFailure(ctx context.Context, operationID, itemID string) (*domain.FailureDetail, error)

	// AppendRetry assigns the next attempt number for (operation, item) and
	// stores e.
	AppendRetry(ctx context.Context, e *domain.RetryLogEntry) (*domain.RetryLogEntry, error)
	// ListRetries returns entries ordered by item and attempt. Empty itemID
	// means all items.
	ListRetries(ctx context.Context, operationID, itemID string) ([]*domain.RetryLogEntry, error)
	LedgerTotals(ctx context.Context, operationIDs []string) (LedgerTotals, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAudit(ctx context.Context, q AuditQuery) ([]*domain.AuditEntry, error)
}

// Store is the full persistence surface constructed once at bootstrap.
type Store interface {
	OperationStore
	ApprovalStore
	LedgerStore
	AuditStore
	Ping(ctx context.Context) error
}

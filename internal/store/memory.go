package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmops.io/bulkops/internal/domain"
)

type retryKey struct {
	operationID string
	itemID      string
}

// Memory is an in-process Store. Snapshots handed out are copies, so callers
// can never mutate stored state without going through the store.
type Memory struct {
	mu         sync.RWMutex
	operations map[string]*domain.BulkOperation
	requests   map[string]*domain.ApprovalRequest
	failures   map[string][]*domain.FailureDetail // by operation, insertion order
	retries    map[retryKey][]*domain.RetryLogEntry
	audit      []*domain.AuditEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		operations: make(map[string]*domain.BulkOperation),
		requests:   make(map[string]*domain.ApprovalRequest),
		failures:   make(map[string][]*domain.FailureDetail),
		retries:    make(map[retryKey][]*domain.RetryLogEntry),
	}
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// CreateOperation implements OperationStore.
func (m *Memory) CreateOperation(_ context.Context, op *domain.BulkOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.operations[op.ID]; exists {
		return ErrConflict
	}
	m.operations[op.ID] = cloneOperation(op)
	return nil
}

// GetOperation implements OperationStore.
func (m *Memory) GetOperation(_ context.Context, id string) (*domain.BulkOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOperation(op), nil
}

// ListOperations implements OperationStore. Newest first.
func (m *Memory) ListOperations(_ context.Context, q OperationQuery) ([]*domain.BulkOperation, error) {
	m.mu.RLock()
	out := make([]*domain.BulkOperation, 0)
	for _, op := range m.operations {
		if q.Matches(op) {
			out = append(out, cloneOperation(op))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, q.Offset, q.Limit), nil
}

func (m *Memory) mutateOperation(id string, fn func(op *domain.BulkOperation) bool) (*domain.BulkOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneOperation(op)
	if !fn(next) {
		return nil, ErrConflict
	}
	m.operations[id] = next
	return cloneOperation(next), nil
}

// BeginOperation implements OperationStore.
func (m *Memory) BeginOperation(_ context.Context, id string, startedAt time.Time) (*domain.BulkOperation, error) {
	return m.mutateOperation(id, func(op *domain.BulkOperation) bool {
		if op.Status != domain.OperationStatusPending {
			return false
		}
		op.Status = domain.OperationStatusInProgress
		op.StartedAt = &startedAt
		return true
	})
}

// ApplyProgress implements OperationStore.
func (m *Memory) ApplyProgress(_ context.Context, id string, d domain.ProgressDelta) (*domain.BulkOperation, error) {
	return m.mutateOperation(id, func(op *domain.BulkOperation) bool {
		if op.Status != domain.OperationStatusInProgress || !op.CanApply(d) {
			return false
		}
		op.Apply(d)
		return true
	})
}

// FinishOperation implements OperationStore.
func (m *Memory) FinishOperation(_ context.Context, id string, status domain.OperationStatus, errMsg string, at time.Time) (*domain.BulkOperation, error) {
	return m.mutateOperation(id, func(op *domain.BulkOperation) bool {
		if !op.CanFinishAs(status) {
			return false
		}
		op.MarkFinished(status, errMsg, at)
		return true
	})
}

// RequestCancel implements OperationStore.
func (m *Memory) RequestCancel(_ context.Context, id string) (*domain.BulkOperation, error) {
	return m.mutateOperation(id, func(op *domain.BulkOperation) bool {
		if op.Status.IsTerminal() {
			return false
		}
		op.CancelRequested = true
		return true
	})
}

// PurgeOlderThan implements OperationStore.
func (m *Memory) PurgeOlderThan(_ context.Context, farmID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, op := range m.operations {
		if farmID != "" && op.FarmID != farmID {
			continue
		}
		if !op.Status.IsTerminal() || !op.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.operations, id)
		delete(m.failures, id)
		for k := range m.retries {
			if k.operationID == id {
				delete(m.retries, k)
			}
		}
		for rid, r := range m.requests {
			if r.OperationID == id {
				delete(m.requests, rid)
			}
		}
		deleted++
	}
	return deleted, nil
}

// CreateRequest implements ApprovalStore.
func (m *Memory) CreateRequest(_ context.Context, r *domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; exists {
		return ErrConflict
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

// GetRequest implements ApprovalStore.
func (m *Memory) GetRequest(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

// ListRequests implements ApprovalStore. Oldest first.
func (m *Memory) ListRequests(_ context.Context, farmID string, status domain.RequestStatus) ([]*domain.ApprovalRequest, error) {
	m.mu.RLock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, r := range m.requests {
		if farmID != "" && r.FarmID != farmID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ApproveWithOperation implements ApprovalStore.
func (m *Memory) ApproveWithOperation(_ context.Context, d Decision, op *domain.BulkOperation) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[d.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != domain.RequestStatusPending {
		return nil, ErrConflict
	}
	if _, exists := m.operations[op.ID]; exists {
		return nil, ErrConflict
	}

	next := cloneRequest(r)
	at := d.At
	next.Status = domain.RequestStatusApproved
	next.ApprovedBy = d.Actor
	next.ApprovedAt = &at
	next.ApprovalNotes = d.Notes
	next.OperationID = op.ID

	m.requests[d.RequestID] = next
	m.operations[op.ID] = cloneOperation(op)
	return cloneRequest(next), nil
}

// RejectRequest implements ApprovalStore.
func (m *Memory) RejectRequest(_ context.Context, d Decision) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[d.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != domain.RequestStatusPending {
		return nil, ErrConflict
	}
	next := cloneRequest(r)
	at := d.At
	next.Status = domain.RequestStatusRejected
	next.RejectedBy = d.Actor
	next.RejectedAt = &at
	next.RejectionReason = d.Notes
	m.requests[d.RequestID] = next
	return cloneRequest(next), nil
}

// AppendFailure implements LedgerStore.
func (m *Memory) AppendFailure(_ context.Context, f *domain.FailureDetail) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operations[f.OperationID]; !ok {
		return false, ErrNotFound
	}
	for _, existing := range m.failures[f.OperationID] {
		if existing.ItemID == f.ItemID {
			return false, nil
		}
	}
	cp := *f
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	cp.ItemData = cloneChangeSet(f.ItemData)
	m.failures[f.OperationID] = append(m.failures[f.OperationID], &cp)
	return true, nil
}

// ListFailures implements LedgerStore.
func (m *Memory) ListFailures(_ context.Context, operationID string) ([]*domain.FailureDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.failures[operationID]
	out := make([]*domain.FailureDetail, 0, len(rows))
	for _, f := range rows {
		cp := *f
		cp.ItemData = cloneChangeSet(f.ItemData)
		out = append(out, &cp)
	}
	return out, nil
}

// GetFailure implements LedgerStore.
func (m *Memory) GetFailure(_ context.Context, operationID, itemID string) (*domain.FailureDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.failures[operationID] {
		if f.ItemID == itemID {
			cp := *f
			cp.ItemData = cloneChangeSet(f.ItemData)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// AppendRetry implements LedgerStore.
func (m *Memory) AppendRetry(_ context.Context, e *domain.RetryLogEntry) (*domain.RetryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operations[e.OperationID]; !ok {
		return nil, ErrNotFound
	}
	k := retryKey{e.OperationID, e.ItemID}
	cp := *e
	cp.AttemptNumber = len(m.retries[k]) + 1
	m.retries[k] = append(m.retries[k], &cp)
	out := cp
	return &out, nil
}

// ListRetries implements LedgerStore.
func (m *Memory) ListRetries(_ context.Context, operationID, itemID string) ([]*domain.RetryLogEntry, error) {
	m.mu.RLock()
	out := make([]*domain.RetryLogEntry, 0)
	for k, entries := range m.retries {
		if k.operationID != operationID || (itemID != "" && k.itemID != itemID) {
			continue
		}
		for _, e := range entries {
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

// LedgerTotals implements LedgerStore.
func (m *Memory) LedgerTotals(_ context.Context, operationIDs []string) (LedgerTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t LedgerTotals
	for _, id := range operationIDs {
		rows := m.failures[id]
		t.FailureRows += len(rows)
		for _, f := range rows {
			resolved := false
			for _, e := range m.retries[retryKey{id, f.ItemID}] {
				if e.Outcome == domain.RetryOutcomeSuccess {
					resolved = true
				}
			}
			if resolved {
				t.ResolvedFailures++
			}
		}
		for k, entries := range m.retries {
			if k.operationID != id {
				continue
			}
			t.RetryAttempts += len(entries)
			for _, e := range entries {
				if e.Outcome == domain.RetryOutcomeSuccess {
					t.RetrySuccesses++
				}
			}
		}
	}
	return t, nil
}

// AppendAudit implements AuditStore.
func (m *Memory) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// ListAudit implements AuditStore. Newest first.
func (m *Memory) ListAudit(_ context.Context, q AuditQuery) ([]*domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.AuditEntry, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if q.FarmID != "" && e.FarmID != q.FarmID {
			continue
		}
		if q.ResourceID != "" && e.ResourceID != q.ResourceID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneOperation(op *domain.BulkOperation) *domain.BulkOperation {
	cp := *op
	if op.StartedAt != nil {
		t := *op.StartedAt
		cp.StartedAt = &t
	}
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		cp.CompletedAt = &t
	}
	if op.DurationMS != nil {
		d := *op.DurationMS
		cp.DurationMS = &d
	}
	cp.Details.TargetItemIDs = append([]string(nil), op.Details.TargetItemIDs...)
	cp.Details.Changes = cloneChangeSet(op.Details.Changes)
	if op.Details.Extra != nil {
		cp.Details.Extra = make(map[string]any, len(op.Details.Extra))
		for k, v := range op.Details.Extra {
			cp.Details.Extra[k] = v
		}
	}
	return &cp
}

func cloneRequest(r *domain.ApprovalRequest) *domain.ApprovalRequest {
	cp := *r
	cp.TargetItemIDs = append([]string(nil), r.TargetItemIDs...)
	if cs := cloneChangeSet(&r.ProposedChanges); cs != nil {
		cp.ProposedChanges = *cs
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		cp.ApprovedAt = &t
	}
	if r.RejectedAt != nil {
		t := *r.RejectedAt
		cp.RejectedAt = &t
	}
	return &cp
}

// cloneChangeSet copies the variant structs; field pointers are shared since
// edits are never mutated after validation.
func cloneChangeSet(cs *domain.ChangeSet) *domain.ChangeSet {
	if cs == nil {
		return nil
	}
	cp := *cs
	if cs.Animal != nil {
		a := *cs.Animal
		cp.Animal = &a
	}
	if cs.HealthRecord != nil {
		h := *cs.HealthRecord
		cp.HealthRecord = &h
	}
	return &cp
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/store"
)

const requestColumns = `id, farm_id, target_item_ids, proposed_changes, reason, status,
	created_by, created_at, approved_by, approved_at, approval_notes,
	rejected_by, rejected_at, rejection_reason, COALESCE(operation_id, '')`

func scanRequest(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		r      domain.ApprovalRequest
		status string
	)
	err := row.Scan(
		&r.ID, &r.FarmID, &r.TargetItemIDs, &r.ProposedChanges, &r.Reason, &status,
		&r.CreatedBy, &r.CreatedAt, &r.ApprovedBy, &r.ApprovedAt, &r.ApprovalNotes,
		&r.RejectedBy, &r.RejectedAt, &r.RejectionReason, &r.OperationID,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RequestStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ApprovedAt = timePtr(r.ApprovedAt)
	r.RejectedAt = timePtr(r.RejectedAt)
	return &r, nil
}

// CreateRequest implements store.ApprovalStore.
func (s *Store) CreateRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, farm_id, target_item_ids, proposed_changes, reason, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.FarmID, r.TargetItemIDs, r.ProposedChanges, r.Reason, string(r.Status), r.CreatedBy, pgTime(r.CreatedAt),
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return store.ErrConflict
		}
		return fmt.Errorf("insert approval request %s: %w", r.ID, err)
	}
	return nil
}

// GetRequest implements store.ApprovalStore.
func (s *Store) GetRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests implements store.ApprovalStore. Oldest first.
func (s *Store) ListRequests(ctx context.Context, farmID string, status domain.RequestStatus) ([]*domain.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE ($1::text = '' OR farm_id = $1::text)
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at, id`,
		farmID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return out, nil
}

// decide applies a conditional status change on a pending request inside tx.
func decide(ctx context.Context, tx pgx.Tx, sql string, args ...any) (*domain.ApprovalRequest, error) {
	r, err := scanRequest(tx.QueryRow(ctx, sql, args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, args[0]).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

// ApproveWithOperation implements store.ApprovalStore. The status flip, the
// operation insert and the optional hook commit or roll back together.
func (s *Store) ApproveWithOperation(ctx context.Context, d store.Decision, op *domain.BulkOperation) (*domain.ApprovalRequest, error) {
	var out *domain.ApprovalRequest
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertOperation(ctx, tx, op); err != nil {
			return err
		}
		r, err := decide(ctx, tx, `
			UPDATE approval_requests
			SET status = 'approved', approved_by = $2, approved_at = $3, approval_notes = $4, operation_id = $5
			WHERE id = $1 AND status = 'pending_approval'
			RETURNING `+requestColumns,
			d.RequestID, d.Actor, pgTime(d.At), d.Notes, op.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
				return err
			}
			return fmt.Errorf("approve request %s: %w", d.RequestID, err)
		}
		if s.approveHook != nil {
			if err := s.approveHook(ctx, tx, op); err != nil {
				return fmt.Errorf("approve hook for operation %s: %w", op.ID, err)
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectRequest implements store.ApprovalStore.
func (s *Store) RejectRequest(ctx context.Context, d store.Decision) (*domain.ApprovalRequest, error) {
	var out *domain.ApprovalRequest
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := decide(ctx, tx, `
			UPDATE approval_requests
			SET status = 'rejected', rejected_by = $2, rejected_at = $3, rejection_reason = $4
			WHERE id = $1 AND status = 'pending_approval'
			RETURNING `+requestColumns,
			d.RequestID, d.Actor, pgTime(d.At), d.Notes)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
				return err
			}
			return fmt.Errorf("reject request %s: %w", d.RequestID, err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

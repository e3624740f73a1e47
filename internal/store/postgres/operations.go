package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/store"
)

const operationColumns = `id, farm_id, operation_type, status, total_items, processed_items,
	success_count, failure_count, created_by, created_at, started_at, completed_at,
	duration_ms, error_message, cancel_requested, details`

func scanOperation(row rowScanner) (*domain.BulkOperation, error) {
	var (
		op             domain.BulkOperation
		opType, status string
	)
	err := row.Scan(
		&op.ID, &op.FarmID, &opType, &status, &op.TotalItems, &op.ProcessedItems,
		&op.SuccessCount, &op.FailureCount, &op.CreatedBy, &op.CreatedAt, &op.StartedAt, &op.CompletedAt,
		&op.DurationMS, &op.ErrorMessage, &op.CancelRequested, &op.Details,
	)
	if err != nil {
		return nil, err
	}
	op.OperationType = domain.OperationType(opType)
	op.Status = domain.OperationStatus(status)
	op.CreatedAt = op.CreatedAt.UTC()
	op.StartedAt = timePtr(op.StartedAt)
	op.CompletedAt = timePtr(op.CompletedAt)
	return &op, nil
}

func insertOperation(ctx context.Context, q execer, op *domain.BulkOperation) error {
	_, err := q.Exec(ctx, `
		INSERT INTO bulk_operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		op.ID, op.FarmID, string(op.OperationType), string(op.Status), op.TotalItems, op.ProcessedItems,
		op.SuccessCount, op.FailureCount, op.CreatedBy, pgTime(op.CreatedAt), op.StartedAt, op.CompletedAt,
		op.DurationMS, op.ErrorMessage, op.CancelRequested, op.Details,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return store.ErrConflict
		}
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return nil
}

// CreateOperation implements store.OperationStore.
func (s *Store) CreateOperation(ctx context.Context, op *domain.BulkOperation) error {
	return insertOperation(ctx, s.pool, op)
}

// GetOperation implements store.OperationStore.
func (s *Store) GetOperation(ctx context.Context, id string) (*domain.BulkOperation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations implements store.OperationStore. Newest first.
func (s *Store) ListOperations(ctx context.Context, q store.OperationQuery) ([]*domain.BulkOperation, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.FarmID != "" {
		conds = append(conds, "farm_id = "+arg(q.FarmID))
	}
	if q.OperationType != "" {
		conds = append(conds, "operation_type = "+arg(string(q.OperationType)))
	}
	if q.Status != "" {
		conds = append(conds, "status = "+arg(string(q.Status)))
	}
	if !q.CreatedFrom.IsZero() {
		conds = append(conds, "created_at >= "+arg(q.CreatedFrom.UTC()))
	}
	if !q.CreatedTo.IsZero() {
		conds = append(conds, "created_at < "+arg(q.CreatedTo.UTC()))
	}

	sql := `SELECT ` + operationColumns + ` FROM bulk_operations`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		sql += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.BulkOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return out, nil
}

// conditional runs an UPDATE ... RETURNING and maps "no row" to NotFound or
// Conflict depending on whether the operation exists.
func (s *Store) conditional(ctx context.Context, id, what, sql string, args ...any) (*domain.BulkOperation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx, sql, args...))
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if pgCode(err) == pgCheckViolation {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("%s operation %s: %w", what, id, err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_operations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s operation %s: %w", what, id, err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

// BeginOperation implements store.OperationStore.
func (s *Store) BeginOperation(ctx context.Context, id string, startedAt time.Time) (*domain.BulkOperation, error) {
	return s.conditional(ctx, id, "begin", `
		UPDATE bulk_operations
		SET status = 'in-progress', started_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+operationColumns,
		id, pgTime(startedAt))
}

// ApplyProgress implements store.OperationStore.
func (s *Store) ApplyProgress(ctx context.Context, id string, d domain.ProgressDelta) (*domain.BulkOperation, error) {
	return s.conditional(ctx, id, "record progress on", `
		UPDATE bulk_operations
		SET processed_items = processed_items + $2,
		    success_count   = success_count + $3,
		    failure_count   = failure_count + $4
		WHERE id = $1
		  AND status = 'in-progress'
		  AND processed_items + $2 <= total_items
		  AND success_count + $3 + failure_count + $4 <= processed_items + $2
		RETURNING `+operationColumns,
		id, d.Processed, d.Success, d.Failure)
}

// FinishOperation implements store.OperationStore. The row is locked and the
// transition evaluated with the domain rules so both backends agree.
func (s *Store) FinishOperation(ctx context.Context, id string, status domain.OperationStatus, errMsg string, at time.Time) (*domain.BulkOperation, error) {
	var out *domain.BulkOperation
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		op, err := scanOperation(tx.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock operation %s: %w", id, err)
		}
		if !op.CanFinishAs(status) {
			return store.ErrConflict
		}
		op.MarkFinished(status, errMsg, pgTime(at))

		if _, err := tx.Exec(ctx, `
			UPDATE bulk_operations
			SET status = $2, error_message = $3, completed_at = $4, duration_ms = $5,
			    processed_items = $6, failure_count = $7
			WHERE id = $1`,
			id, string(op.Status), op.ErrorMessage, op.CompletedAt, op.DurationMS,
			op.ProcessedItems, op.FailureCount,
		); err != nil {
			return fmt.Errorf("finish operation %s: %w", id, err)
		}
		out = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestCancel implements store.OperationStore.
func (s *Store) RequestCancel(ctx context.Context, id string) (*domain.BulkOperation, error) {
	return s.conditional(ctx, id, "cancel", `
		UPDATE bulk_operations
		SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('pending', 'in-progress')
		RETURNING `+operationColumns,
		id)
}

// PurgeOlderThan implements store.OperationStore. Ledger rows go with their
// operation through ON DELETE CASCADE.
func (s *Store) PurgeOlderThan(ctx context.Context, farmID string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH doomed AS (
			SELECT id FROM bulk_operations
			WHERE created_at < $1
			  AND status IN ('completed', 'failed', 'cancelled')
			  AND ($2::text = '' OR farm_id = $2::text)
		), purged_requests AS (
			DELETE FROM approval_requests WHERE operation_id IN (SELECT id FROM doomed)
		)
		DELETE FROM bulk_operations WHERE id IN (SELECT id FROM doomed)`,
		cutoff.UTC(), farmID)
	if err != nil {
		return 0, fmt.Errorf("purge operations older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

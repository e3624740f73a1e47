package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/store"
)

// maxAttemptRaces bounds how often AppendRetry re-reads the attempt counter
// after losing a race on the primary key.
const maxAttemptRaces = 5

const failureColumns = `id, operation_id, item_id, item_type, error_code, error_message, item_data, recorded_at`

func scanFailure(row rowScanner) (*domain.FailureDetail, error) {
	var (
		f        domain.FailureDetail
		itemType string
	)
	if err := row.Scan(&f.ID, &f.OperationID, &f.ItemID, &itemType, &f.ErrorCode, &f.ErrorMessage, &f.ItemData, &f.RecordedAt); err != nil {
		return nil, err
	}
	f.ItemType = domain.EntityType(itemType)
	f.RecordedAt = f.RecordedAt.UTC()
	return &f, nil
}

// AppendFailure implements store.LedgerStore.
func (s *Store) AppendFailure(ctx context.Context, f *domain.FailureDetail) (bool, error) {
	id := f.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO failure_details (`+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id, item_id) DO NOTHING`,
		id, f.OperationID, f.ItemID, string(f.ItemType), f.ErrorCode, f.ErrorMessage, f.ItemData, pgTime(f.RecordedAt),
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("insert failure detail %s/%s: %w", f.OperationID, f.ItemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailures implements store.LedgerStore.
func (s *Store) ListFailures(ctx context.Context, operationID string) ([]*domain.FailureDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+failureColumns+` FROM failure_details
		WHERE operation_id = $1
		ORDER BY recorded_at, id`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list failures of %s: %w", operationID, err)
	}
	defer rows.Close()

	out := make([]*domain.FailureDetail, 0)
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure detail: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failures of %s: %w", operationID, err)
	}
	return out, nil
}

// GetFailure implements store.LedgerStore.
func (s *Store) GetFailure(ctx context.Context, operationID, itemID string) (*domain.FailureDetail, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx, `
		SELECT `+failureColumns+` FROM failure_details
		WHERE operation_id = $1 AND item_id = $2`, operationID, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure %s/%s: %w", operationID, itemID, err)
	}
	return f, nil
}

// AppendRetry implements store.LedgerStore. The attempt number is derived in
// the INSERT itself; a concurrent writer that took the same number makes the
// statement fail on the primary key and it is retried.
func (s *Store) AppendRetry(ctx context.Context, e *domain.RetryLogEntry) (*domain.RetryLogEntry, error) {
	for i := 0; i < maxAttemptRaces; i++ {
		out := *e
		out.Timestamp = pgTime(e.Timestamp)
		err := s.pool.QueryRow(ctx, `
			INSERT INTO retry_log (operation_id, item_id, attempt_number, attempted_at, outcome, error_code, error_message, attempted_by)
			SELECT $1, $2, COALESCE(MAX(attempt_number), 0) + 1, $3, $4, $5, $6, $7
			FROM retry_log WHERE operation_id = $1 AND item_id = $2
			RETURNING attempt_number`,
			e.OperationID, e.ItemID, out.Timestamp, string(e.Outcome), e.ErrorCode, e.ErrorMessage, e.AttemptedBy,
		).Scan(&out.AttemptNumber)
		switch pgCode(err) {
		case "":
			if err != nil {
				return nil, fmt.Errorf("append retry %s/%s: %w", e.OperationID, e.ItemID, err)
			}
			return &out, nil
		case pgUniqueViolation:
			continue
		case pgForeignKeyViolation:
			return nil, store.ErrNotFound
		default:
			return nil, fmt.Errorf("append retry %s/%s: %w", e.OperationID, e.ItemID, err)
		}
	}
	return nil, fmt.Errorf("append retry %s/%s: %w", e.OperationID, e.ItemID, store.ErrConflict)
}

// ListRetries implements store.LedgerStore.
func (s *Store) ListRetries(ctx context.Context, operationID, itemID string) ([]*domain.RetryLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_id, item_id, attempt_number, attempted_at, outcome, error_code, error_message, attempted_by
		FROM retry_log
		WHERE operation_id = $1 AND ($2::text = '' OR item_id = $2::text)
		ORDER BY item_id, attempt_number`, operationID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list retries of %s: %w", operationID, err)
	}
	defer rows.Close()

	out := make([]*domain.RetryLogEntry, 0)
	for rows.Next() {
		var (
			e       domain.RetryLogEntry
			outcome string
		)
		if err := rows.Scan(&e.OperationID, &e.ItemID, &e.AttemptNumber, &e.Timestamp, &outcome, &e.ErrorCode, &e.ErrorMessage, &e.AttemptedBy); err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		e.Outcome = domain.RetryOutcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list retries of %s: %w", operationID, err)
	}
	return out, nil
}

// LedgerTotals implements store.LedgerStore.
func (s *Store) LedgerTotals(ctx context.Context, operationIDs []string) (store.LedgerTotals, error) {
	var t store.LedgerTotals
	if len(operationIDs) == 0 {
		return t, nil
	}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM failure_details WHERE operation_id = ANY($1::text[])),
			(SELECT COUNT(*) FROM retry_log WHERE operation_id = ANY($1::text[])),
			(SELECT COUNT(*) FROM retry_log WHERE operation_id = ANY($1::text[]) AND outcome = 'success'),
			(SELECT COUNT(*) FROM failure_details f
			 WHERE f.operation_id = ANY($1::text[])
			   AND EXISTS (SELECT 1 FROM retry_log r
			               WHERE r.operation_id = f.operation_id AND r.item_id = f.item_id AND r.outcome = 'success'))`,
		operationIDs,
	).Scan(&t.FailureRows, &t.RetryAttempts, &t.RetrySuccesses, &t.ResolvedFailures)
	if err != nil {
		return t, fmt.Errorf("ledger totals: %w", err)
	}
	return t, nil
}

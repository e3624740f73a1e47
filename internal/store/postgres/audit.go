package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/store"
)

// AppendAudit implements store.AuditStore.
func (s *Store) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	id := e.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, action, actor_id, farm_id, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, e.Action, e.ActorID, e.FarmID, e.ResourceType, e.ResourceID, e.Details, pgTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.Action, err)
	}
	return nil
}

// ListAudit implements store.AuditStore. Newest first.
func (s *Store) ListAudit(ctx context.Context, q store.AuditQuery) ([]*domain.AuditEntry, error) {
	sql := `
		SELECT id, action, actor_id, farm_id, resource_type, resource_id, details, created_at
		FROM audit_log
		WHERE ($1::text = '' OR farm_id = $1::text)
		  AND ($2::text = '' OR resource_id = $2::text)
		ORDER BY created_at DESC, id DESC`
	args := []any{q.FarmID, q.ResourceID}
	if q.Limit > 0 {
		sql += " LIMIT $3"
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.FarmID, &e.ResourceType, &e.ResourceID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS farm_members (
    farm_id    TEXT        NOT NULL,
    user_id    TEXT        NOT NULL,
    role       TEXT        NOT NULL CHECK (role IN ('owner', 'manager', 'member', 'viewer')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (farm_id, user_id)
)`

// Postgres reads roles from the farm_members table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres checker.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the farm_members table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply farm_members schema: %w", err)
	}
	return nil
}

// FarmRole implements Checker.
func (p *Postgres) FarmRole(ctx context.Context, userID, farmID string) (FarmRole, bool, error) {
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT role FROM farm_members WHERE farm_id = $1 AND user_id = $2`,
		farmID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup role of %s on farm %s: %w", userID, farmID, err)
	}
	return FarmRole(role), true, nil
}

// Grant upserts a membership.
func (p *Postgres) Grant(ctx context.Context, farmID, userID string, role FarmRole) error {
	if !role.Valid() {
		return fmt.Errorf("unknown farm role %q", role)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO farm_members (farm_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (farm_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		farmID, userID, string(role))
	if err != nil {
		return fmt.Errorf("grant %s on farm %s: %w", role, farmID, err)
	}
	return nil
}

// Package postgres is the PostgreSQL backend of store.Store, built on pgx.
//
// All statements are parameterized. State transitions are single conditional
// UPDATEs (or SELECT ... FOR UPDATE inside a transaction) so concurrent
// callers are serialized by row locks.
//
// Import Path: farmops.io/bulkops/internal/store/postgres
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes inspected by the store.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// ApproveTxHook runs inside the approval transaction after the operation row
// is inserted. Returning an error rolls the approval back. Queue mode uses it
// to enqueue the execution job atomically with the approval.
type ApproveTxHook func(ctx context.Context, tx pgx.Tx, op *domain.BulkOperation) error

// Store implements store.Store on a shared pgxpool.
type Store struct {
	pool        *pgxpool.Pool
	approveHook ApproveTxHook
}

var _ store.Store = (*Store)(nil)

// New creates a Store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SetApproveHook installs the approval transaction hook. Call before serving.
func (s *Store) SetApproveHook(h ApproveTxHook) {
	s.approveHook = h
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the engine tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply engine schema: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// pgTime truncates to the precision PostgreSQL stores so values computed in
// Go (durations) agree with values read back.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

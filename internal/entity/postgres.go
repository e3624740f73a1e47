package entity

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmops.io/bulkops/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a Store over the animals and health_records tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres entity store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the record tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply entity schema: %w", err)
	}
	return nil
}

// ReadMany implements Store.
func (p *Postgres) ReadMany(ctx context.Context, farmID string, t domain.EntityType, ids []string) ([]Record, error) {
	table, ok := TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT r.id, to_jsonb(r) FROM `+table+` r WHERE r.farm_id = $1 AND r.id = ANY($2::text[]) ORDER BY r.id`,
		farmID, ids)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]Record, 0, len(ids))
	for rows.Next() {
		rec := Record{FarmID: farmID, Type: t}
		if err := rows.Scan(&rec.ID, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return out, nil
}

// Update implements Store. Column names come from the writable whitelist;
// every value is a bind parameter.
func (p *Postgres) Update(ctx context.Context, farmID, id string, change domain.ChangeSet) error {
	table, ok := TableFor(change.EntityType)
	if !ok {
		return domain.NewItemError(domain.ItemErrInvalidChange, fmt.Sprintf("unsupported entity type %q", change.EntityType))
	}
	cols := change.Columns()
	if len(cols) == 0 {
		return domain.NewItemError(domain.ItemErrInvalidChange, "no fields to change")
	}

	args := []any{farmID, id}
	sets := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		if !writable(change.EntityType, col.Name) {
			return domain.NewItemError(domain.ItemErrInvalidChange, fmt.Sprintf("column %s is not writable", col.Name))
		}
		v := col.Value
		if col.Name == "follow_up_date" {
			s, _ := v.(string)
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return domain.NewItemError(domain.ItemErrInvalidChange, "follow_up_date must be YYYY-MM-DD")
			}
			v = d
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col.Name, len(args)))
	}
	sets = append(sets, "updated_at = now()")

	tag, err := p.pool.Exec(ctx,
		`UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE farm_id = $1 AND id = $2`,
		args...)
	if err != nil {
		return classify(err, table, id)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewItemError(domain.ItemErrNotFound, fmt.Sprintf("%s %s not found", change.EntityType, id))
	}
	return nil
}

// Put inserts or replaces one record. Attributes outside the known columns
// are rejected.
func (p *Postgres) Put(ctx context.Context, farmID string, t domain.EntityType, id string, attrs map[string]any) error {
	table, ok := TableFor(t)
	if !ok {
		return fmt.Errorf("unsupported entity type %q", t)
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if !loadable(t, name) {
			return fmt.Errorf("unknown %s column %q", t, name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	cols := []string{"id", "farm_id"}
	args := []any{id, farmID}
	updates := []string{"farm_id = EXCLUDED.farm_id", "updated_at = now()"}
	for _, name := range names {
		v := attrs[name]
		if name == "follow_up_date" {
			s, _ := v.(string)
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return fmt.Errorf("%s %s: follow_up_date must be YYYY-MM-DD", t, id)
			}
			v = d
		}
		cols = append(cols, name)
		args = append(args, v)
		updates = append(updates, name+" = EXCLUDED."+name)
	}
	params := make([]string, len(args))
	for i := range args {
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+table+` (`+strings.Join(cols, ", ")+`) VALUES (`+strings.Join(params, ", ")+`)
		ON CONFLICT (id) DO UPDATE SET `+strings.Join(updates, ", "),
		args...)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", table, id, err)
	}
	return nil
}

// classify turns constraint and data errors into item failures. Everything
// else (connection loss, missing table) is systemic.
func classify(err error, table, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23514", pgErr.Code == "23502", strings.HasPrefix(pgErr.Code, "22"):
			return domain.NewItemError(domain.ItemErrInvalidChange, pgErr.Message)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return domain.NewItemError(domain.ItemErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("update %s %s: %w", table, id, err)
}

package tenant

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// undefined_table
const codeUndefinedTable = "42P01"

// PGStore implements BranchFinder and ModuleStore on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Branch(ctx context.Context, id int64) (*Branch, error) {
	var b Branch
	err := s.db.QueryRowContext(ctx,
		`select id, code, name, active, currency, timezone from branches where id=$1`, id).
		Scan(&b.ID, &b.Code, &b.Name, &b.Active, &b.Currency, &b.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *PGStore) Module(ctx context.Context, key string) (*Module, error) {
	var m Module
	err := s.db.QueryRowContext(ctx, `select key, name, active from modules where key=$1`, key).
		Scan(&m.Key, &m.Name, &m.Active)
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (s *PGStore) ModuleEnabled(ctx context.Context, branchID int64, key string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`select enabled from branch_modules where branch_id=$1 and module_key=$2`, branchID, key).
		Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, classify(err)
	}
	return enabled, nil
}

// SetModuleEnabled upserts the branch-module association.
func (s *PGStore) SetModuleEnabled(ctx context.Context, branchID int64, key string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		insert into branch_modules(branch_id, module_key, enabled) values($1,$2,$3)
		on conflict (branch_id, module_key) do update set enabled = excluded.enabled`,
		branchID, key, enabled)
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable {
		return ErrSchemaMissing
	}
	return err
}

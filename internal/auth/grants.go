package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Grants holds the role and permission assignments of a user as stored,
// before elevation is applied.
type Grants struct {
	UserID      int64    `json:"user_id" yaml:"user_id"`
	Roles       []string `json:"roles" yaml:"roles"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// AssignRole gives userID the canonical form of role.
func (s *PGStore) AssignRole(ctx context.Context, userID int64, role string) (Role, error) {
	r, ok := ParseRole(role)
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	_, err := s.db.ExecContext(ctx, `insert into user_roles(user_id, role) values($1, $2)`, userID, string(r))
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return r, ErrConflict
		case pgErrForeignKeyViolation:
			return "", ErrNotFound
		}
	}
	return r, err
}

// RevokeRole removes role from userID.
func (s *PGStore) RevokeRole(ctx context.Context, userID int64, role string) error {
	r, ok := ParseRole(role)
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return execOne(ctx, s.db, `delete from user_roles where user_id = $1 and role = $2`, userID, string(r))
}

// SetRolePermissions replaces the permission set of role in one transaction.
func (s *PGStore) SetRolePermissions(ctx context.Context, role string, permissions []string) (Role, error) {
	r, ok := ParseRole(role)
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	perms := cleanPermissions(permissions)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role = $1`, string(r)); err != nil {
		return "", err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role, permission) values($1, $2)`, string(r), p); err != nil {
			return "", err
		}
	}
	return r, tx.Commit()
}

// GrantPermission adds a direct grant to userID. Granting twice is a no-op.
func (s *PGStore) GrantPermission(ctx context.Context, userID int64, permission string) error {
	perms := cleanPermissions([]string{permission})
	if len(perms) == 0 {
		return fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_permissions(user_id, permission) values($1, $2)
		on conflict (user_id, permission) do nothing`, userID, perms[0])
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

// RevokePermission removes a direct grant from userID.
func (s *PGStore) RevokePermission(ctx context.Context, userID int64, permission string) error {
	return execOne(ctx, s.db, `delete from user_permissions where user_id = $1 and permission = $2`,
		userID, strings.TrimSpace(permission))
}

// UserGrants returns the stored roles and direct permissions of userID.
func (s *PGStore) UserGrants(ctx context.Context, userID int64) (Grants, error) {
	if _, err := s.Users(ctx).Find(ctx, userID); err != nil {
		return Grants{}, err
	}
	roles, err := queryStrings(ctx, s.db, `select role from user_roles where user_id = $1 order by role`, userID)
	if err != nil {
		return Grants{}, err
	}
	perms, err := queryStrings(ctx, s.db,
		`select permission from user_permissions where user_id = $1 order by permission`, userID)
	if err != nil {
		return Grants{}, err
	}
	return Grants{UserID: userID, Roles: nonNil(roles), Permissions: nonNil(perms)}, nil
}

func cleanPermissions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

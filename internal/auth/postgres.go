package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore { return &userStore{db: s.db} }
func (s *PGStore) PersonalTokens(context.Context) PersonalTokenStore {
	return &personalTokenStore{db: s.db}
}
func (s *PGStore) Tracking(context.Context) TrackingStore { return &trackingStore{db: s.db} }

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, branch_id, email, name, password_hash, status, password_changed_at,
	two_factor_enabled, two_factor_secret, remember_token_hash, max_discount_percent, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u        User
		branchID sql.NullInt64
		secret   sql.NullString
		remember sql.NullString
	)
	err := row.Scan(&u.ID, &branchID, &u.Email, &u.Name, &u.PasswordHash, &u.Status, &u.PasswordChangedAt,
		&u.TwoFactorEnabled, &secret, &remember, &u.Limits.MaxDiscountPercent, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if branchID.Valid {
		id := branchID.Int64
		u.BranchID = &id
	}
	u.TwoFactorSecret = secret.String
	if remember.Valid {
		h := remember.String
		u.RememberTokenHash = &h
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) Roles(ctx context.Context, userID int64) ([]string, error) {
	return queryStrings(ctx, s.db, `select role from user_roles where user_id=$1 order by role`, userID)
}

// Permissions returns direct grants plus grants inherited through roles.
func (s *userStore) Permissions(ctx context.Context, userID int64) ([]string, error) {
	return queryStrings(ctx, s.db, `
		select permission from user_permissions where user_id=$1
		union
		select rp.permission from role_permissions rp
		join user_roles ur on ur.role = rp.role
		where ur.user_id=$1`, userID)
}

func (s *userStore) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	return execOne(ctx, s.db, `update users set password_hash=$2, updated_at=now() where id=$1`, userID, hash)
}

func (s *userStore) SetPasswordChangedAt(ctx context.Context, userID int64, at time.Time) error {
	return execOne(ctx, s.db, `update users set password_changed_at=$2, updated_at=now() where id=$1`, userID, at)
}

func (s *userStore) SetRememberToken(ctx context.Context, userID int64, hash *string) error {
	return execOne(ctx, s.db, `update users set remember_token_hash=$2 where id=$1`, userID, hash)
}

func (s *userStore) EnableTwoFactor(ctx context.Context, userID int64, secret string) error {
	return execOne(ctx, s.db,
		`update users set two_factor_enabled=true, two_factor_secret=$2, updated_at=now() where id=$1`, userID, secret)
}

// Personal token store ------------------------------------------------------
type personalTokenStore struct{ db *sql.DB }

func (s *personalTokenStore) Create(ctx context.Context, tok *PersonalToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into personal_tokens(id, user_id, name, expires_at) values($1,$2,$3,$4)`,
		tok.ID, tok.UserID, tok.Name, tok.ExpiresAt,
	)
	return err
}

func (s *personalTokenStore) Find(ctx context.Context, id string) (*PersonalToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, name, expires_at, revoked_at, created_at from personal_tokens where id=$1`, id)
	var (
		tok     PersonalToken
		revoked sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.Name, &tok.ExpiresAt, &revoked, &tok.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revoked.Valid {
		at := revoked.Time
		tok.RevokedAt = &at
	}
	return &tok, nil
}

func (s *personalTokenStore) RevokeAllForUser(ctx context.Context, userID int64, exceptID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update personal_tokens set revoked_at=$3 where user_id=$1 and id<>$2 and revoked_at is null`,
		userID, exceptID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Tracking store -----------------------------------------------------------
type trackingStore struct{ db *sql.DB }

func (s *trackingStore) Record(ctx context.Context, t TrackedSession) error {
	_, err := s.db.ExecContext(ctx, `
		insert into session_activity(session_id, user_id, ip_address, user_agent, created_at, last_seen_at)
		values($1,$2,$3,$4,$5,$5)
		on conflict (session_id) do update set last_seen_at = excluded.last_seen_at`,
		t.SessionID, t.UserID, t.IPAddress, t.UserAgent, t.CreatedAt)
	return err
}

func (s *trackingStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update session_activity set last_seen_at=$2 where session_id=$1`, sessionID, at)
	return err
}

func (s *trackingStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `delete from session_activity where session_id=$1`, sessionID)
	return err
}

func (s *trackingStore) DeleteAllForUser(ctx context.Context, userID int64, exceptSessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from session_activity where user_id=$1 and session_id<>$2`, userID, exceptSessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *trackingStore) ListByUser(ctx context.Context, userID int64) ([]TrackedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		select session_id, user_id, ip_address, user_agent, created_at, last_seen_at
		from session_activity where user_id=$1 order by last_seen_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TrackedSession
	for rows.Next() {
		var t TrackedSession
		if err := rows.Scan(&t.SessionID, &t.UserID, &t.IPAddress, &t.UserAgent, &t.CreatedAt, &t.LastSeenAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// helpers --------------------------------------------------------------------

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package apitoken

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore keeps tokens in store_tokens; abilities are a jsonb array.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) FindByHash(ctx context.Context, hash string) (*Token, error) {
	var (
		tok       Token
		abilities []byte
		expires   sql.NullTime
		lastUsed  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, branch_id, name, token_hash, abilities, expires_at, last_used_at, created_at
		from store_tokens where token_hash=$1`, hash).
		Scan(&tok.ID, &tok.BranchID, &tok.Name, &tok.Hash, &abilities, &expires, &lastUsed, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(abilities, &tok.Abilities); err != nil {
		return nil, fmt.Errorf("decode abilities of token %d: %w", tok.ID, err)
	}
	if expires.Valid {
		t := expires.Time
		tok.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		tok.LastUsedAt = &t
	}
	return &tok, nil
}

func (s *PGStore) Create(ctx context.Context, tok *Token) error {
	abilities, err := json.Marshal(tok.Abilities)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		insert into store_tokens(branch_id, name, token_hash, abilities, expires_at, created_at)
		values($1,$2,$3,$4::jsonb,$5,$6) returning id`,
		tok.BranchID, tok.Name, tok.Hash, string(abilities), tok.ExpiresAt, tok.CreatedAt).
		Scan(&tok.ID)
}

func (s *PGStore) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update store_tokens set last_used_at=$2 where id=$1`, id, at)
	return err
}

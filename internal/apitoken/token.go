// Package apitoken authenticates branch-scoped integration tokens. Their
// abilities are a vocabulary separate from user permissions.
package apitoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"branchgate.org/internal/tenant"
)

// Wildcard grants every ability.
const Wildcard = "*"

const (
	QueryParam   = "api_token"
	PayloadField = "api_token"
	PlainPrefix  = "bgs_"
)

var ErrNotFound = errors.New("apitoken: not found")

// Token is a persisted store token. The plaintext is never stored.
type Token struct {
	ID         int64      `json:"id"`
	BranchID   int64      `json:"branch_id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	Abilities  []string   `json:"abilities"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Can reports whether the token holds ability, directly or via the wildcard.
func (t Token) Can(ability string) bool {
	return slices.Contains(t.Abilities, Wildcard) || slices.Contains(t.Abilities, ability)
}

// Expired reports whether the token is dead at now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Store persists tokens by hash.
type Store interface {
	FindByHash(ctx context.Context, hash string) (*Token, error)
	Create(ctx context.Context, tok *Token) error
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// Hash is the lookup key stored instead of the plaintext.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Extract returns the bearer token from the Authorization header, falling
// back to the api_token query parameter and then the body field.
func Extract(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if v := strings.TrimSpace(value); v != "" {
				return v
			}
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get(QueryParam)); v != "" {
		return v
	}
	v, _ := tenant.PayloadValue(r, PayloadField)
	return v
}

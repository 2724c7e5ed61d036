package apitoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/deny"
	"branchgate.org/internal/ids"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/tenant"
)

// Authenticator validates store tokens and issues new ones.
type Authenticator struct {
	tokens   Store
	branches tenant.BranchFinder
	now      func() time.Time
}

func NewAuthenticator(tokens Store, branches tenant.BranchFinder) *Authenticator {
	return &Authenticator{tokens: tokens, branches: branches, now: time.Now}
}

// Authenticate checks raw against expiry, the owning branch and the required
// abilities. An empty required list demands the wildcard: a narrowly scoped
// token must not reach an endpoint that simply forgot to declare a scope.
func (a *Authenticator) Authenticate(ctx context.Context, raw string, required []string) (*Token, *tenant.Branch, error) {
	tok, branch, err := a.authenticate(ctx, raw, required)
	if err != nil {
		obs.CountTokenAuth(deny.KindOf(err).String())
		return nil, nil, err
	}
	obs.CountTokenAuth("ok")

	if err := a.tokens.TouchLastUsed(ctx, tok.ID, a.now().UTC()); err != nil {
		obs.Logger().Warn("store token last-used update failed", zap.Int64("token_id", tok.ID), zap.Error(err))
	}
	return tok, branch, nil
}

func (a *Authenticator) authenticate(ctx context.Context, raw string, required []string) (*Token, *tenant.Branch, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, deny.New(deny.KindUnauthenticated, "API token required")
	}

	tok, err := a.tokens.FindByHash(ctx, Hash(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, deny.New(deny.KindInvalidCredential, "invalid API token")
		}
		return nil, nil, fmt.Errorf("lookup token: %w", err)
	}
	if tok.Expired(a.now()) {
		return nil, nil, deny.New(deny.KindExpired, "API token expired")
	}

	branch, err := a.branches.Branch(ctx, tok.BranchID)
	if err != nil && !errors.Is(err, tenant.ErrNotFound) {
		return nil, nil, fmt.Errorf("load token branch: %w", err)
	}
	if branch == nil || !branch.Active {
		return nil, nil, deny.New(deny.KindTenantInactive, "branch for this token is inactive")
	}

	if len(required) == 0 {
		if !tok.Can(Wildcard) {
			return nil, nil, deny.New(deny.KindInsufficientScope, "token lacks full access").
				WithMeta("required", Wildcard)
		}
		return tok, branch, nil
	}
	for _, ability := range required {
		if !tok.Can(ability) {
			return nil, nil, deny.New(deny.KindInsufficientScope, "token lacks ability %q", ability).
				WithMeta("required", ability)
		}
	}
	return tok, branch, nil
}

// Issue creates a token for branchID and returns its plaintext once.
// ttl <= 0 issues a token without expiry.
func (a *Authenticator) Issue(ctx context.Context, branchID int64, name string, abilities []string, ttl time.Duration) (string, *Token, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("token name is required")
	}
	clean := make([]string, 0, len(abilities))
	for _, ab := range abilities {
		if ab = strings.TrimSpace(ab); ab != "" {
			clean = append(clean, ab)
		}
	}
	if len(clean) == 0 {
		return "", nil, errors.New("at least one ability is required")
	}
	if _, err := a.branches.Branch(ctx, branchID); err != nil {
		return "", nil, fmt.Errorf("branch %d: %w", branchID, err)
	}

	secret, err := ids.Secret(32)
	if err != nil {
		return "", nil, err
	}
	plain := PlainPrefix + secret
	now := a.now().UTC()
	tok := &Token{
		BranchID:  branchID,
		Name:      name,
		Hash:      Hash(plain),
		Abilities: clean,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		tok.ExpiresAt = &exp
	}
	if err := a.tokens.Create(ctx, tok); err != nil {
		return "", nil, err
	}
	return plain, tok, nil
}

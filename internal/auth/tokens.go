package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SupportsTokens reports whether personal access tokens are enabled.
func (s *Service) SupportsTokens() bool {
	return len(s.tokenSecret) > 0
}

// IssuePersonalToken signs a bearer token for userID and records its jti so
// it can be revoked later.
func (s *Service) IssuePersonalToken(ctx context.Context, userID int64, name string, ttl time.Duration) (string, PersonalToken, error) {
	if !s.SupportsTokens() {
		return "", PersonalToken{}, ErrNotImplemented
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", PersonalToken{}, fmt.Errorf("%w: token name is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := s.now().UTC()
	rec := PersonalToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		ID:        rec.ID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.tokenSecret)
	if err != nil {
		return "", PersonalToken{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.store.PersonalTokens(ctx).Create(ctx, &rec); err != nil {
		return "", PersonalToken{}, err
	}
	return signed, rec, nil
}

// AuthenticateBearer validates a personal access token and loads its owner.
func (s *Service) AuthenticateBearer(ctx context.Context, raw string) (Principal, PersonalToken, error) {
	if !s.SupportsTokens() {
		return Principal{}, PersonalToken{}, ErrNotImplemented
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, PersonalToken{}, ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.tokenSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, PersonalToken{}, ErrTokenExpired
		}
		return Principal{}, PersonalToken{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.ID == "" {
		return Principal{}, PersonalToken{}, ErrInvalidToken
	}
	rec, err := s.store.PersonalTokens(ctx).Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, PersonalToken{}, ErrInvalidToken
		}
		return Principal{}, PersonalToken{}, err
	}
	if rec.UserID != userID {
		return Principal{}, PersonalToken{}, ErrInvalidToken
	}
	if rec.RevokedAt != nil {
		return Principal{}, PersonalToken{}, ErrTokenRevoked
	}
	if !s.now().Before(rec.ExpiresAt) {
		return Principal{}, PersonalToken{}, ErrTokenExpired
	}
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, PersonalToken{}, ErrInvalidToken
		}
		return Principal{}, PersonalToken{}, err
	}
	if !principal.Active {
		return Principal{}, PersonalToken{}, ErrInvalidToken
	}
	return principal, *rec, nil
}

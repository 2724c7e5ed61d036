package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/ids"
	"branchgate.org/internal/obs"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
	issuer          = "branchgate"
)

// Service loads principals and manages user credentials.
type Service struct {
	store Store
	now   func() time.Time

	tokenSecret []byte
	tokenTTL    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret enables personal access tokens signed with HS256.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		if len(secret) < 32 {
			return errors.New("auth: token secret must be at least 32 bytes")
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// WithTokenTTL configures personal token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth store is required")
	}
	svc := &Service{
		store:    store,
		now:      time.Now,
		tokenTTL: defaultTokenTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Principal loads user with resolved roles and permissions.
func (s *Service) Principal(ctx context.Context, userID int64) (Principal, error) {
	users := s.store.Users(ctx)
	user, err := users.Find(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	roleNames, err := users.Roles(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	roles := make([]Role, 0, len(roleNames))
	for _, name := range roleNames {
		r, ok := ParseRole(name)
		if !ok {
			obs.Logger().Warn("unknown role ignored", zap.Int64("user_id", userID), zap.String("role", name))
			continue
		}
		roles = append(roles, r)
	}
	perms, err := users.Permissions(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, roles, perms), nil
}

// PrincipalByEmail loads a principal by login email.
func (s *Service) PrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	user, err := s.store.Users(ctx).FindByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return Principal{}, err
	}
	return s.Principal(ctx, user.ID)
}

// Authenticate checks email/password and returns the active principal.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Principal{}, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	if NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user.ID, password)
	}
	return s.Principal(ctx, user.ID)
}

// rehash upgrades a stored hash after a successful login. Failure only
// costs the upgrade.
func (s *Service) rehash(ctx context.Context, userID int64, password string) {
	hash, err := HashPassword(password)
	if err == nil {
		err = s.store.Users(ctx).UpdatePassword(ctx, userID, hash)
	}
	if err != nil {
		obs.Logger().Warn("password rehash failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// ChangePassword verifies the current password and stores the new hash.
// Callers follow up with Invalidator.Invalidate, which bumps
// password_changed_at and revokes the other credentials.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	users := s.store.Users(ctx)
	user, err := users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return users.UpdatePassword(ctx, userID, hash)
}

// EnableTwoFactor stores a confirmed TOTP secret for the user.
func (s *Service) EnableTwoFactor(ctx context.Context, userID int64, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	return s.store.Users(ctx).EnableTwoFactor(ctx, userID, secret)
}

// Tracking exposes the session tracking store.
func (s *Service) Tracking(ctx context.Context) TrackingStore {
	return s.store.Tracking(ctx)
}

// IssueRememberToken rotates the user's remember-me secret and returns the
// cookie value "<userID>|<secret>". Only the sha256 of the secret is stored.
func (s *Service) IssueRememberToken(ctx context.Context, userID int64) (string, error) {
	secret, err := ids.Secret(32)
	if err != nil {
		return "", err
	}
	hash := hashSecret(secret)
	if err := s.store.Users(ctx).SetRememberToken(ctx, userID, &hash); err != nil {
		return "", err
	}
	return strconv.FormatInt(userID, 10) + "|" + secret, nil
}

// ResolveRemember validates a remember-me cookie value.
func (s *Service) ResolveRemember(ctx context.Context, cookie string) (Principal, error) {
	idPart, secret, ok := strings.Cut(cookie, "|")
	if !ok || secret == "" {
		return Principal{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if user.RememberTokenHash == nil || !subtleCompare(*user.RememberTokenHash, hashSecret(secret)) {
		return Principal{}, ErrInvalidToken
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrInvalidToken
	}
	return s.Principal(ctx, userID)
}

// ForgetRemember drops the user's remember-me secret.
func (s *Service) ForgetRemember(ctx context.Context, userID int64) error {
	return s.store.Users(ctx).SetRememberToken(ctx, userID, nil)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

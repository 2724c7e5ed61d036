package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	PersonalTokens(ctx context.Context) PersonalTokenStore
	Tracking(ctx context.Context) TrackingStore
}

// UserStore manages accounts and their grants.
type UserStore interface {
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Roles(ctx context.Context, userID int64) ([]string, error)
	Permissions(ctx context.Context, userID int64) ([]string, error)
	UpdatePassword(ctx context.Context, userID int64, hash string) error
	SetPasswordChangedAt(ctx context.Context, userID int64, at time.Time) error
	SetRememberToken(ctx context.Context, userID int64, hash *string) error
	EnableTwoFactor(ctx context.Context, userID int64, secret string) error
}

// PersonalTokenStore manages user bearer token lifecycle.
type PersonalTokenStore interface {
	Create(ctx context.Context, tok *PersonalToken) error
	Find(ctx context.Context, id string) (*PersonalToken, error)
	RevokeAllForUser(ctx context.Context, userID int64, exceptID string, at time.Time) (int64, error)
}

// TrackingStore keeps the per-device login records shown to users.
type TrackingStore interface {
	Record(ctx context.Context, s TrackedSession) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteAllForUser(ctx context.Context, userID int64, exceptSessionID string) (int64, error)
	ListByUser(ctx context.Context, userID int64) ([]TrackedSession, error)
}

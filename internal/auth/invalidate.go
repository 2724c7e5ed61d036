package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/obs"
)

// SessionPurger deletes server-side sessions of a user.
type SessionPurger interface {
	PurgeUser(ctx context.Context, userID int64, keepSessionID string) (int, error)
}

// TrustCarrier re-stamps the 2FA trust of a preserved session after the
// password-changed timestamp moved from previous to changedAt.
type TrustCarrier interface {
	CarryTrust(ctx context.Context, sessionID string, previous, changedAt time.Time) error
}

// Keep names the credentials that survive an invalidation.
type Keep struct {
	SessionID string
	TokenID   string
}

// Report summarises one invalidation run. Failed lists the steps that
// errored; the other steps still ran.
type Report struct {
	UserID            int64     `json:"user_id" yaml:"user_id"`
	TokensRevoked     int64     `json:"tokens_revoked" yaml:"tokens_revoked"`
	SessionsPurged    int       `json:"sessions_purged" yaml:"sessions_purged"`
	TrackingCleared   int64     `json:"tracking_cleared" yaml:"tracking_cleared"`
	RememberCleared   bool      `json:"remember_cleared" yaml:"remember_cleared"`
	PasswordChangedAt time.Time `json:"password_changed_at" yaml:"password_changed_at"`
	Failed            []string  `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// OK reports whether every step succeeded.
func (r Report) OK() bool { return len(r.Failed) == 0 }

const (
	StepTokens          = "tokens"
	StepSessions        = "sessions"
	StepTracking        = "tracking"
	StepRemember        = "remember"
	StepPasswordChanged = "password_changed_at"
	StepTrust           = "trust"
)

// Invalidator revokes every credential of a user except the kept ones.
type Invalidator struct {
	store    Store
	sessions SessionPurger
	trust    TrustCarrier
	now      func() time.Time
}

// NewInvalidator wires the invalidator. sessions and trust may be nil when
// the deployment runs without server-side sessions.
func NewInvalidator(store Store, sessions SessionPurger, trust TrustCarrier) *Invalidator {
	return &Invalidator{store: store, sessions: sessions, trust: trust, now: time.Now}
}

// Invalidate runs every revocation step independently. A failing step is
// logged and counted, never returned: a partial revocation still has to
// complete the remaining steps. Running it twice is harmless.
func (inv *Invalidator) Invalidate(ctx context.Context, userID int64, keep Keep) Report {
	log := obs.Logger().With(zap.Int64("user_id", userID))
	now := inv.now().UTC()
	rep := Report{UserID: userID}

	step := func(name string, err error) bool {
		obs.CountInvalidationStep(name, err == nil)
		if err != nil {
			log.Error("invalidation step failed", zap.String("step", name), zap.Error(err))
			rep.Failed = append(rep.Failed, name)
			return false
		}
		return true
	}

	n, err := inv.store.PersonalTokens(ctx).RevokeAllForUser(ctx, userID, keep.TokenID, now)
	if step(StepTokens, err) {
		rep.TokensRevoked = n
	}

	if inv.sessions != nil {
		purged, err := inv.sessions.PurgeUser(ctx, userID, keep.SessionID)
		if step(StepSessions, err) {
			rep.SessionsPurged = purged
		}
	}

	cleared, err := inv.store.Tracking(ctx).DeleteAllForUser(ctx, userID, keep.SessionID)
	if step(StepTracking, err) {
		rep.TrackingCleared = cleared
	}

	users := inv.store.Users(ctx)
	rep.RememberCleared = step(StepRemember, users.SetRememberToken(ctx, userID, nil))

	var previous time.Time
	if u, err := users.Find(ctx, userID); err == nil {
		previous = u.PasswordChangedAt
	} else if !errors.Is(err, ErrNotFound) {
		log.Warn("previous password change unknown", zap.Error(err))
	}

	// Postgres keeps microseconds; stamping a truncated value avoids the
	// kept session comparing against a rounded timestamp.
	changedAt := now.Truncate(time.Microsecond)
	if !step(StepPasswordChanged, users.SetPasswordChangedAt(ctx, userID, changedAt)) {
		log.Info("invalidation finished", zap.Strings("failed", rep.Failed))
		return rep
	}
	rep.PasswordChangedAt = changedAt

	if keep.SessionID != "" && inv.trust != nil {
		step(StepTrust, inv.trust.CarryTrust(ctx, keep.SessionID, previous, changedAt))
	}

	log.Info("invalidation finished",
		zap.Int64("tokens_revoked", rep.TokensRevoked),
		zap.Int("sessions_purged", rep.SessionsPurged),
		zap.Int64("tracking_cleared", rep.TrackingCleared),
		zap.Strings("failed", rep.Failed),
	)
	return rep
}

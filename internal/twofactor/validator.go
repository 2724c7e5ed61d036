package twofactor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/auth"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/session"
)

const (
	EnrollPath    = "/2fa/enroll"
	ChallengePath = "/2fa/challenge"
	LogoutPath    = "/logout"
)

// Route classifies the current route for loop-avoidance.
type Route int

const (
	RouteOther Route = iota
	RouteEnroll
	RouteChallenge
	RouteLogout
)

// RouteFor maps a request path to its Route.
func RouteFor(path string) Route {
	switch path {
	case EnrollPath:
		return RouteEnroll
	case ChallengePath:
		return RouteChallenge
	case LogoutPath:
		return RouteLogout
	}
	return RouteOther
}

// SessionStore is the part of the session store the validator writes to.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, sess *session.Session) error
}

// Outcome of a validation. Redirect is empty when the request may proceed.
type Outcome struct {
	State    State
	Redirect string
}

// Validator applies Policy on every request.
type Validator struct {
	policy   Policy
	sessions SessionStore
	now      func() time.Time
}

func NewValidator(policy Policy, sessions SessionStore) *Validator {
	return &Validator{policy: policy, sessions: sessions, now: time.Now}
}

// Policy returns the configured policy.
func (v *Validator) Policy() Policy { return v.policy }

// Validate computes the session state, clears stale trust from sess and
// tells the caller where to send the user if the state is not satisfied.
// Enrollment and challenge routes stay reachable in the state that needs
// them, and logout always does.
func (v *Validator) Validate(ctx context.Context, p auth.Principal, sess *session.Session, route Route) Outcome {
	state, stale := Evaluate(v.policy, p.TwoFactorEnabled, p.PasswordChangedAt, Records(sess), v.now())
	if len(stale) > 0 && sess != nil {
		Clear(sess, stale...)
		if err := v.sessions.Save(ctx, sess); err != nil && !errors.Is(err, session.ErrNotFound) {
			obs.Logger().Error("2fa demotion not persisted", zap.Int64("user_id", p.ID), zap.Error(err))
		}
		obs.Logger().Info("2fa trust demoted",
			zap.Int64("user_id", p.ID),
			zap.Strings("cleared", kindNames(stale)),
			zap.String("state", state.String()),
		)
	}

	out := Outcome{State: state}
	if route == RouteLogout {
		return out
	}
	switch state {
	case StateNotEnrolled:
		if route != RouteEnroll {
			out.Redirect = EnrollPath
		}
	case StateAwaitingVerification:
		if route != RouteChallenge {
			out.Redirect = ChallengePath
		}
	}
	return out
}

// MarkVerified stamps a successful challenge on sess and persists it.
func (v *Validator) MarkVerified(ctx context.Context, sess *session.Session, trustDevice bool) error {
	now := v.now().UTC()
	Stamp(sess, KindVerified, now)
	if trustDevice {
		Stamp(sess, KindTrustedDevice, now)
	}
	return v.sessions.Save(ctx, sess)
}

// CarryTrust keeps the session preserved by a security invalidation
// verified: records valid against the previous password change are
// re-stamped just after the new one. Other records are left to be demoted.
func (v *Validator) CarryTrust(ctx context.Context, sessionID string, previous, changedAt time.Time) error {
	sess, err := v.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	restamped := false
	for _, r := range Records(sess) {
		if !r.ValidAfter(previous) {
			continue
		}
		Stamp(sess, r.Kind, changedAt.Add(time.Microsecond))
		restamped = true
	}
	if !restamped {
		return nil
	}
	return v.sessions.Save(ctx, sess)
}

func kindNames(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

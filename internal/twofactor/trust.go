// Package twofactor decides the two-factor state of a session.
package twofactor

import (
	"time"

	"branchgate.org/internal/session"
)

// Kind of trust a session holds.
type Kind string

const (
	KindVerified      Kind = "verified"
	KindTrustedDevice Kind = "trusted_device"
)

// Session data keys.
const (
	KeyVerified        = "2fa_verified"
	KeyVerifiedAt      = "2fa_verified_at"
	KeyTrustedDevice   = "2fa_trusted_device"
	KeyTrustedDeviceAt = "2fa_trusted_device_at"
	KeyPendingSecret   = "2fa_pending_secret"
)

// TrustRecord is one piece of 2FA trust and the moment it was earned.
type TrustRecord struct {
	Kind          Kind
	EstablishedAt time.Time
}

// ValidAfter reports whether the record was established strictly after the
// password change. Trust earned before a password change never survives it.
func (r TrustRecord) ValidAfter(passwordChangedAt time.Time) bool {
	return !r.EstablishedAt.IsZero() && r.EstablishedAt.After(passwordChangedAt)
}

func keysFor(k Kind) (flag, at string) {
	if k == KindTrustedDevice {
		return KeyTrustedDevice, KeyTrustedDeviceAt
	}
	return KeyVerified, KeyVerifiedAt
}

// Records reads the trust records stored in sess. A flag without a
// parseable timestamp yields a zero EstablishedAt, which is never valid.
func Records(sess *session.Session) []TrustRecord {
	if sess == nil {
		return nil
	}
	var out []TrustRecord
	for _, k := range []Kind{KindVerified, KindTrustedDevice} {
		flag, atKey := keysFor(k)
		if sess.Get(flag) == "" {
			continue
		}
		at, _ := time.Parse(time.RFC3339Nano, sess.Get(atKey))
		out = append(out, TrustRecord{Kind: k, EstablishedAt: at})
	}
	return out
}

// Stamp records trust of kind k established at.
func Stamp(sess *session.Session, k Kind, at time.Time) {
	flag, atKey := keysFor(k)
	sess.Set(flag, "1")
	sess.Set(atKey, at.UTC().Format(time.RFC3339Nano))
}

// Clear removes trust of the given kinds.
func Clear(sess *session.Session, kinds ...Kind) {
	for _, k := range kinds {
		flag, atKey := keysFor(k)
		sess.Forget(flag, atKey)
	}
}

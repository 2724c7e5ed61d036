package twofactor

import "time"

// State of a session with respect to two-factor policy.
type State int

const (
	StateDisabled State = iota
	StateNotEnrolled
	StateAwaitingVerification
	StateVerified
	StateTrustedDevice
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateNotEnrolled:
		return "not_enrolled"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateVerified:
		return "verified"
	case StateTrustedDevice:
		return "trusted_device"
	}
	return "unknown"
}

// Satisfied reports whether the state lets a request through.
func (s State) Satisfied() bool {
	return s == StateDisabled || s == StateVerified || s == StateTrustedDevice
}

// Policy is the deployment-wide 2FA configuration.
type Policy struct {
	Enabled  bool
	Required bool
	// TrustedDeviceTTL bounds trusted-device records; zero means no bound
	// beyond the session itself.
	TrustedDeviceTTL time.Duration
}

// Evaluate derives the state from the policy, the principal and the
// session's records. stale lists the records that must be cleared. It is
// pure: evaluating the same inputs again gives the same answer.
func Evaluate(p Policy, enrolled bool, passwordChangedAt time.Time, records []TrustRecord, now time.Time) (state State, stale []Kind) {
	if !p.Enabled {
		return StateDisabled, nil
	}
	if !enrolled {
		if p.Required {
			return StateNotEnrolled, nil
		}
		return StateDisabled, nil
	}

	var verified, trusted bool
	for _, r := range records {
		valid := r.ValidAfter(passwordChangedAt)
		if valid && r.Kind == KindTrustedDevice && p.TrustedDeviceTTL > 0 {
			valid = now.Sub(r.EstablishedAt) < p.TrustedDeviceTTL
		}
		if !valid {
			stale = append(stale, r.Kind)
			continue
		}
		switch r.Kind {
		case KindVerified:
			verified = true
		case KindTrustedDevice:
			trusted = true
		}
	}
	switch {
	case trusted:
		return StateTrustedDevice, stale
	case verified:
		return StateVerified, stale
	default:
		return StateAwaitingVerification, stale
	}
}

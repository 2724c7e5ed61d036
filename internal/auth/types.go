package auth

import (
	"slices"
	"strings"
	"time"
)

// Role is a canonical role name. Stored and compared only in canonical form,
// so "Super Admin" and "super_admin" can never be two different roles.
type Role string

const (
	RoleSuperAdmin Role = "super-admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleAccountant Role = "accountant"
	RoleCashier    Role = "cashier"
	RoleStaff      Role = "staff"
)

var knownRoles = []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleAccountant, RoleCashier, RoleStaff}

// ParseRole canonicalises a role name: lower case, spaces and underscores
// folded to dashes. Unknown names are rejected.
func ParseRole(name string) (Role, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "-", "_", "-").Replace(n)
	for strings.Contains(n, "--") {
		n = strings.ReplaceAll(n, "--", "-")
	}
	r := Role(n)
	if slices.Contains(knownRoles, r) {
		return r, true
	}
	return "", false
}

// Elevated roles bypass granular permission checks.
func (r Role) Elevated() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// Limits are per-principal overrides consumed by business screens.
type Limits struct {
	MaxDiscountPercent float64 `json:"max_discount_percent"`
}

// User is the persisted account row.
type User struct {
	ID                int64
	BranchID          *int64
	Email             string
	Name              string
	PasswordHash      string
	Status            string
	PasswordChangedAt time.Time
	TwoFactorEnabled  bool
	TwoFactorSecret   string
	RememberTokenHash *string
	Limits            Limits
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Principal is the authenticated actor with resolved roles and grants.
type Principal struct {
	ID                int64               `json:"id"`
	Email             string              `json:"email"`
	Name              string              `json:"name"`
	BranchID          *int64              `json:"branch_id"`
	Roles             []Role              `json:"roles"`
	Permissions       map[string]struct{} `json:"-"`
	PasswordChangedAt time.Time           `json:"-"`
	TwoFactorEnabled  bool                `json:"two_factor_enabled"`
	TwoFactorSecret   string              `json:"-"`
	Limits            Limits              `json:"limits"`
	Active            bool                `json:"-"`
}

// NewPrincipal builds a principal from a user row and its grants.
func NewPrincipal(u *User, roles []Role, perms []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return Principal{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		BranchID:          u.BranchID,
		Roles:             roles,
		Permissions:       set,
		PasswordChangedAt: u.PasswordChangedAt,
		TwoFactorEnabled:  u.TwoFactorEnabled,
		TwoFactorSecret:   u.TwoFactorSecret,
		Limits:            u.Limits,
		Active:            u.Status == UserStatusActive,
	}
}

// SubjectID identifies the principal in permission checks.
func (p Principal) SubjectID() int64 { return p.ID }

// RoleNames returns canonical role names.
func (p Principal) RoleNames() []string {
	out := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		out[i] = string(r)
	}
	return out
}

// HasRole reports membership in r.
func (p Principal) HasRole(r Role) bool {
	return slices.Contains(p.Roles, r)
}

// Elevated reports whether any role bypasses granular checks.
func (p Principal) Elevated() bool {
	for _, r := range p.Roles {
		if r.Elevated() {
			return true
		}
	}
	return false
}

// Granted reports a direct or role-derived grant of capability.
func (p Principal) Granted(capability string) bool {
	_, ok := p.Permissions[capability]
	return ok
}

// HomeBranch returns the assigned branch. scoped is false for principals
// spanning all branches.
func (p Principal) HomeBranch() (id int64, scoped bool) {
	if p.BranchID == nil {
		return 0, false
	}
	return *p.BranchID, true
}

// CrossBranch reports whether the principal may read data of any branch.
func (p Principal) CrossBranch() bool {
	return p.HasRole(RoleSuperAdmin) || p.Granted(PermBranchesBypass)
}

// PersonalToken is a revocable bearer credential issued to a user.
type PersonalToken struct {
	ID        string
	UserID    int64
	Name      string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// TrackedSession is the user-visible record of a login on a device.
type TrackedSession struct {
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"branchgate.org/internal/obs"
	"branchgate.org/internal/permission"
)

// Ordinal is a stage's position in the request pipeline. Correlation and
// finalization wrap the whole router; the ordinals between them are
// composed per route by Chain.
type Ordinal int

const (
	OrdCorrelation Ordinal = iota + 1
	OrdTenant
	OrdGuard
	OrdPermission
	OrdModule
	OrdTwoFactor
	OrdToken
	OrdImpersonation
	OrdFinalize
)

var ordinalNames = map[Ordinal]string{
	OrdCorrelation:   "correlation",
	OrdTenant:        "tenant",
	OrdGuard:         "guard",
	OrdPermission:    "permission",
	OrdModule:        "module",
	OrdTwoFactor:     "twofactor",
	OrdToken:         "token",
	OrdImpersonation: "impersonation",
	OrdFinalize:      "finalize",
}

func (o Ordinal) String() string {
	if s, ok := ordinalNames[o]; ok {
		return s
	}
	return fmt.Sprintf("stage(%d)", int(o))
}

// Stage is a middleware tagged with its ordinal.
type Stage struct {
	Ord  Ordinal
	Wrap func(http.Handler) http.Handler
}

// Chain composes stages so the first runs first. It panics when the
// ordinals are not strictly increasing: a permission check placed before
// the tenant resolver would evaluate against the wrong branch, and that
// must fail at route registration rather than at request time.
func Chain(stages ...Stage) func(http.Handler) http.Handler {
	for i := 1; i < len(stages); i++ {
		if stages[i].Ord <= stages[i-1].Ord {
			panic(fmt.Sprintf("httpapi: stage %s composed after %s", stages[i].Ord, stages[i-1].Ord))
		}
	}
	return func(h http.Handler) http.Handler {
		for i := len(stages) - 1; i >= 0; i-- {
			h = traced(stages[i].Ord, stages[i].Wrap(h))
		}
		return h
	}
}

// traced opens a span covering the stage and everything after it.
func traced(ord Ordinal, h http.Handler) http.Handler {
	name := "stage." + ord.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := obs.StartSpan(r.Context(), name)
		defer span.End()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard names an authentication mechanism.
type Guard string

const (
	GuardSession Guard = "session"
	GuardBearer  Guard = "bearer"
)

// ModuleFromRequest makes the module stage read the key from the {module}
// route parameter or the X-Module-Key header.
const ModuleFromRequest = "{module}"

// Route declares the pipeline a user-facing endpoint runs behind.
type Route struct {
	// Tenant requires a resolved branch.
	Tenant bool
	// Guards are tried in order; the first whose credential is present decides.
	Guards []Guard
	// Permission is a spec such as "sales.view|reports.view". Empty skips the stage.
	Permission     string
	PermissionMode permission.Mode
	// Module is a fixed module key or ModuleFromRequest. Empty skips the stage.
	Module string
	// TwoFactor enforces the 2FA policy on session-authenticated requests.
	TwoFactor bool
	// NoImpersonation keeps the request on the actual performer.
	NoImpersonation bool
}

func (rt Route) String() string {
	var parts []string
	if rt.Tenant {
		parts = append(parts, "tenant")
	}
	for _, g := range rt.Guards {
		parts = append(parts, "guard:"+string(g))
	}
	if rt.Permission != "" {
		parts = append(parts, "permission:"+rt.Permission)
	}
	if rt.Module != "" {
		parts = append(parts, "module:"+rt.Module)
	}
	if rt.TwoFactor {
		parts = append(parts, "2fa")
	}
	return strings.Join(parts, ",")
}

// stages builds the ordered stage list for rt.
func (a *API) stages(rt Route) []Stage {
	var out []Stage
	if rt.Tenant {
		out = append(out, Stage{Ord: OrdTenant, Wrap: a.tenantStage})
	}
	if len(rt.Guards) > 0 {
		out = append(out, Stage{Ord: OrdGuard, Wrap: a.guardStage(rt.Guards)})
	}
	if rt.Permission != "" {
		out = append(out, Stage{Ord: OrdPermission, Wrap: a.permissionStage(rt.Permission, rt.PermissionMode)})
	}
	if rt.Module != "" {
		out = append(out, Stage{Ord: OrdModule, Wrap: a.moduleStage(rt.Module)})
	}
	if rt.TwoFactor && a.twoFactor != nil {
		out = append(out, Stage{Ord: OrdTwoFactor, Wrap: a.twoFactorStage})
	}
	if len(rt.Guards) > 0 && !rt.NoImpersonation && a.impersonation != nil {
		out = append(out, Stage{Ord: OrdImpersonation, Wrap: a.impersonationStage})
	}
	return out
}

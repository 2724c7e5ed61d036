package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/deny"
	"branchgate.org/internal/impersonate"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/permission"
	"branchgate.org/internal/reqctx"
	"branchgate.org/internal/tenant"
	"branchgate.org/internal/twofactor"
)

func state(r *http.Request) *reqctx.State {
	return reqctx.From(r.Context())
}

// branchOf returns the resolved branch, or nil.
func branchOf(st *reqctx.State) *tenant.Branch {
	if st == nil {
		return nil
	}
	if b, ok := st.Branch(); ok {
		return &b
	}
	return nil
}

// publishBranch records b, reporting a different branch already in the
// request as a conflict.
func publishBranch(st *reqctx.State, b tenant.Branch) error {
	if err := st.SetBranch(b); err != nil {
		prev, _ := st.BranchID()
		return deny.New(deny.KindContextConflict, "request already bound to another branch").
			WithMeta("resolved_branch_id", prev).
			WithMeta("candidate_branch_id", b.ID)
	}
	return nil
}

// branchAccess reports whether p may work in b.
func branchAccess(p auth.Principal, b *tenant.Branch) error {
	if b == nil {
		return nil
	}
	home, scoped := p.HomeBranch()
	if !scoped || home == b.ID || p.CrossBranch() {
		return nil
	}
	return deny.New(deny.KindPermissionDenied, "no access to this branch").WithMeta("branch_id", b.ID)
}

func (a *API) tenantStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := tenant.FromRequest(r)
		if err != nil {
			fail(w, r, "tenant", deny.New(deny.KindContextMissing, "request payload could not be read"))
			return
		}
		b, err := a.resolver.Resolve(r.Context(), c, tenant.Mutating(r.Method))
		if err != nil {
			fail(w, r, "tenant", err)
			return
		}
		if err := publishBranch(state(r), *b); err != nil {
			fail(w, r, "tenant", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// permissionStage evaluates spec against the principal. A malformed spec
// denies every request with ConfigError.
func (a *API) permissionStage(spec string, mode permission.Mode) func(http.Handler) http.Handler {
	expr, parseErr := permission.Parse(spec, mode)
	if parseErr != nil {
		obs.Logger().Error("route has an invalid permission spec", zap.String("spec", spec), zap.Error(parseErr))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := state(r)
			var src permission.Source
			if p, ok := st.Principal(); ok {
				src = p
			}
			if src == nil {
				fail(w, r, "permission", deny.New(deny.KindUnauthenticated, "authentication required"))
				return
			}
			if parseErr != nil {
				fail(w, r, "permission", parseErr)
				return
			}
			_ = st.SetPermissionMode(string(expr.Mode))
			if err := a.evaluator.Evaluate(r.Context(), src, expr, branchOf(st)); err != nil {
				fail(w, r, "permission", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) moduleStage(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key
			if k == ModuleFromRequest {
				k = strings.TrimSpace(chi.URLParam(r, tenant.ModuleParam))
				if k == "" {
					k = strings.TrimSpace(r.Header.Get(tenant.ModuleHeader))
				}
			}
			if a.gate == nil {
				fail(w, r, "module", deny.New(deny.KindConfigError, "module gate is not configured"))
				return
			}
			st := state(r)
			if err := a.gate.Check(r.Context(), branchOf(st), k); err != nil {
				fail(w, r, "module", err)
				return
			}
			_ = st.SetModule(k)
			next.ServeHTTP(w, r)
		})
	}
}

// twoFactorStage applies the 2FA policy to session-backed requests. Bearer
// requests carry no session trust and pass. An unmet state sends browsers
// to the remediation page and API callers a 401 naming it.
func (a *API) twoFactorStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := credentialsFrom(r.Context())
		p, ok := state(r).Principal()
		if !ok || creds.session == nil {
			next.ServeHTTP(w, r)
			return
		}
		out := a.twoFactor.Validate(r.Context(), p, creds.session, twofactor.RouteFor(r.URL.Path))
		if out.Redirect == "" {
			next.ServeHTTP(w, r)
			return
		}
		if wantsHTML(r) {
			obs.CountDenial("twofactor", "redirect")
			http.Redirect(w, r, out.Redirect, http.StatusFound)
			return
		}
		fail(w, r, "twofactor", deny.New(deny.KindUnauthenticated, "two-factor authentication required").
			WithMeta("two_factor", out.State.String()).
			WithMeta("redirect", out.Redirect))
	})
}

// tokenStage authenticates a store token and binds the request to the
// token's branch.
func (a *API) tokenStage(required []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.storeTokens == nil {
				fail(w, r, "token", deny.New(deny.KindConfigError, "store tokens are not configured"))
				return
			}
			tok, branch, err := a.storeTokens.Authenticate(r.Context(), apitoken.Extract(r), required)
			if err != nil {
				fail(w, r, "token", err)
				return
			}
			st := state(r)
			if err := publishBranch(st, *branch); err != nil {
				fail(w, r, "token", err)
				return
			}
			_ = st.SetToken(*tok)
			_ = audit.LogEvent(r.Context(), "store_token.used", map[string]any{
				"token_name": tok.Name,
				"route":      obs.RoutePattern(r),
			})
			next.ServeHTTP(w, r)
		})
	}
}

// impersonationStage switches the acting principal when a privileged actor
// names a target. The actor stays recorded as the actual performer.
func (a *API) impersonationStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.Header.Get(impersonate.Header)
		st := state(r)
		actor, ok := st.Principal()
		if strings.TrimSpace(ref) == "" || !ok {
			next.ServeHTTP(w, r)
			return
		}
		target, err := a.impersonation.Resolve(r.Context(), actor, ref)
		if err != nil {
			fail(w, r, "impersonation", err)
			return
		}
		if target == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := branchAccess(*target, branchOf(st)); err != nil {
			fail(w, r, "impersonation", err)
			return
		}
		if err := st.Impersonate(*target); err != nil {
			if errors.Is(err, reqctx.ErrOverwrite) {
				err = deny.New(deny.KindContextConflict, "request is already impersonating")
			}
			fail(w, r, "impersonation", err)
			return
		}
		_ = audit.LogEvent(r.Context(), "impersonation.start", map[string]any{
			"target_id":    target.ID,
			"target_email": target.Email,
			"route":        obs.RoutePattern(r),
		})
		next.ServeHTTP(w, r)
	})
}

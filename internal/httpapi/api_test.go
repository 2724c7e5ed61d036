package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"branchgate.org/internal/auth"
	"branchgate.org/internal/impersonate"
	"branchgate.org/internal/twofactor"
)

func TestUnauthenticatedRequestStopsAtPermission(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})

	rec := e.do(http.MethodPost, "/branches/3/sales", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["message"] != "authentication required" {
		t.Fatalf("unexpected payload: %v", body)
	}

	// the tenant stage runs first, so an unknown branch wins over auth
	if rec := e.do(http.MethodPost, "/branches/999/sales", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown branch, got %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/branches/9/sales", nil); rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 for inactive branch, got %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/branches/abc/sales", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for malformed branch id, got %d", rec.Code)
	}
}

func TestMismatchedPayloadBranchIsConflict(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", false)

	rec := e.do(http.MethodPost, "/branches/3/sales", map[string]any{"branch_id": 5}, withCookies(cookies...))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	meta := metaOf(t, rec)
	if meta["body_branch_id"] != float64(5) || meta["route_branch_id"] != float64(3) {
		t.Fatalf("unexpected meta: %v", meta)
	}

	rec = e.do(http.MethodPost, "/branches/3/sales", map[string]any{"branch_id": 3}, withCookies(cookies...))
	if rec.Code != http.StatusOK {
		t.Fatalf("matching payload should pass, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginSessionEchoesContext(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", false)

	sc := cookieNamed(cookies, SessionCookie)
	require.NotNil(t, sc)
	require.True(t, sc.HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, sc.SameSite)

	rec := e.do(http.MethodGet, "/branches/3/context", nil, withCookies(sc))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := snapshot(t, rec)
	require.NotNil(t, snap.UserID)
	require.Equal(t, int64(2), *snap.UserID)
	require.NotNil(t, snap.Branch)
	require.Equal(t, int64(3), snap.Branch.ID)
	require.NotEmpty(t, snap.RequestID)
	require.False(t, snap.Impersonating)

	rec = e.do(http.MethodGet, "/branches/5/context", nil, withCookies(sc))
	require.Equal(t, http.StatusForbidden, rec.Code, "branch-scoped user must not reach another branch")

	root := e.login("root@example.com", false)
	rec = e.do(http.MethodGet, "/branches/5/context", nil, withCookies(root...))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(sc))
	require.Equal(t, http.StatusOK, rec.Code)
	sessions, _ := decodeBody(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)
	require.Equal(t, true, sessions[0].(map[string]any)["current"])
}

func TestBranchScopedUserIsConfinedToHomeBranch(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	manager := e.login("manager@example.com", false)

	rec := e.do(http.MethodPost, "/branches/5/sales", nil, withCookies(manager...))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	require.Equal(t, "no access to this branch", decodeBody(t, rec)["message"])
	require.Equal(t, float64(5), metaOf(t, rec)["branch_id"])

	// the same check applies when the identity comes from a bearer token
	rec = e.do(http.MethodPost, "/account/tokens", map[string]any{"name": "cli"}, withCookies(manager...))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token, _ := decodeBody(t, rec)["token"].(string)
	rec = e.do(http.MethodPost, "/branches/5/sales", nil, withBearer(token))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	require.Equal(t, float64(5), metaOf(t, rec)["branch_id"])

	rec = e.do(http.MethodPost, "/branches/3/sales", nil, withCookies(manager...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBranchBypassGrantCrossesBranches(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	e.store.add(auth.User{ID: 11, BranchID: int64p(3), Email: "auditor@example.com", Name: "Auditor", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: time.Now().Add(-time.Hour).UTC()},
		[]string{"auditor"}, "sales.view", auth.PermBranchesBypass)
	auditor := e.login("auditor@example.com", false)

	for _, branch := range []string{"3", "5"} {
		rec := e.do(http.MethodPost, "/branches/"+branch+"/sales", nil, withCookies(auditor...))
		require.Equal(t, http.StatusOK, rec.Code, "branch %s: %s", branch, rec.Body.String())
		snap := snapshot(t, rec)
		require.NotNil(t, snap.Branch)
		require.Equal(t, branch, strconv.FormatInt(snap.Branch.ID, 10))
	}

	root := e.login("root@example.com", false)
	rec := e.do(http.MethodPost, "/branches/5/sales", nil, withCookies(root...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(5), snapshot(t, rec).Branch.ID)

	// bypass lifts the branch wall only; the permission check still runs
	e.store.add(auth.User{ID: 12, BranchID: int64p(3), Email: "roamer@example.com", Name: "Roamer", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: time.Now().Add(-time.Hour).UTC()},
		[]string{"auditor"}, auth.PermBranchesBypass)
	roamer := e.login("roamer@example.com", false)
	rec = e.do(http.MethodPost, "/branches/5/sales", nil, withCookies(roamer...))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, []any{"sales.view"}, metaOf(t, rec)["required"])
}

func TestLoginFailures(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	sink := captureAudit(t)

	rec := e.do(http.MethodPost, "/login", map[string]any{"email": "manager@example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, cookieNamed(rec.Result().Cookies(), SessionCookie))
	_, ok := sink.find("auth.login_failed")
	require.True(t, ok)

	rec = e.do(http.MethodPost, "/login", map[string]any{"email": "gone@example.com", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "disabled users cannot log in")

	rec = e.do(http.MethodPost, "/login", map[string]any{"email": "manager@example.com", "password": testPassword, "extra": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionDeniedNamesRequiredTerms(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	staff := e.login("staff@example.com", false)

	rec := e.do(http.MethodPost, "/branches/3/sales", nil, withCookies(staff...))
	require.Equal(t, http.StatusForbidden, rec.Code)
	meta := metaOf(t, rec)
	require.Equal(t, []any{"sales.view"}, meta["required"])
	require.Equal(t, false, meta["negated"])

	manager := e.login("manager@example.com", false)
	rec = e.do(http.MethodPost, "/branches/3/sales", nil, withCookies(manager...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInvalidPermissionSpecDeniesEveryRequest(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	root := e.login("root@example.com", false)

	rec := e.do(http.MethodGet, "/branches/3/broken", nil, withCookies(root...))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestBrowserGetsErrorPage(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})

	rec := e.do(http.MethodPost, "/branches/3/sales", nil, withHeader("Accept", "text/html,application/xhtml+xml"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	require.Contains(t, rec.Body.String(), "401 Unauthorized")
	require.Contains(t, rec.Body.String(), "authentication required")
	require.Contains(t, rec.Body.String(), rec.Header().Get(HeaderRequestID))

	rec = e.do(http.MethodPost, "/branches/3/sales", nil,
		withHeader("Accept", "text/html"), withHeader("X-Requested-With", "XMLHttpRequest"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}

func TestModuleGate(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", false)

	rec := e.do(http.MethodGet, "/branches/3/modules/pos/ping", nil, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "pos", snapshot(t, rec).Module)

	rec = e.do(http.MethodGet, "/branches/3/modules/hr/ping", nil, withCookies(cookies...))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "hr", metaOf(t, rec)["module"])

	rec = e.do(http.MethodGet, "/branches/3/modules/legacy/ping", nil, withCookies(cookies...))
	require.Equal(t, http.StatusForbidden, rec.Code, "globally inactive module stays closed")

	rec = e.do(http.MethodGet, "/branches/3/modules/nope/ping", nil, withCookies(cookies...))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonalTokenAuthenticatesUserRoutes(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", false)

	rec := e.do(http.MethodPost, "/account/tokens", map[string]any{"name": "cli"}, withCookies(cookies...))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = e.do(http.MethodPost, "/branches/3/sales", nil, withBearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(2), *snapshot(t, rec).UserID)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withBearer("not-a-jwt"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withBearer("bgs_abcdef"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "store tokens are not valid on this route", decodeBody(t, rec)["message"])
}

func TestStoreTokenAbilities(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	ctx := context.Background()

	scoped, _, err := e.tokens.Issue(ctx, 3, "pos terminal", []string{"context.read"}, 0)
	require.NoError(t, err)
	wildcard, _, err := e.tokens.Issue(ctx, 3, "sync", []string{"*"}, 0)
	require.NoError(t, err)
	narrow, _, err := e.tokens.Issue(ctx, 3, "orders", []string{"orders.read"}, 0)
	require.NoError(t, err)
	closed, _, err := e.tokens.Issue(ctx, 9, "old", []string{"*"}, 0)
	require.NoError(t, err)

	rec := e.do(http.MethodGet, "/api/store/v1/context", nil, withBearer(scoped))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := snapshot(t, rec)
	require.NotNil(t, snap.Branch)
	require.Equal(t, int64(3), snap.Branch.ID)
	require.NotNil(t, snap.TokenID)
	require.Nil(t, snap.UserID)

	rec = e.do(http.MethodGet, "/api/store/v1/context?api_token="+wildcard, nil)
	require.Equal(t, http.StatusOK, rec.Code, "wildcard covers every ability")

	rec = e.do(http.MethodGet, "/api/store/v1/context", nil, withBearer(narrow))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "context.read", metaOf(t, rec)["required"])

	rec = e.do(http.MethodGet, "/api/store/v1/context", nil, withBearer(closed))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodGet, "/api/store/v1/context", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/api/store/v1/context", nil, withBearer("bgs_unknown"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImpersonationKeepsBothIdentities(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	sink := captureAudit(t)
	root := e.login("root@example.com", false)

	rec := e.do(http.MethodGet, "/branches/3/context", nil, withCookies(root...), withHeader(impersonate.Header, "42"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := snapshot(t, rec)
	require.True(t, snap.Impersonating)
	require.Equal(t, int64(42), *snap.UserID)
	require.Equal(t, int64(1), *snap.ActorID)

	entry, ok := sink.find("impersonation.start")
	require.True(t, ok)
	require.Equal(t, int64(1), *entry.ActorID)
	require.Equal(t, int64(42), *entry.ActingAsID)

	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(root...), withHeader(impersonate.Header, "staff@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(42), *snapshot(t, rec).UserID)

	// the target must be able to work in the resolved branch
	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(root...), withHeader(impersonate.Header, "7"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(root...), withHeader(impersonate.Header, "999"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	staff := e.login("staff@example.com", false)
	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(staff...), withHeader(impersonate.Header, "2"))
	require.Equal(t, http.StatusOK, rec.Code)
	snap = snapshot(t, rec)
	require.False(t, snap.Impersonating, "unprivileged actors are not switched")
	require.Equal(t, int64(42), *snap.UserID)
}

func TestRequiredTwoFactorEnrollment(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{Enabled: true, Required: true})

	rec := e.do(http.MethodPost, "/login", map[string]any{"email": "manager@example.com", "password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "not_enrolled", body["two_factor"])
	require.Equal(t, twofactor.EnrollPath, body["redirect"])
	cookies := rec.Result().Cookies()

	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(cookies...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	meta := metaOf(t, rec)
	require.Equal(t, twofactor.EnrollPath, meta["redirect"])
	require.Equal(t, "not_enrolled", meta["two_factor"])

	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(cookies...), withHeader("Accept", "text/html"))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, twofactor.EnrollPath, rec.Header().Get("Location"))

	rec = e.do(http.MethodGet, twofactor.EnrollPath, nil, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	secret, _ := decodeBody(t, rec)["secret"].(string)
	require.NotEmpty(t, secret)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	rec = e.do(http.MethodPost, twofactor.EnrollPath, map[string]any{"code": code}, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, "/branches/3/context", nil, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, e.store.user(2).TwoFactorEnabled)
}

// enrollStaff turns on 2FA for user 42 and returns the secret.
func enrollStaff(t *testing.T, e *testEnv) string {
	t.Helper()
	secret, _, err := twofactor.NewSecret("branchgate", "staff@example.com")
	require.NoError(t, err)
	require.NoError(t, e.svc.EnableTwoFactor(context.Background(), 42, secret))
	return secret
}

func passChallenge(t *testing.T, e *testEnv, secret string, cookies []*http.Cookie) {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	rec := e.do(http.MethodPost, twofactor.ChallengePath, map[string]any{"code": code}, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTwoFactorChallenge(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{Enabled: true})
	secret := enrollStaff(t, e)
	cookies := e.login("staff@example.com", false)

	rec := e.do(http.MethodGet, "/account/sessions", nil, withCookies(cookies...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, twofactor.ChallengePath, metaOf(t, rec)["redirect"])

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	rec = e.do(http.MethodPost, twofactor.ChallengePath, map[string]any{"code": wrong}, withCookies(cookies...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, twofactor.ChallengePath, map[string]any{"code": code, "remember_device": true}, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "trusted_device", decodeBody(t, rec)["two_factor"])

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code)

	// logout stays reachable whatever the 2FA state
	other := e.login("staff@example.com", false)
	rec = e.do(http.MethodPost, twofactor.LogoutPath, nil, withCookies(other...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPasswordChangeKeepsOnlyCurrentSession(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{Enabled: true})
	secret := enrollStaff(t, e)

	current := e.login("staff@example.com", false)
	passChallenge(t, e, secret, current)
	other := e.login("staff@example.com", false)
	passChallenge(t, e, secret, other)

	rec := e.do(http.MethodPost, "/account/tokens", map[string]any{"name": "laptop"}, withCookies(current...))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token, _ := decodeBody(t, rec)["token"].(string)

	rec = e.do(http.MethodPost, "/account/password", map[string]any{
		"current_password": testPassword,
		"new_password":     "a brand new secret",
	}, withCookies(current...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep, _ := decodeBody(t, rec)["invalidation"].(map[string]any)
	require.Equal(t, float64(1), rep["sessions_purged"])
	require.Equal(t, float64(1), rep["tokens_revoked"])

	// the session that changed the password stays verified
	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(current...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessions, _ := decodeBody(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(other...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withBearer(token))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/login", map[string]any{"email": "staff@example.com", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(http.MethodPost, "/login", map[string]any{"email": "staff@example.com", "password": "a brand new secret"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordChangeRejectsWrongCurrent(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", false)

	rec := e.do(http.MethodPost, "/account/password", map[string]any{
		"current_password": "nope",
		"new_password":     "a brand new secret",
	}, withCookies(cookies...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/account/password", map[string]any{
		"current_password": testPassword,
		"new_password":     testPassword,
	}, withCookies(cookies...))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminInvalidate(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	manager := e.login("manager@example.com", false)
	root := e.login("root@example.com", false)

	rec := e.do(http.MethodPost, "/admin/users/2/invalidate", nil, withCookies(root...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(manager...))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	manager = e.login("manager@example.com", false)
	rec = e.do(http.MethodPost, "/admin/users/42/invalidate", nil, withCookies(manager...))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/admin/users/999/invalidate", nil, withCookies(root...))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutEndsSessionAndRemember(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	cookies := e.login("manager@example.com", true)
	require.NotNil(t, cookieNamed(cookies, RememberCookie))

	rec := e.do(http.MethodPost, twofactor.LogoutPath, nil, withCookies(cookies...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleared := cookieNamed(rec.Result().Cookies(), SessionCookie)
	require.NotNil(t, cleared)
	require.Equal(t, "", cleared.Value)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(cookieNamed(cookies, SessionCookie)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(cookieNamed(cookies, RememberCookie)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRememberCookieStartsNewSession(t *testing.T) {
	e := newTestEnv(t, twofactor.Policy{})
	sink := captureAudit(t)
	cookies := e.login("manager@example.com", true)
	remember := cookieNamed(cookies, RememberCookie)

	rec := e.do(http.MethodGet, "/account/sessions", nil, withCookies(remember))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh := cookieNamed(rec.Result().Cookies(), SessionCookie)
	require.NotNil(t, fresh)
	require.NotEqual(t, cookieNamed(cookies, SessionCookie).Value, fresh.Value)
	_, ok := sink.find("auth.remember_login")
	require.True(t, ok)

	rec = e.do(http.MethodGet, "/account/sessions", nil, withCookies(&http.Cookie{Name: RememberCookie, Value: "2|forged"}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

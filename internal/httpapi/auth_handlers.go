package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/deny"
	"branchgate.org/internal/session"
	"branchgate.org/internal/twofactor"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type codeRequest struct {
	Code           string `json:"code"`
	RememberDevice bool   `json:"remember_device"`
}

type issueTokenRequest struct {
	Name string `json:"name"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) mountAuthRoutes() {
	sessionOnly := []Guard{GuardSession}
	both := []Guard{GuardSession, GuardBearer}

	a.router.Post("/login", a.handleLogin)
	a.Mount(http.MethodPost, twofactor.LogoutPath, Route{Guards: sessionOnly, NoImpersonation: true},
		http.HandlerFunc(a.handleLogout))

	a.Mount(http.MethodGet, twofactor.EnrollPath, Route{Guards: sessionOnly, TwoFactor: true, NoImpersonation: true},
		http.HandlerFunc(a.handleEnrollStart))
	a.Mount(http.MethodPost, twofactor.EnrollPath, Route{Guards: sessionOnly, TwoFactor: true, NoImpersonation: true},
		http.HandlerFunc(a.handleEnrollConfirm))
	a.Mount(http.MethodPost, twofactor.ChallengePath, Route{Guards: sessionOnly, TwoFactor: true, NoImpersonation: true},
		http.HandlerFunc(a.handleChallenge))

	a.Mount(http.MethodPost, "/account/password", Route{Guards: both, TwoFactor: true, NoImpersonation: true},
		http.HandlerFunc(a.handleChangePassword))
	a.Mount(http.MethodGet, "/account/sessions", Route{Guards: both, TwoFactor: true},
		http.HandlerFunc(a.handleListSessions))
	a.Mount(http.MethodPost, "/account/tokens", Route{Guards: sessionOnly, TwoFactor: true, NoImpersonation: true},
		http.HandlerFunc(a.handleIssueToken))

	a.Mount(http.MethodPost, "/admin/users/{user}/invalidate", Route{
		Guards:          both,
		Permission:      auth.PermUsersManage,
		TwoFactor:       true,
		NoImpersonation: true,
	}, http.HandlerFunc(a.handleAdminInvalidate))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	p, err := a.auth.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(ctx, "auth.login_failed", map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
			fail(w, r, "login", deny.New(deny.KindUnauthenticated, "invalid email or password"))
			return
		}
		fail(w, r, "login", err)
		return
	}

	sess, err := a.startSession(ctx, w, r, p)
	if err != nil {
		fail(w, r, "login", err)
		return
	}
	st := state(r)
	_ = st.SetPrincipal(p)
	_ = st.SetSessionID(sess.ID)

	if req.Remember {
		value, err := a.auth.IssueRememberToken(ctx, p.ID)
		if err != nil {
			fail(w, r, "login", err)
			return
		}
		a.setCookie(w, RememberCookie, value, time.Now().Add(a.rememberTTL))
	}
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{"remember": req.Remember})

	resp := map[string]any{"success": true, "user": p}
	if a.twoFactor != nil {
		out := a.twoFactor.Validate(ctx, p, sess, twofactor.RouteOther)
		resp["two_factor"] = out.State.String()
		if out.Redirect != "" {
			resp["redirect"] = out.Redirect
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if sess := credentialsFrom(ctx).session; sess != nil {
		if err := a.sessions.Delete(ctx, sess); err != nil {
			fail(w, r, "logout", err)
			return
		}
		_ = a.auth.Tracking(ctx).Delete(ctx, sess.ID)
	}
	if _, err := r.Cookie(RememberCookie); err == nil {
		_ = a.auth.ForgetRemember(ctx, p.ID)
	}
	a.clearCookie(w, SessionCookie)
	a.clearCookie(w, RememberCookie)
	_ = audit.LogEvent(ctx, "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	err := a.auth.ChangePassword(ctx, p.ID, req.CurrentPassword, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		fail(w, r, "account", deny.New(deny.KindInvalidCredential, "current password is incorrect"))
		return
	case errors.Is(err, auth.ErrInvalidInput):
		badRequest(w, err.Error())
		return
	case err != nil:
		fail(w, r, "account", err)
		return
	}

	creds := credentialsFrom(ctx)
	keep := auth.Keep{}
	if creds.session != nil {
		keep.SessionID = creds.session.ID
	}
	if creds.personalToken != nil {
		keep.TokenID = creds.personalToken.ID
	}
	rep := a.invalidate(r, p.ID, keep)
	_ = audit.LogEvent(ctx, "auth.password_changed", map[string]any{
		"sessions_purged": rep.SessionsPurged,
		"tokens_revoked":  rep.TokensRevoked,
		"failed_steps":    rep.Failed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidation": rep})
}

func (a *API) handleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, r, "admin", deny.New(deny.KindNotFound, "user not found"))
		return
	}
	ctx := r.Context()
	if _, err := a.auth.Principal(ctx, id); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = deny.New(deny.KindNotFound, "user not found")
		}
		fail(w, r, "admin", err)
		return
	}
	rep := a.invalidate(r, id, auth.Keep{})
	_ = audit.LogEvent(ctx, "auth.invalidated", map[string]any{
		"user_id":         id,
		"sessions_purged": rep.SessionsPurged,
		"tokens_revoked":  rep.TokensRevoked,
		"failed_steps":    rep.Failed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidation": rep})
}

func (a *API) invalidate(r *http.Request, userID int64, keep auth.Keep) auth.Report {
	if a.invalidator == nil {
		return auth.Report{UserID: userID}
	}
	return a.invalidator.Invalidate(r.Context(), userID, keep)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	list, err := a.auth.Tracking(ctx).ListByUser(ctx, p.ID)
	if err != nil {
		fail(w, r, "account", err)
		return
	}
	current := state(r).SessionID()
	out := make([]map[string]any, 0, len(list))
	for _, s := range list {
		out = append(out, map[string]any{
			"session_id":   s.SessionID,
			"ip_address":   s.IPAddress,
			"user_agent":   s.UserAgent,
			"created_at":   s.CreatedAt,
			"last_seen_at": s.LastSeenAt,
			"current":      s.SessionID == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": out})
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	if !a.auth.SupportsTokens() {
		fail(w, r, "account", deny.New(deny.KindConfigError, "personal access tokens are disabled"))
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	raw, tok, err := a.auth.IssuePersonalToken(r.Context(), p.ID, req.Name, a.personalTokenTTL)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			badRequest(w, err.Error())
			return
		}
		fail(w, r, "account", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token_issued", map[string]any{"token_id": tok.ID, "name": tok.Name})
	writeJSON(w, http.StatusCreated, tokenResponse{Token: raw, ID: tok.ID, ExpiresAt: tok.ExpiresAt})
}

// --- two-factor ---

func (a *API) twoFactorSession(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := principalOrFail(w, r)
	if !ok {
		return p, false
	}
	if a.twoFactor == nil || credentialsFrom(r.Context()).session == nil {
		fail(w, r, "twofactor", deny.New(deny.KindConfigError, "two-factor authentication needs a browser session"))
		return p, false
	}
	return p, true
}

func (a *API) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	p, ok := a.twoFactorSession(w, r)
	if !ok {
		return
	}
	if p.TwoFactorEnabled {
		writeJSON(w, http.StatusConflict, deny.Payload{Message: "two-factor authentication is already enabled"})
		return
	}
	secret, url, err := twofactor.NewSecret(a.issuer, p.Email)
	if err != nil {
		fail(w, r, "twofactor", err)
		return
	}
	sess := credentialsFrom(r.Context()).session
	sess.Set(twofactor.KeyPendingSecret, secret)
	if err := a.sessions.Save(r.Context(), sess); err != nil {
		fail(w, r, "twofactor", sessionEnded(err))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "secret": secret, "otpauth_url": url})
}

func (a *API) handleEnrollConfirm(w http.ResponseWriter, r *http.Request) {
	p, ok := a.twoFactorSession(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	sess := credentialsFrom(ctx).session
	secret := sess.Get(twofactor.KeyPendingSecret)
	if secret == "" {
		fail(w, r, "twofactor", deny.New(deny.KindContextMissing, "no enrollment in progress"))
		return
	}
	if !twofactor.VerifyCode(secret, req.Code, time.Now()) {
		fail(w, r, "twofactor", deny.New(deny.KindInvalidCredential, "invalid verification code"))
		return
	}
	if err := a.auth.EnableTwoFactor(ctx, p.ID, secret); err != nil {
		fail(w, r, "twofactor", err)
		return
	}
	sess.Forget(twofactor.KeyPendingSecret)
	if err := a.twoFactor.MarkVerified(ctx, sess, req.RememberDevice); err != nil {
		fail(w, r, "twofactor", sessionEnded(err))
		return
	}
	_ = audit.LogEvent(ctx, "2fa.enrolled", nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "two_factor": twofactor.StateVerified.String()})
}

func (a *API) handleChallenge(w http.ResponseWriter, r *http.Request) {
	p, ok := a.twoFactorSession(w, r)
	if !ok {
		return
	}
	if !p.TwoFactorEnabled {
		fail(w, r, "twofactor", deny.New(deny.KindContextMissing, "two-factor authentication is not enabled"))
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	if !twofactor.VerifyCode(p.TwoFactorSecret, req.Code, time.Now()) {
		_ = audit.LogEvent(ctx, "2fa.failed", nil)
		fail(w, r, "twofactor", deny.New(deny.KindInvalidCredential, "invalid verification code"))
		return
	}
	sess := credentialsFrom(ctx).session
	if err := a.twoFactor.MarkVerified(ctx, sess, req.RememberDevice); err != nil {
		fail(w, r, "twofactor", sessionEnded(err))
		return
	}
	reached := twofactor.StateVerified
	if req.RememberDevice {
		reached = twofactor.StateTrustedDevice
	}
	_ = audit.LogEvent(ctx, "2fa.verified", map[string]any{"trusted_device": req.RememberDevice})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "two_factor": reached.String()})
}

// sessionEnded reports a session removed by logout or invalidation while
// the request was in flight as an authentication failure.
func sessionEnded(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return deny.New(deny.KindUnauthenticated, "session has ended")
	}
	return err
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/deny"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/session"
)

const (
	SessionCookie  = "branchgate_session"
	RememberCookie = "remember_web"

	authHeader = "Authorization"
	bearer     = "Bearer "
)

// credentials is how the guard stage authenticated the request.
type credentials struct {
	guard         Guard
	session       *session.Session
	personalToken *auth.PersonalToken
}

type credentialsKey struct{}

func withCredentials(ctx context.Context, c *credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

func credentialsFrom(ctx context.Context) *credentials {
	if c, ok := ctx.Value(credentialsKey{}).(*credentials); ok {
		return c
	}
	return &credentials{}
}

// guardStage tries guards in order. The first guard whose credential is
// present decides: a valid one authenticates, an invalid one denies. With no
// credential at all the principal stays unset and later stages decide.
func (a *API) guardStage(guards []Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, g := range guards {
				var (
					p     auth.Principal
					creds *credentials
					err   error
				)
				switch g {
				case GuardSession:
					p, creds, err = a.sessionGuard(w, r)
				case GuardBearer:
					p, creds, err = a.bearerGuard(r)
				default:
					err = deny.New(deny.KindConfigError, "unknown guard %q", g)
				}
				if err != nil {
					fail(w, r, "guard", err)
					return
				}
				if creds == nil {
					continue
				}

				st := state(r)
				if err := st.SetPrincipal(p); err != nil {
					fail(w, r, "guard", deny.New(deny.KindContextConflict, "request already authenticated as another user"))
					return
				}
				if creds.session != nil {
					_ = st.SetSessionID(creds.session.ID)
				}
				if err := branchAccess(p, branchOf(st)); err != nil {
					fail(w, r, "guard", err)
					return
				}
				r = r.WithContext(withCredentials(r.Context(), creds))
				break
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionGuard reads the session cookie, falling back to the remember-me
// cookie which mints a fresh session. Stale cookies are cleared and count as
// absent. Disabled users are treated as unauthenticated.
func (a *API) sessionGuard(w http.ResponseWriter, r *http.Request) (auth.Principal, *credentials, error) {
	ctx := r.Context()
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		sess, err := a.sessions.Get(ctx, c.Value)
		switch {
		case errors.Is(err, session.ErrNotFound):
			a.clearCookie(w, SessionCookie)
		case err != nil:
			return auth.Principal{}, nil, err
		default:
			p, err := a.auth.Principal(ctx, sess.UserID)
			if err != nil && !errors.Is(err, auth.ErrNotFound) {
				return auth.Principal{}, nil, err
			}
			if err != nil || !p.Active {
				_ = a.sessions.Delete(ctx, sess)
				a.clearCookie(w, SessionCookie)
				return auth.Principal{}, nil, nil
			}
			if err := a.auth.Tracking(ctx).Touch(ctx, sess.ID, time.Now().UTC()); err != nil {
				obs.Logger().Debug("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return p, &credentials{guard: GuardSession, session: sess}, nil
		}
	}

	c, err := r.Cookie(RememberCookie)
	if err != nil || c.Value == "" {
		return auth.Principal{}, nil, nil
	}
	p, err := a.auth.ResolveRemember(ctx, c.Value)
	if errors.Is(err, auth.ErrInvalidToken) {
		a.clearCookie(w, RememberCookie)
		return auth.Principal{}, nil, nil
	}
	if err != nil {
		return auth.Principal{}, nil, err
	}
	sess, err := a.startSession(ctx, w, r, p)
	if err != nil {
		return auth.Principal{}, nil, err
	}
	_ = audit.LogEvent(ctx, "auth.remember_login", map[string]any{"user_id": p.ID})
	return p, &credentials{guard: GuardSession, session: sess}, nil
}

// bearerGuard validates a personal access token. Store tokens are never
// accepted on user routes.
func (a *API) bearerGuard(r *http.Request) (auth.Principal, *credentials, error) {
	raw, ok := bearerToken(r.Header.Get(authHeader))
	if !ok || !a.auth.SupportsTokens() {
		return auth.Principal{}, nil, nil
	}
	if strings.HasPrefix(raw, apitoken.PlainPrefix) {
		return auth.Principal{}, nil, deny.New(deny.KindInvalidCredential, "store tokens are not valid on this route")
	}
	p, tok, err := a.auth.AuthenticateBearer(r.Context(), raw)
	switch {
	case err == nil:
		return p, &credentials{guard: GuardBearer, personalToken: &tok}, nil
	case errors.Is(err, auth.ErrTokenExpired):
		return auth.Principal{}, nil, deny.New(deny.KindExpired, "access token expired")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenRevoked):
		return auth.Principal{}, nil, deny.New(deny.KindInvalidCredential, "invalid access token")
	default:
		return auth.Principal{}, nil, err
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

// startSession creates a session and its tracking record and sets the cookie.
func (a *API) startSession(ctx context.Context, w http.ResponseWriter, r *http.Request, p auth.Principal) (*session.Session, error) {
	sess, err := a.sessions.Create(ctx, p.ID, a.proxies.ClientIP(r), r.UserAgent())
	if err != nil {
		return nil, err
	}
	rec := auth.TrackedSession{
		SessionID:  sess.ID,
		UserID:     p.ID,
		IPAddress:  sess.IPAddress,
		UserAgent:  sess.UserAgent,
		CreatedAt:  sess.CreatedAt,
		LastSeenAt: sess.CreatedAt,
	}
	if err := a.auth.Tracking(ctx).Record(ctx, rec); err != nil {
		obs.Logger().Warn("session tracking not recorded", zap.Int64("user_id", p.ID), zap.Error(err))
	}
	a.setCookie(w, SessionCookie, sess.ID, sess.ExpiresAt)
	return sess, nil
}

func (a *API) setCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// principalOrFail returns the acting principal or writes 401.
func principalOrFail(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	if st := state(r); st != nil {
		if p, ok := st.Principal(); ok {
			return p, true
		}
	}
	fail(w, r, "handler", deny.New(deny.KindUnauthenticated, "authentication required"))
	return auth.Principal{}, false
}

package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/impersonate"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/permission"
	"branchgate.org/internal/reqctx"
	"branchgate.org/internal/session"
	"branchgate.org/internal/tenant"
	"branchgate.org/internal/twofactor"
)

const serviceName = "branchgate"

// ReadyProbe: проверка готовности: ping БД и redis.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// SessionStore is what the HTTP layer needs from the session backend.
type SessionStore interface {
	Create(ctx context.Context, userID int64, ip, userAgent string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, sess *session.Session) error
	Delete(ctx context.Context, sess *session.Session) error
}

// Deps are the collaborators of the HTTP layer. Auth, Sessions, Branches
// and Evaluator are required; the rest switch features off when nil.
type Deps struct {
	Auth          *auth.Service
	Invalidator   *auth.Invalidator
	Sessions      SessionStore
	Branches      tenant.BranchFinder
	Gate          *tenant.Gate
	Evaluator     *permission.Evaluator
	StoreTokens   *apitoken.Authenticator
	TwoFactor     *twofactor.Validator
	Impersonation *impersonate.Mediator

	Ready   readinessChecker
	Version string

	CORSOrigins      []string
	TrustedProxies   ProxyTrust
	RateLimiter      *RateLimiter
	SecureCookies    bool
	RememberTTL      time.Duration
	TwoFactorIssuer  string
	PersonalTokenTTL time.Duration
}

// API: HTTP слой: роутер и конвейер проверок.
type API struct {
	router chi.Router

	auth          *auth.Service
	invalidator   *auth.Invalidator
	sessions      SessionStore
	resolver      *tenant.Resolver
	gate          *tenant.Gate
	evaluator     *permission.Evaluator
	storeTokens   *apitoken.Authenticator
	twoFactor     *twofactor.Validator
	impersonation *impersonate.Mediator
	ready         readinessChecker
	limiter       *RateLimiter
	proxies       ProxyTrust

	version          string
	secureCookies    bool
	rememberTTL      time.Duration
	issuer           string
	personalTokenTTL time.Duration
}

func New(d Deps) *API {
	a := &API{
		router:           chi.NewRouter(),
		auth:             d.Auth,
		invalidator:      d.Invalidator,
		sessions:         d.Sessions,
		resolver:         tenant.NewResolver(d.Branches),
		gate:             d.Gate,
		evaluator:        d.Evaluator,
		storeTokens:      d.StoreTokens,
		twoFactor:        d.TwoFactor,
		impersonation:    d.Impersonation,
		ready:            d.Ready,
		limiter:          d.RateLimiter,
		proxies:          d.TrustedProxies,
		version:          d.Version,
		secureCookies:    d.SecureCookies,
		rememberTTL:      d.RememberTTL,
		issuer:           d.TwoFactorIssuer,
		personalTokenTTL: d.PersonalTokenTTL,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rememberTTL <= 0 {
		a.rememberTTL = 30 * 24 * time.Hour
	}
	if a.issuer == "" {
		a.issuer = serviceName
	}
	if a.limiter == nil {
		a.limiter = NewRateLimiter(20, 40, a.proxies)
	}

	r := a.router
	r.Use(RequestID, LoggingJSON, Finalize, Recover, MaxBodyBytes(1<<20))
	if len(d.CORSOrigins) > 0 {
		r.Use(CORS(d.CORSOrigins))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	a.mountAuthRoutes()

	a.Mount(http.MethodGet, "/branches/{branch}/context", Route{
		Tenant:    true,
		Guards:    []Guard{GuardSession, GuardBearer},
		TwoFactor: true,
	}, http.HandlerFunc(a.handleContext))
	a.MountStore(http.MethodGet, "/api/store/v1/context", []string{"context.read"}, http.HandlerFunc(a.handleContext))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found"})
	})
	return a
}

// Handler returns the router wrapped with metrics and tracing.
func (a *API) Handler() http.Handler {
	return obs.Instrument(obs.Trace(a.router, serviceName))
}

// Mount registers a business endpoint behind the pipeline described by rt.
// Stage order is checked here, so a bad composition fails at startup.
func (a *API) Mount(method, pattern string, rt Route, h http.Handler) {
	a.router.Method(method, pattern, Chain(a.stages(rt)...)(h))
}

// MountStore registers a store-token endpoint. abilities lists what the
// token must hold; an empty list demands the wildcard.
func (a *API) MountStore(method, pattern string, abilities []string, h http.Handler) {
	required := append([]string(nil), abilities...)
	chain := Chain(Stage{Ord: OrdToken, Wrap: a.tokenStage(required)})
	a.router.With(a.limiter.Middleware).Method(method, pattern, chain(h))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// handleContext echoes what the pipeline established for this request.
func (a *API) handleContext(w http.ResponseWriter, r *http.Request) {
	st := reqctx.From(r.Context())
	if st == nil {
		fail(w, r, "handler", errors.New("request state missing"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"context": st.Snapshot(),
	})
}

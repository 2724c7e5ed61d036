package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/audit"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/impersonate"
	"branchgate.org/internal/permission"
	"branchgate.org/internal/reqctx"
	"branchgate.org/internal/session"
	"branchgate.org/internal/tenant"
	"branchgate.org/internal/twofactor"
)

const testPassword = "correct horse battery"

var testHash = func() string {
	h, err := auth.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	return h
}()

func int64p(v int64) *int64 { return &v }

type testEnv struct {
	t        *testing.T
	api      *API
	h        http.Handler
	store    *memAuth
	svc      *auth.Service
	sessions *session.RedisStore
	tokens   *apitoken.Authenticator
}

// newTestEnv wires the real services over in-memory stores and miniredis.
//
// Users: 1 super-admin (all branches), 2 manager at branch 3 with
// sales.view, 42 staff at branch 3, 7 cashier at branch 5, 8 disabled.
// Branches 3 and 5 are active, 9 is not. Module pos is enabled for
// branch 3, hr exists but is off there, legacy is globally inactive.
func newTestEnv(t *testing.T, policy twofactor.Policy) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions := session.NewRedisStore(rdb, time.Hour)

	changed := time.Now().Add(-24 * time.Hour).UTC()
	store := newMemAuth()
	store.add(auth.User{ID: 1, Email: "root@example.com", Name: "Root", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: changed}, []string{"super-admin"})
	store.add(auth.User{ID: 2, BranchID: int64p(3), Email: "manager@example.com", Name: "Manager", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: changed}, []string{"manager"}, "sales.view")
	store.add(auth.User{ID: 42, BranchID: int64p(3), Email: "staff@example.com", Name: "Staff", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: changed}, []string{"staff"})
	store.add(auth.User{ID: 7, BranchID: int64p(5), Email: "cashier@example.com", Name: "Cashier", PasswordHash: testHash,
		Status: auth.UserStatusActive, PasswordChangedAt: changed}, []string{"cashier"})
	store.add(auth.User{ID: 8, BranchID: int64p(3), Email: "gone@example.com", Name: "Gone", PasswordHash: testHash,
		Status: auth.UserStatusDisabled, PasswordChangedAt: changed}, []string{"staff"})

	svc, err := auth.NewService(store, auth.WithTokenSecret(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	validator := twofactor.NewValidator(policy, sessions)

	branches := memBranches{
		3: {ID: 3, Code: "ALA", Name: "Almaty", Active: true},
		5: {ID: 5, Code: "AST", Name: "Astana", Active: true},
		9: {ID: 9, Code: "OLD", Name: "Closed", Active: false},
	}
	modules := memModules{
		modules: map[string]*tenant.Module{
			"pos":    {Key: "pos", Name: "Point of sale", Active: true},
			"hr":     {Key: "hr", Name: "HR", Active: true},
			"legacy": {Key: "legacy", Name: "Legacy", Active: false},
		},
		enabled: map[int64]map[string]bool{3: {"pos": true, "legacy": true}},
	}
	policies, err := permission.NewCedarPolicy(nil)
	if err != nil {
		t.Fatalf("cedar: %v", err)
	}
	storeTokens := apitoken.NewAuthenticator(&memStoreTokens{}, branches)

	api := New(Deps{
		Auth:          svc,
		Invalidator:   auth.NewInvalidator(store, sessions, validator),
		Sessions:      sessions,
		Branches:      branches,
		Gate:          tenant.NewGate(modules, false),
		Evaluator:     permission.NewEvaluator(policies),
		StoreTokens:   storeTokens,
		TwoFactor:     validator,
		Impersonation: impersonate.NewMediator(svc),
		Version:       "test",
		RateLimiter:   NewRateLimiter(1000, 1000, ProxyTrust{}),
	})

	both := []Guard{GuardSession, GuardBearer}
	api.Mount(http.MethodPost, "/branches/{branch}/sales", Route{
		Tenant:     true,
		Guards:     both,
		Permission: "sales.view",
		TwoFactor:  true,
	}, http.HandlerFunc(echoHandler))
	api.Mount(http.MethodGet, "/branches/{branch}/modules/{module}/ping", Route{
		Tenant:    true,
		Guards:    both,
		Module:    ModuleFromRequest,
		TwoFactor: true,
	}, http.HandlerFunc(echoHandler))
	api.Mount(http.MethodGet, "/branches/{branch}/broken", Route{
		Tenant:     true,
		Guards:     both,
		Permission: "sales.view&reports.view|pos.sell",
	}, http.HandlerFunc(echoHandler))

	return &testEnv{
		t:        t,
		api:      api,
		h:        api.Handler(),
		store:    store,
		svc:      svc,
		sessions: sessions,
		tokens:   storeTokens,
	}
}

// echoHandler answers with the request state snapshot.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "context": reqctx.From(r.Context()).Snapshot()})
}

type reqOpt func(*http.Request)

func withCookies(cs ...*http.Cookie) reqOpt {
	return func(r *http.Request) {
		for _, c := range cs {
			if c != nil {
				r.AddCookie(c)
			}
		}
	}
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withBearer(tok string) reqOpt {
	return withHeader("Authorization", "Bearer "+tok)
}

func (e *testEnv) do(method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

// login returns the cookies set by a successful login.
func (e *testEnv) login(email string, remember bool) []*http.Cookie {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/login", map[string]any{
		"email":    email,
		"password": testPassword,
		"remember": remember,
	})
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	return rec.Result().Cookies()
}

func cookieNamed(cs []*http.Cookie, name string) *http.Cookie {
	for _, c := range cs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

// snapshot extracts the echoed request state.
func snapshot(t *testing.T, rec *httptest.ResponseRecorder) reqctx.Snapshot {
	t.Helper()
	var out struct {
		Context reqctx.Snapshot `json:"context"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode snapshot %q: %v", rec.Body.String(), err)
	}
	return out.Context
}

func metaOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, rec)
	meta, _ := body["meta"].(map[string]any)
	return meta
}

// captureSink collects audit entries.
type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Write(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) find(event string) (audit.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Event == event {
			return e, true
		}
	}
	return audit.Entry{}, false
}

func captureAudit(t *testing.T) *captureSink {
	t.Helper()
	sink := &captureSink{}
	t.Cleanup(audit.Configure(sink))
	return sink
}

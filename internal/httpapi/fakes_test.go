package httpapi

import (
	"context"
	"sync"
	"time"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/tenant"
)

// memAuth is an in-memory auth.Store.
type memAuth struct {
	mu       sync.Mutex
	users    map[int64]*auth.User
	roles    map[int64][]string
	perms    map[int64][]string
	tokens   map[string]*auth.PersonalToken
	tracking map[string]auth.TrackedSession
}

func newMemAuth() *memAuth {
	return &memAuth{
		users:    map[int64]*auth.User{},
		roles:    map[int64][]string{},
		perms:    map[int64][]string{},
		tokens:   map[string]*auth.PersonalToken{},
		tracking: map[string]auth.TrackedSession{},
	}
}

func (m *memAuth) Users(context.Context) auth.UserStore                   { return memUsers{m} }
func (m *memAuth) PersonalTokens(context.Context) auth.PersonalTokenStore { return memTokens{m} }
func (m *memAuth) Tracking(context.Context) auth.TrackingStore            { return memTracking{m} }

func (m *memAuth) add(u auth.User, roles []string, perms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
	m.roles[u.ID] = roles
	m.perms[u.ID] = perms
}

func (m *memAuth) user(id int64) auth.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

type memUsers struct{ m *memAuth }

func (s memUsers) Find(_ context.Context, id int64) (*auth.User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s memUsers) Roles(_ context.Context, id int64) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]string(nil), s.m.roles[id]...), nil
}

func (s memUsers) Permissions(_ context.Context, id int64) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]string(nil), s.m.perms[id]...), nil
}

func (s memUsers) update(id int64, fn func(*auth.User)) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	return nil
}

func (s memUsers) UpdatePassword(_ context.Context, id int64, hash string) error {
	return s.update(id, func(u *auth.User) { u.PasswordHash = hash })
}

func (s memUsers) SetPasswordChangedAt(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(u *auth.User) { u.PasswordChangedAt = at })
}

func (s memUsers) SetRememberToken(_ context.Context, id int64, hash *string) error {
	return s.update(id, func(u *auth.User) { u.RememberTokenHash = hash })
}

func (s memUsers) EnableTwoFactor(_ context.Context, id int64, secret string) error {
	return s.update(id, func(u *auth.User) {
		u.TwoFactorEnabled = true
		u.TwoFactorSecret = secret
	})
}

type memTokens struct{ m *memAuth }

func (s memTokens) Create(_ context.Context, tok *auth.PersonalToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *tok
	s.m.tokens[tok.ID] = &cp
	return nil
}

func (s memTokens) Find(_ context.Context, id string) (*auth.PersonalToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s memTokens) RevokeAllForUser(_ context.Context, userID int64, exceptID string, at time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for id, tok := range s.m.tokens {
		if tok.UserID != userID || id == exceptID || tok.RevokedAt != nil {
			continue
		}
		revoked := at
		tok.RevokedAt = &revoked
		n++
	}
	return n, nil
}

type memTracking struct{ m *memAuth }

func (s memTracking) Record(_ context.Context, t auth.TrackedSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.tracking[t.SessionID] = t
	return nil
}

func (s memTracking) Touch(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if t, ok := s.m.tracking[id]; ok {
		t.LastSeenAt = at
		s.m.tracking[id] = t
	}
	return nil
}

func (s memTracking) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.tracking, id)
	return nil
}

func (s memTracking) DeleteAllForUser(_ context.Context, userID int64, except string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for id, t := range s.m.tracking {
		if t.UserID == userID && id != except {
			delete(s.m.tracking, id)
			n++
		}
	}
	return n, nil
}

func (s memTracking) ListByUser(_ context.Context, userID int64) ([]auth.TrackedSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []auth.TrackedSession
	for _, t := range s.m.tracking {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

type memBranches map[int64]*tenant.Branch

func (m memBranches) Branch(_ context.Context, id int64) (*tenant.Branch, error) {
	b, ok := m[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

type memModules struct {
	modules map[string]*tenant.Module
	enabled map[int64]map[string]bool
}

func (m memModules) Module(_ context.Context, key string) (*tenant.Module, error) {
	mod, ok := m.modules[key]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return mod, nil
}

func (m memModules) ModuleEnabled(_ context.Context, branchID int64, key string) (bool, error) {
	return m.enabled[branchID][key], nil
}

type memStoreTokens struct {
	mu     sync.Mutex
	byHash map[string]*apitoken.Token
	nextID int64
}

func (m *memStoreTokens) FindByHash(_ context.Context, hash string) (*apitoken.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.byHash[hash]
	if !ok {
		return nil, apitoken.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memStoreTokens) Create(_ context.Context, tok *apitoken.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byHash == nil {
		m.byHash = map[string]*apitoken.Token{}
	}
	m.nextID++
	tok.ID = m.nextID
	cp := *tok
	m.byHash[tok.Hash] = &cp
	return nil
}

func (m *memStoreTokens) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.byHash {
		if tok.ID == id {
			t := at
			tok.LastUsedAt = &t
		}
	}
	return nil
}

package auth

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store used by service tests.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]*User
	roles    map[int64][]string
	perms    map[int64][]string
	tokens   map[string]*PersonalToken
	tracking map[string]TrackedSession
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[int64]*User{},
		roles:    map[int64][]string{},
		perms:    map[int64][]string{},
		tokens:   map[string]*PersonalToken{},
		tracking: map[string]TrackedSession{},
	}
}

func (m *memStore) Users(context.Context) UserStore                   { return memUsers{m} }
func (m *memStore) PersonalTokens(context.Context) PersonalTokenStore { return memTokens{m} }
func (m *memStore) Tracking(context.Context) TrackingStore            { return memTracking{m} }

func (m *memStore) user(id int64) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.users[id]
	return &u
}

type memUsers struct{ m *memStore }

func (s memUsers) Find(_ context.Context, id int64) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
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

func (s memUsers) update(id int64, fn func(*User)) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (s memUsers) UpdatePassword(_ context.Context, id int64, hash string) error {
	return s.update(id, func(u *User) { u.PasswordHash = hash })
}

func (s memUsers) SetPasswordChangedAt(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(u *User) { u.PasswordChangedAt = at })
}

func (s memUsers) SetRememberToken(_ context.Context, id int64, hash *string) error {
	return s.update(id, func(u *User) { u.RememberTokenHash = hash })
}

func (s memUsers) EnableTwoFactor(_ context.Context, id int64, secret string) error {
	return s.update(id, func(u *User) {
		u.TwoFactorEnabled = true
		u.TwoFactorSecret = secret
	})
}

type memTokens struct{ m *memStore }

func (s memTokens) Create(_ context.Context, tok *PersonalToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *tok
	s.m.tokens[tok.ID] = &cp
	return nil
}

func (s memTokens) Find(_ context.Context, id string) (*PersonalToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[id]
	if !ok {
		return nil, ErrNotFound
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

type memTracking struct{ m *memStore }

func (s memTracking) Record(_ context.Context, t TrackedSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t.LastSeenAt = t.CreatedAt
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

func (s memTracking) ListByUser(_ context.Context, userID int64) ([]TrackedSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []TrackedSession
	for _, t := range s.m.tracking {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

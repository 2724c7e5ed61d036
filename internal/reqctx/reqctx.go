// Package reqctx carries what the pipeline learned about a request. Each
// request gets its own State through context.Context; fields are set once
// and only impersonation may replace the acting principal.
package reqctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"branchgate.org/internal/apitoken"
	"branchgate.org/internal/auth"
	"branchgate.org/internal/tenant"
)

// ErrOverwrite is returned when a stage tries to replace a field another
// stage already set.
var ErrOverwrite = errors.New("reqctx: field already set")

type ctxKey struct{}

// State is the per-request value bag.
type State struct {
	mu sync.RWMutex

	started   time.Time
	requestID string

	branch *tenant.Branch

	principal *auth.Principal // acted-as
	actor     *auth.Principal // actual performer while impersonating

	permissionMode string
	moduleKey      string
	token          *apitoken.Token
	sessionID      string
}

// With attaches a fresh State to ctx.
func With(ctx context.Context, started time.Time) (context.Context, *State) {
	st := &State{started: started}
	return context.WithValue(ctx, ctxKey{}, st), st
}

// From returns the State of ctx, or nil outside the pipeline.
func From(ctx context.Context) *State {
	st, _ := ctx.Value(ctxKey{}).(*State)
	return st
}

func overwrite(field string) error {
	return fmt.Errorf("%w: %s", ErrOverwrite, field)
}

// SetRequestID records the correlation id.
func (s *State) SetRequestID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestID != "" && s.requestID != id {
		return overwrite("request_id")
	}
	s.requestID = id
	return nil
}

// SetBranch records the resolved branch. Setting the same branch again is
// a no-op.
func (s *State) SetBranch(b tenant.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.branch != nil {
		if s.branch.ID == b.ID {
			return nil
		}
		return overwrite("branch")
	}
	s.branch = &b
	return nil
}

// SetPrincipal records the authenticated principal.
func (s *State) SetPrincipal(p auth.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal != nil {
		if s.principal.ID == p.ID && s.actor == nil {
			return nil
		}
		return overwrite("principal")
	}
	s.principal = &p
	return nil
}

// Impersonate makes target the acting principal and keeps the current
// principal as the actual performer. It can happen once per request.
func (s *State) Impersonate(target auth.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return errors.New("reqctx: impersonation without an authenticated principal")
	}
	if s.actor != nil {
		return overwrite("impersonation")
	}
	s.actor = s.principal
	s.principal = &target
	return nil
}

// SetPermissionMode records the mode the permission stage evaluated with.
func (s *State) SetPermissionMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissionMode != "" && s.permissionMode != mode {
		return overwrite("permission_mode")
	}
	s.permissionMode = mode
	return nil
}

// SetModule records the gated module key.
func (s *State) SetModule(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moduleKey != "" && s.moduleKey != key {
		return overwrite("module")
	}
	s.moduleKey = key
	return nil
}

// SetToken records the authenticated store token.
func (s *State) SetToken(tok apitoken.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		if s.token.ID == tok.ID {
			return nil
		}
		return overwrite("token")
	}
	s.token = &tok
	return nil
}

// SetSessionID records the server-side session backing the request.
func (s *State) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" && s.sessionID != id {
		return overwrite("session")
	}
	s.sessionID = id
	return nil
}

func (s *State) RequestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestID
}

func (s *State) Branch() (tenant.Branch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.branch == nil {
		return tenant.Branch{}, false
	}
	return *s.branch, true
}

func (s *State) BranchID() (int64, bool) {
	b, ok := s.Branch()
	return b.ID, ok
}

// Principal is the acted-as principal.
func (s *State) Principal() (auth.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return auth.Principal{}, false
	}
	return *s.principal, true
}

// ActualPerformer is who really sent the request: the impersonator when
// impersonating, the principal otherwise.
func (s *State) ActualPerformer() (auth.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.actor != nil:
		return *s.actor, true
	case s.principal != nil:
		return *s.principal, true
	}
	return auth.Principal{}, false
}

func (s *State) Impersonating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actor != nil
}

func (s *State) PermissionMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissionMode
}

func (s *State) Module() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moduleKey
}

func (s *State) Token() (apitoken.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return apitoken.Token{}, false
	}
	return *s.token, true
}

func (s *State) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Elapsed is the time since the pipeline started.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.started)
}

// Snapshot is a JSON view of the state for diagnostics endpoints.
type Snapshot struct {
	RequestID      string         `json:"request_id"`
	Branch         *tenant.Branch `json:"branch,omitempty"`
	UserID         *int64         `json:"user_id,omitempty"`
	ActorID        *int64         `json:"actor_id,omitempty"`
	Impersonating  bool           `json:"impersonating"`
	PermissionMode string         `json:"permission_mode,omitempty"`
	Module         string         `json:"module,omitempty"`
	TokenID        *int64         `json:"token_id,omitempty"`
	Abilities      []string       `json:"abilities,omitempty"`
	ElapsedMS      float64        `json:"elapsed_ms"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		RequestID:      s.RequestID(),
		Impersonating:  s.Impersonating(),
		PermissionMode: s.PermissionMode(),
		Module:         s.Module(),
		ElapsedMS:      float64(s.Elapsed().Microseconds()) / 1000,
	}
	if b, ok := s.Branch(); ok {
		snap.Branch = &b
	}
	if p, ok := s.Principal(); ok {
		id := p.ID
		snap.UserID = &id
	}
	if a, ok := s.ActualPerformer(); ok {
		id := a.ID
		snap.ActorID = &id
	}
	if tok, ok := s.Token(); ok {
		id := tok.ID
		snap.TokenID = &id
		snap.Abilities = tok.Abilities
	}
	return snap
}

package tenant

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("tenant: not found")
	ErrSchemaMissing = errors.New("tenant: module schema missing")
)

// Branch is the isolation boundary every scoped row belongs to.
type Branch struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Currency string `json:"currency"`
	Timezone string `json:"timezone"`
}

// Module is a toggleable feature area.
type Module struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// BranchFinder loads branches by id.
type BranchFinder interface {
	Branch(ctx context.Context, id int64) (*Branch, error)
}

// ModuleStore answers module gate lookups. Both methods return
// ErrSchemaMissing when the module tables do not exist.
type ModuleStore interface {
	Module(ctx context.Context, key string) (*Module, error)
	ModuleEnabled(ctx context.Context, branchID int64, key string) (bool, error)
}

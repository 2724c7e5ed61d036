package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"branchgate.org/internal/deny"
	"branchgate.org/internal/obs"
)

const (
	ModuleParam  = "module"
	ModuleHeader = "X-Module-Key"
)

// Gate allows a request only when its module is active globally and enabled
// for the branch.
type Gate struct {
	modules ModuleStore
	// failOpenWithoutSchema lets bootstrap environments through while the
	// module tables have not been migrated yet. Off in production.
	failOpenWithoutSchema bool
}

func NewGate(modules ModuleStore, failOpenWithoutSchema bool) *Gate {
	return &Gate{modules: modules, failOpenWithoutSchema: failOpenWithoutSchema}
}

// Check evaluates the gate. branch is nil when no branch was resolved.
func (g *Gate) Check(ctx context.Context, branch *Branch, key string) error {
	if branch == nil {
		return deny.New(deny.KindContextMissing, "module %q requires a branch context", key)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return deny.New(deny.KindConfigError, "route requires a module key but none was given")
	}

	mod, err := g.modules.Module(ctx, key)
	if err != nil {
		return g.lookupFailed(key, err)
	}
	if !mod.Active {
		return deny.New(deny.KindPermissionDenied, "module %q is disabled", key).WithMeta("module", key)
	}

	enabled, err := g.modules.ModuleEnabled(ctx, branch.ID, key)
	if err != nil {
		return g.lookupFailed(key, err)
	}
	if !enabled {
		return deny.New(deny.KindPermissionDenied, "module %q is not enabled for this branch", key).
			WithMeta("module", key)
	}
	return nil
}

func (g *Gate) lookupFailed(key string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return deny.New(deny.KindNotFound, "module %q does not exist", key)
	case errors.Is(err, ErrSchemaMissing):
		if g.failOpenWithoutSchema {
			obs.Logger().Warn("module schema missing, gate open (bootstrap mode)", zap.String("module", key))
			return nil
		}
		return deny.New(deny.KindConfigError, "module tables are missing; run migrations")
	default:
		return fmt.Errorf("module lookup %q: %w", key, err)
	}
}

// Package impersonate lets privileged users act as another user.
package impersonate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"branchgate.org/internal/auth"
	"branchgate.org/internal/deny"
	"branchgate.org/internal/obs"
)

// Header carries the target reference: an email or a numeric user id.
const Header = "X-Impersonate-User"

// Directory loads impersonation targets.
type Directory interface {
	Principal(ctx context.Context, id int64) (auth.Principal, error)
	PrincipalByEmail(ctx context.Context, email string) (auth.Principal, error)
}

// Mediator resolves impersonation requests.
type Mediator struct {
	dir Directory
}

func NewMediator(dir Directory) *Mediator {
	return &Mediator{dir: dir}
}

// Privileged reports whether actor may impersonate at all.
func Privileged(actor auth.Principal) bool {
	return actor.Elevated() || actor.Granted(auth.PermUsersImpersonate)
}

// Resolve returns the target for ref, or nil when the request should go on
// as the actor: no reference, an unprivileged actor, or the actor naming
// itself. A privileged actor naming an unknown user gets NotFound rather
// than a silent fallback to its own identity.
func (m *Mediator) Resolve(ctx context.Context, actor auth.Principal, ref string) (*auth.Principal, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if !Privileged(actor) {
		obs.Logger().Debug("impersonation ignored for unprivileged actor", zap.Int64("actor_id", actor.ID))
		return nil, nil
	}

	var (
		target auth.Principal
		err    error
	)
	if strings.Contains(ref, "@") {
		target, err = m.dir.PrincipalByEmail(ctx, ref)
	} else {
		id, perr := strconv.ParseInt(ref, 10, 64)
		if perr != nil {
			return nil, deny.New(deny.KindNotFound, "impersonation target %q not found", ref)
		}
		target, err = m.dir.Principal(ctx, id)
	}
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, deny.New(deny.KindNotFound, "impersonation target %q not found", ref)
		}
		return nil, fmt.Errorf("load impersonation target: %w", err)
	}
	if !target.Active {
		return nil, deny.New(deny.KindNotFound, "impersonation target %q not found", ref)
	}
	if target.ID == actor.ID {
		return nil, nil
	}
	// Only a super-admin may become another super-admin, and the
	// users.impersonate grant alone never reaches an elevated account.
	if target.HasRole(auth.RoleSuperAdmin) && !actor.HasRole(auth.RoleSuperAdmin) {
		return nil, deny.New(deny.KindPermissionDenied, "cannot impersonate a super-admin")
	}
	if target.Elevated() && !actor.Elevated() {
		return nil, deny.New(deny.KindPermissionDenied, "cannot impersonate an elevated user").
			WithMeta("target_id", target.ID)
	}
	return &target, nil
}

package permission

import (
	"context"

	"go.uber.org/zap"

	"branchgate.org/internal/deny"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/tenant"
)

// Source is what the evaluator needs from a principal.
type Source interface {
	SubjectID() int64
	RoleNames() []string
	HomeBranch() (id int64, scoped bool)
	Elevated() bool
	Granted(capability string) bool
}

// Policy is a contextual check consulted after direct grants.
type Policy interface {
	Allows(ctx context.Context, src Source, capability string, branch *tenant.Branch) bool
}

// Evaluator decides permission expressions.
type Evaluator struct {
	policy Policy
}

// NewEvaluator builds an evaluator. policy may be nil.
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Check parses spec and evaluates it. A nil src is Unauthenticated,
// reported before the permission spec is even looked at.
func (e *Evaluator) Check(ctx context.Context, src Source, spec string, mode Mode, branch *tenant.Branch) error {
	if src == nil {
		return deny.New(deny.KindUnauthenticated, "authentication required")
	}
	expr, err := Parse(spec, mode)
	if err != nil {
		obs.Logger().Error("invalid permission spec", zap.String("spec", spec), zap.Error(err))
		return err
	}
	return e.Evaluate(ctx, src, expr, branch)
}

// Evaluate applies a parsed expression.
func (e *Evaluator) Evaluate(ctx context.Context, src Source, expr Expression, branch *tenant.Branch) error {
	if src == nil {
		return deny.New(deny.KindUnauthenticated, "authentication required")
	}

	var result bool
	if expr.Mode == ModeAll {
		result = true
		for _, term := range expr.Terms {
			if !e.satisfies(ctx, src, term, branch) {
				result = false
				break
			}
		}
	} else {
		for _, term := range expr.Terms {
			if e.satisfies(ctx, src, term, branch) {
				result = true
				break
			}
		}
	}
	if expr.Negated {
		result = !result
	}
	if result {
		return nil
	}

	obs.Logger().Debug("permission denied",
		zap.Int64("user_id", src.SubjectID()),
		zap.Strings("required", expr.Terms),
		zap.String("mode", string(expr.Mode)),
		zap.Bool("negated", expr.Negated),
	)
	return deny.New(deny.KindPermissionDenied, "insufficient permissions").
		WithMeta("required", expr.Terms).
		WithMeta("mode", string(expr.Mode)).
		WithMeta("negated", expr.Negated)
}

func (e *Evaluator) satisfies(ctx context.Context, src Source, term string, branch *tenant.Branch) bool {
	if src.Elevated() {
		return true
	}
	if src.Granted(term) {
		return true
	}
	return e.policy != nil && e.policy.Allows(ctx, src, term, branch)
}

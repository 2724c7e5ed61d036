package permission

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/cedar-policy/cedar-go"
	"go.uber.org/zap"

	"branchgate.org/internal/obs"
	"branchgate.org/internal/tenant"
)

//go:embed policies.cedar
var defaultPolicies []byte

const (
	entityUser   = "User"
	entityBranch = "Branch"
	entityAction = "Action"
	actionEval   = "evaluate"
)

// CedarPolicy answers contextual grants from a cedar policy set. The
// principal is a User whose parent is its home branch; the resource is the
// resolved branch.
type CedarPolicy struct {
	policies *cedar.PolicySet
}

// NewCedarPolicy parses src, or the embedded policies when src is nil.
func NewCedarPolicy(src []byte) (*CedarPolicy, error) {
	if src == nil {
		src = defaultPolicies
	}
	ps, err := cedar.NewPolicySetFromBytes("policies.cedar", src)
	if err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	return &CedarPolicy{policies: ps}, nil
}

func (c *CedarPolicy) Allows(_ context.Context, src Source, capability string, branch *tenant.Branch) bool {
	entities := cedar.EntityMap{}

	resourceUID := cedar.NewEntityUID(entityBranch, "none")
	resourceActive := true
	if branch != nil {
		resourceUID = branchUID(branch.ID)
		resourceActive = branch.Active
	}
	entities[resourceUID] = cedar.Entity{
		UID:        resourceUID,
		Parents:    cedar.NewEntityUIDSet(),
		Attributes: cedar.NewRecord(cedar.RecordMap{"active": cedar.Boolean(resourceActive)}),
	}

	parents := cedar.NewEntityUIDSet()
	home, scoped := src.HomeBranch()
	if scoped {
		homeUID := branchUID(home)
		parents = cedar.NewEntityUIDSet(homeUID)
		if _, ok := entities[homeUID]; !ok {
			entities[homeUID] = cedar.Entity{
				UID:        homeUID,
				Parents:    cedar.NewEntityUIDSet(),
				Attributes: cedar.NewRecord(cedar.RecordMap{"active": cedar.Boolean(true)}),
			}
		}
	}

	roles := make([]cedar.Value, 0, len(src.RoleNames()))
	for _, r := range src.RoleNames() {
		roles = append(roles, cedar.String(r))
	}
	principalUID := cedar.NewEntityUID(entityUser, cedar.String(strconv.FormatInt(src.SubjectID(), 10)))
	entities[principalUID] = cedar.Entity{
		UID:     principalUID,
		Parents: parents,
		Attributes: cedar.NewRecord(cedar.RecordMap{
			"roles":  cedar.NewSet(roles...),
			"global": cedar.Boolean(!scoped),
		}),
	}

	req := cedar.Request{
		Principal: principalUID,
		Action:    cedar.NewEntityUID(entityAction, actionEval),
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{"capability": cedar.String(capability)}),
	}
	decision, diag := cedar.Authorize(c.policies, entities, req)
	for _, e := range diag.Errors {
		obs.Logger().Error("policy evaluation error",
			zap.String("policy", string(e.PolicyID)), zap.String("error", e.Message))
	}
	return decision == cedar.Allow
}

func branchUID(id int64) cedar.EntityUID {
	return cedar.NewEntityUID(entityBranch, cedar.String(strconv.FormatInt(id, 10)))
}

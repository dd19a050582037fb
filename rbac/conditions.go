package rbac

import (
	"strings"
)

// ConditionKind identifies how a permission condition is evaluated.
type ConditionKind string

const (
	// ConditionOwner requires the resource owner, when known, to be the requester
	ConditionOwner ConditionKind = "owner"
	// ConditionDepartment requires the resource department, when known, to match the requester's
	ConditionDepartment ConditionKind = "department"
	// ConditionRoleHierarchy restricts the hierarchy of the role being acted on
	ConditionRoleHierarchy ConditionKind = "role_hierarchy"
)

// Condition is a typed permission constraint.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Allowed []int         `json:"allowed,omitempty"`
}

// ConditionContext carries the values conditions are evaluated against. It
// is resolved once per request; zero values mean "not supplied".
type ConditionContext struct {
	CurrentUserID       string
	UserDepartment      string
	ResourceOwnerID     string
	ResourceDepartment  string
	TargetRoleHierarchy int
}

// Satisfied reports whether c holds in ctx.
func (c Condition) Satisfied(ctx ConditionContext) bool {
	switch c.Kind {
	case ConditionOwner:
		return ctx.ResourceOwnerID == "" || ctx.ResourceOwnerID == ctx.CurrentUserID
	case ConditionDepartment:
		if ctx.ResourceDepartment == "" {
			return true
		}
		return ctx.UserDepartment != "" && strings.EqualFold(ctx.ResourceDepartment, ctx.UserDepartment)
	case ConditionRoleHierarchy:
		if ctx.TargetRoleHierarchy == 0 {
			return true
		}
		for _, h := range c.Allowed {
			if h == ctx.TargetRoleHierarchy {
				return true
			}
		}
		return false
	default:
		// Unknown condition kinds never grant access
		return false
	}
}

func allSatisfied(conds []Condition, ctx ConditionContext) bool {
	for _, c := range conds {
		if !c.Satisfied(ctx) {
			return false
		}
	}
	return true
}

func normalizeRole(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

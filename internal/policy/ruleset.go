package policy

import (
	"okrio/internal/domain"
)

// Role is a capability a subject holds on a resource, either derived from
// organizational facts or granted explicitly on the object.
type Role string

const (
	// Derived roles, computed by the Resolver.
	RoleOwner           Role = "owner"
	RoleManagerOfOwner  Role = "manager_of_owner"
	RoleWorkspaceMember Role = "workspace_member"
	RoleStakeholder     Role = "stakeholder"

	// Object roles, stored as explicit grants.
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleApprover Role = "approver"
)

// KnownRoles enumerates every role name the rule tables may reference.
var KnownRoles = []Role{
	RoleOwner, RoleManagerOfOwner, RoleWorkspaceMember, RoleStakeholder,
	RoleViewer, RoleEditor, RoleApprover,
}

// Rule is one predicate in the rule tables. All listed conditions must
// hold for the rule to match; empty fields match anything.
type Rule struct {
	ID         string
	Actions    []string // literal actions or trailing-* patterns
	Kinds      []domain.Kind
	States     []domain.State
	Workspaces []string // only consulted for workspace-level rules
	Roles      []Role   // subject must hold at least one
	Labels     []string // subject must carry at least one
	Groups     []string
	MinLevel   int
	Facts      []string // context facts that must be true
	Reason     string
}

func (r Rule) matches(sub domain.Subject, action Action, res domain.Resource, rctx Context) bool {
	if !r.matchesAction(action) {
		return false
	}
	if len(r.Kinds) > 0 && !containsKind(r.Kinds, res.Kind) {
		return false
	}
	if len(r.States) > 0 && !containsState(r.States, res.State) {
		return false
	}
	if len(r.Workspaces) > 0 && !containsString(r.Workspaces, res.WorkspaceID) {
		return false
	}
	if len(r.Roles) > 0 && !holdsAny(rctx.Roles, r.Roles) {
		return false
	}
	if len(r.Labels) > 0 && !anyLabel(sub, r.Labels) {
		return false
	}
	if len(r.Groups) > 0 && !anyGroup(sub, r.Groups) {
		return false
	}
	if r.MinLevel > 0 && sub.Level < r.MinLevel {
		return false
	}
	for _, fact := range r.Facts {
		if !rctx.Facts[fact] {
			return false
		}
	}
	return true
}

func (r Rule) matchesAction(a Action) bool {
	for _, pattern := range r.Actions {
		if matchAction(pattern, a) {
			return true
		}
	}
	return false
}

// Ruleset is the compiled, immutable rule configuration. A loaded Ruleset
// is never mutated; reloads build a fresh one and swap it atomically.
type Ruleset struct {
	TenantDeny    []Rule
	WorkspaceDeny []Rule
	ObjectRoles   map[Role][]string // object role -> permitted action patterns
	Allow         []Rule
}

// objectRoleAllows reports whether the given object role permits the
// action under this ruleset.
func (rs *Ruleset) objectRoleAllows(role Role, a Action) bool {
	for _, pattern := range rs.ObjectRoles[role] {
		if matchAction(pattern, a) {
			return true
		}
	}
	return false
}

func containsKind(kinds []domain.Kind, k domain.Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func containsState(states []domain.State, s domain.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

func holdsAny(held []Role, wanted []Role) bool {
	for _, w := range wanted {
		for _, h := range held {
			if h == w {
				return true
			}
		}
	}
	return false
}

func anyLabel(sub domain.Subject, labels []string) bool {
	for _, l := range labels {
		if sub.HasLabel(l) {
			return true
		}
	}
	return false
}

func anyGroup(sub domain.Subject, groups []string) bool {
	for _, g := range groups {
		if sub.InGroup(g) {
			return true
		}
	}
	return false
}

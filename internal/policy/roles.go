package policy

import (
	"okrio/internal/domain"
)

// RoleSource pairs a resolved role with where it came from, for audit and
// debugging output. It is never a decision input.
type RoleSource struct {
	Role   Role   `json:"role"`
	Source string `json:"source"`
}

// Resolver derives the roles a subject holds on a resource. It is the
// single source of truth for derived roles: managers are computed from the
// owner's precomputed ancestry, never stored as explicit grants. The
// resolver is stateless, idempotent and side-effect free.
type Resolver struct{}

// Resolve merges derived roles with explicit (non-deny) object-role
// grants. The result is ordered: derived roles first, grants after, no
// duplicates.
func (Resolver) Resolve(sub domain.Subject, res domain.Resource) []Role {
	sources := Resolver{}.Explain(sub, res)
	roles := make([]Role, 0, len(sources))
	for _, rs := range sources {
		if !containsRole(roles, rs.Role) {
			roles = append(roles, rs.Role)
		}
	}
	return roles
}

// Explain returns every resolved role with its provenance, in evaluation
// order. Read-only diagnostic.
func (Resolver) Explain(sub domain.Subject, res domain.Resource) []RoleSource {
	var out []RoleSource
	if sub.ID == res.OwnerID {
		out = append(out, RoleSource{Role: RoleOwner, Source: "resource owner"})
	}
	if domain.ManagerOf(res.OwnerManagerChain, sub.ID) {
		out = append(out, RoleSource{Role: RoleManagerOfOwner, Source: "owner manager ancestry"})
	}
	if sub.MemberOf(res.WorkspaceID) {
		out = append(out, RoleSource{Role: RoleWorkspaceMember, Source: "workspace membership " + res.WorkspaceID})
	}
	granted := false
	for _, grant := range res.Grants {
		if grant.Deny || grant.SubjectID != sub.ID {
			continue
		}
		granted = true
		out = append(out, RoleSource{Role: Role(grant.Role), Source: "explicit grant"})
	}
	if granted {
		out = append(out, RoleSource{Role: RoleStakeholder, Source: "explicit grant"})
	}
	return out
}

func containsRole(roles []Role, r Role) bool {
	for _, c := range roles {
		if c == r {
			return true
		}
	}
	return false
}

package policy

import (
	"fmt"
	"sync/atomic"

	"okrio/internal/domain"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool   `json:"allow"`
	RuleID string `json:"rule_id,omitempty"`
	Reason string `json:"reason"`
}

// Context carries facts that are not derivable from subject or resource
// alone: the roles resolved for this pair and any runtime facts (e.g.
// "within_checkin_window").
type Context struct {
	Roles []Role
	Facts map[string]bool
}

// Engine evaluates access decisions against an immutable ruleset. The
// evaluation itself is a pure function of its inputs; the only state is
// the atomically swappable ruleset pointer, so concurrent callers never
// observe a partially updated rule table.
type Engine struct {
	rules atomic.Pointer[Ruleset]
}

func NewEngine(rs *Ruleset) *Engine {
	e := &Engine{}
	e.rules.Store(rs)
	return e
}

// Swap replaces the active ruleset. In-flight decisions keep the set they
// started with.
func (e *Engine) Swap(rs *Ruleset) {
	e.rules.Store(rs)
}

// Ruleset returns the currently active ruleset.
func (e *Engine) Ruleset() *Ruleset {
	return e.rules.Load()
}

// Decide evaluates (subject, action, resource) with deny-overrides
// precedence:
//
//	1. tenant-level deny rules
//	2. workspace-level deny rules
//	3. explicit object-role deny grants
//	4. explicit object-role allow grants
//	5. derived-role allow rules
//	6. default deny
//
// Unrecognized actions or resource kinds resolve to a deny with a reason;
// the engine never fails open on malformed input.
func (e *Engine) Decide(sub domain.Subject, action Action, res domain.Resource, rctx Context) Decision {
	rs := e.rules.Load()
	if rs == nil {
		return Decision{Reason: "no ruleset loaded"}
	}
	if !action.Valid() {
		return Decision{Reason: fmt.Sprintf("unrecognized action %q", action)}
	}
	if !res.Kind.Valid() {
		return Decision{Reason: fmt.Sprintf("unrecognized resource kind %q", res.Kind)}
	}

	for _, rule := range rs.TenantDeny {
		if rule.matches(sub, action, res, rctx) {
			return deny(rule)
		}
	}
	for _, rule := range rs.WorkspaceDeny {
		if rule.matches(sub, action, res, rctx) {
			return deny(rule)
		}
	}
	for _, grant := range res.Grants {
		if grant.Deny && grant.SubjectID == sub.ID && grantCovers(rs, grant.Role, action) {
			return Decision{
				RuleID: "object-deny:" + grant.Role,
				Reason: fmt.Sprintf("explicit %s deny grant on %s", grant.Role, res.ID),
			}
		}
	}
	for _, grant := range res.Grants {
		if !grant.Deny && grant.SubjectID == sub.ID && rs.objectRoleAllows(Role(grant.Role), action) {
			return Decision{
				Allow:  true,
				RuleID: "object-allow:" + grant.Role,
				Reason: fmt.Sprintf("explicit %s grant on %s", grant.Role, res.ID),
			}
		}
	}
	for _, rule := range rs.Allow {
		if rule.matches(sub, action, res, rctx) {
			return allow(rule)
		}
	}
	return Decision{Reason: defaultDenyReason(action, rctx.Roles)}
}

// grantCovers decides which actions an explicit deny grant blocks. A
// wildcard role blocks everything; a named object role blocks the actions
// that role would otherwise permit.
func grantCovers(rs *Ruleset, role string, a Action) bool {
	if role == "*" {
		return true
	}
	return rs.objectRoleAllows(Role(role), a)
}

func allow(rule Rule) Decision {
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("allow rule %s matched", rule.ID)
	}
	return Decision{Allow: true, RuleID: rule.ID, Reason: reason}
}

func deny(rule Rule) Decision {
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("deny rule %s matched", rule.ID)
	}
	return Decision{RuleID: rule.ID, Reason: reason}
}

func defaultDenyReason(action Action, roles []Role) string {
	if len(roles) == 0 {
		return fmt.Sprintf("no rule permits %s and subject holds no role on the resource", action)
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return fmt.Sprintf("no rule permits %s for roles %v", action, names)
}

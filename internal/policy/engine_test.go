package policy_test

import (
	"reflect"
	"testing"

	"okrio/internal/config"
	"okrio/internal/domain"
	"okrio/internal/policy"
)

func defaultEngine() *policy.Engine {
	return policy.NewEngine(config.Default("acme").Ruleset())
}

func resource(state domain.State, grants ...domain.RoleGrant) domain.Resource {
	return domain.Resource{
		Kind:              domain.KindObjective,
		ID:                "obj-1",
		TenantID:          "acme",
		WorkspaceID:       "ws-1",
		OwnerID:           "alice",
		OwnerManagerChain: []string{"bob", "carol"},
		State:             state,
		Grants:            grants,
	}
}

func decide(e *policy.Engine, sub domain.Subject, action policy.Action, res domain.Resource) policy.Decision {
	resolver := policy.Resolver{}
	return e.Decide(sub, action, res, policy.Context{Roles: resolver.Resolve(sub, res)})
}

func TestDefaultDeny(t *testing.T) {
	e := defaultEngine()
	stranger := domain.Subject{ID: "mallory", TenantID: "acme"}
	d := decide(e, stranger, policy.ActionView, resource(domain.StateActive))
	if d.Allow {
		t.Fatalf("expected deny, got allow via %s", d.RuleID)
	}
	if d.Reason == "" {
		t.Fatal("default deny must carry a reason")
	}
}

func TestOwnerLifecycle(t *testing.T) {
	e := defaultEngine()
	owner := domain.Subject{ID: "alice", TenantID: "acme"}

	d := decide(e, owner, policy.TransitionAction(domain.StateDraft, domain.StateExpertReview), resource(domain.StateDraft))
	if !d.Allow {
		t.Fatalf("owner submit denied: %s", d.Reason)
	}
	if d.RuleID != "owner-lifecycle" {
		t.Fatalf("expected owner-lifecycle rule, got %s", d.RuleID)
	}

	// Owners do not approve their own units.
	d = decide(e, owner, policy.TransitionAction(domain.StateExpertReview, domain.StateManagerApproval), resource(domain.StateExpertReview))
	if d.Allow {
		t.Fatalf("owner must not advance expert review, allowed via %s", d.RuleID)
	}
}

func TestManagerApproval(t *testing.T) {
	e := defaultEngine()
	manager := domain.Subject{ID: "bob", TenantID: "acme"}

	d := decide(e, manager, policy.TransitionAction(domain.StateManagerApproval, domain.StateActive), resource(domain.StateManagerApproval))
	if !d.Allow {
		t.Fatalf("manager approval denied: %s", d.Reason)
	}

	// Skip-level managers in the ancestry qualify too.
	skip := domain.Subject{ID: "carol", TenantID: "acme"}
	d = decide(e, skip, policy.TransitionAction(domain.StateManagerApproval, domain.StateActive), resource(domain.StateManagerApproval))
	if !d.Allow {
		t.Fatalf("skip-level manager denied: %s", d.Reason)
	}
}

func TestExpertLabel(t *testing.T) {
	e := defaultEngine()
	expert := domain.Subject{ID: "erin", TenantID: "acme", Labels: []string{"okr-expert"}}

	d := decide(e, expert, policy.TransitionAction(domain.StateExpertReview, domain.StateManagerApproval), resource(domain.StateExpertReview))
	if !d.Allow {
		t.Fatalf("expert advance denied: %s", d.Reason)
	}

	d = decide(e, expert, policy.TransitionAction(domain.StateExpertValidation, domain.StateClosed), resource(domain.StateExpertValidation))
	if !d.Allow {
		t.Fatalf("expert close denied: %s", d.Reason)
	}
}

func TestWorkspaceMemberViewOnly(t *testing.T) {
	e := defaultEngine()
	member := domain.Subject{ID: "dave", TenantID: "acme", Workspaces: map[string]string{"ws-1": "member"}}

	if d := decide(e, member, policy.ActionView, resource(domain.StateActive)); !d.Allow {
		t.Fatalf("member view denied: %s", d.Reason)
	}
	if d := decide(e, member, policy.ActionComment, resource(domain.StateActive)); !d.Allow {
		t.Fatalf("member comment denied: %s", d.Reason)
	}
	if d := decide(e, member, policy.ActionEdit, resource(domain.StateActive)); d.Allow {
		t.Fatalf("member edit allowed via %s", d.RuleID)
	}
	act := policy.TransitionAction(domain.StateManagerApproval, domain.StateActive)
	if d := decide(e, member, act, resource(domain.StateManagerApproval)); d.Allow {
		t.Fatalf("member approval allowed via %s", d.RuleID)
	}
}

func TestTenantDenyOverridesOwner(t *testing.T) {
	e := defaultEngine()
	owner := domain.Subject{ID: "alice", TenantID: "acme"}

	d := decide(e, owner, policy.ActionEdit, resource(domain.StateClosed))
	if d.Allow {
		t.Fatalf("edit on closed unit allowed via %s", d.RuleID)
	}
	if d.RuleID != "closed-immutable" {
		t.Fatalf("expected closed-immutable deny, got %s (%s)", d.RuleID, d.Reason)
	}
}

func TestExplicitGrantAllows(t *testing.T) {
	e := defaultEngine()
	stranger := domain.Subject{ID: "grace", TenantID: "acme"}
	res := resource(domain.StateActive, domain.RoleGrant{SubjectID: "grace", Role: "viewer"})

	if d := decide(e, stranger, policy.ActionView, res); !d.Allow {
		t.Fatalf("viewer grant denied: %s", d.Reason)
	}
	if d := decide(e, stranger, policy.ActionEdit, res); d.Allow {
		t.Fatalf("viewer grant must not permit edit, allowed via %s", d.RuleID)
	}
}

func TestApproverGrantCoversTransitions(t *testing.T) {
	e := defaultEngine()
	approver := domain.Subject{ID: "grace", TenantID: "acme"}
	res := resource(domain.StateManagerApproval, domain.RoleGrant{SubjectID: "grace", Role: "approver"})

	d := decide(e, approver, policy.TransitionAction(domain.StateManagerApproval, domain.StateActive), res)
	if !d.Allow {
		t.Fatalf("approver grant denied: %s", d.Reason)
	}
	if d.RuleID != "object-allow:approver" {
		t.Fatalf("expected object-allow:approver, got %s", d.RuleID)
	}
}

func TestDenyGrantOverridesAllowGrant(t *testing.T) {
	e := defaultEngine()
	sub := domain.Subject{ID: "grace", TenantID: "acme"}
	res := resource(domain.StateActive,
		domain.RoleGrant{SubjectID: "grace", Role: "viewer"},
		domain.RoleGrant{SubjectID: "grace", Role: "viewer", Deny: true},
	)

	d := decide(e, sub, policy.ActionView, res)
	if d.Allow {
		t.Fatalf("deny grant must override allow grant, allowed via %s", d.RuleID)
	}
	if d.RuleID != "object-deny:viewer" {
		t.Fatalf("expected object-deny:viewer, got %s", d.RuleID)
	}
}

func TestDenyGrantOverridesDerivedRole(t *testing.T) {
	e := defaultEngine()
	member := domain.Subject{ID: "dave", TenantID: "acme", Workspaces: map[string]string{"ws-1": "member"}}
	res := resource(domain.StateActive, domain.RoleGrant{SubjectID: "dave", Role: "*", Deny: true})

	if d := decide(e, member, policy.ActionView, res); d.Allow {
		t.Fatalf("wildcard deny grant must block workspace visibility, allowed via %s", d.RuleID)
	}
}

func TestUnrecognizedInputFailsClosed(t *testing.T) {
	e := defaultEngine()
	owner := domain.Subject{ID: "alice", TenantID: "acme"}

	if d := decide(e, owner, policy.Action("publish"), resource(domain.StateDraft)); d.Allow {
		t.Fatal("unrecognized action must deny")
	}
	if d := decide(e, owner, policy.Action("transition:draft=>active"), resource(domain.StateDraft)); d.Allow {
		t.Fatal("malformed transition action must deny")
	}
	bad := resource(domain.StateDraft)
	bad.Kind = domain.Kind("dashboard")
	if d := decide(e, owner, policy.ActionView, bad); d.Allow {
		t.Fatal("unrecognized kind must deny")
	}
}

func TestDecisionDeterministic(t *testing.T) {
	e := defaultEngine()
	owner := domain.Subject{ID: "alice", TenantID: "acme"}
	res := resource(domain.StateDraft)
	action := policy.TransitionAction(domain.StateDraft, domain.StateExpertReview)

	first := decide(e, owner, action, res)
	for i := 0; i < 10; i++ {
		if got := decide(e, owner, action, res); !reflect.DeepEqual(got, first) {
			t.Fatalf("decision changed across evaluations: %+v vs %+v", got, first)
		}
	}
}

func TestSwapRuleset(t *testing.T) {
	e := defaultEngine()
	owner := domain.Subject{ID: "alice", TenantID: "acme"}
	res := resource(domain.StateDraft)
	action := policy.TransitionAction(domain.StateDraft, domain.StateExpertReview)

	if d := decide(e, owner, action, res); !d.Allow {
		t.Fatalf("expected allow before swap: %s", d.Reason)
	}
	e.Swap(&policy.Ruleset{})
	if d := decide(e, owner, action, res); d.Allow {
		t.Fatal("empty ruleset must default-deny everything")
	}
}

func TestTransitionActionRoundTrip(t *testing.T) {
	a := policy.TransitionAction(domain.StateSelfAssessment, domain.StateManagerReview)
	if a != policy.Action("transition:self_assessment->manager_review") {
		t.Fatalf("unexpected action %q", a)
	}
	from, to, ok := a.TransitionEdge()
	if !ok || from != domain.StateSelfAssessment || to != domain.StateManagerReview {
		t.Fatalf("edge parse failed: %s %s %v", from, to, ok)
	}
	if !a.Valid() {
		t.Fatal("transition action should be valid")
	}
	if policy.Action("transition:draft->published").Valid() {
		t.Fatal("unknown target state must not validate")
	}
}

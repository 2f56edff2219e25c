package domain

// State is a lifecycle stage of an objective/key-result unit.
type State string

const (
	StateDraft            State = "draft"
	StateExpertReview     State = "expert_review"
	StateManagerApproval  State = "manager_approval"
	StateActive           State = "active"
	StateSelfAssessment   State = "self_assessment"
	StateManagerReview    State = "manager_review"
	StateExpertValidation State = "expert_validation"
	StateClosed           State = "closed"
	StateReturned         State = "returned"
)

// States lists every lifecycle state in stage order.
var States = []State{
	StateDraft,
	StateExpertReview,
	StateManagerApproval,
	StateActive,
	StateSelfAssessment,
	StateManagerReview,
	StateExpertValidation,
	StateClosed,
	StateReturned,
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Kind classifies the resource a subject acts on.
type Kind string

const (
	KindObjective  Kind = "objective"
	KindKeyResult  Kind = "key_result"
	KindInitiative Kind = "initiative"
	KindAttachment Kind = "attachment"
)

func (k Kind) Valid() bool {
	switch k {
	case KindObjective, KindKeyResult, KindInitiative, KindAttachment:
		return true
	}
	return false
}

// Subject is an immutable snapshot of the authenticated caller. It is
// resolved once per request by the identity provider and never mutated
// while a decision is in flight.
type Subject struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Workspaces   map[string]string `json:"workspaces,omitempty"` // workspace id -> membership kind
	ManagerChain []string          `json:"manager_chain,omitempty"`
	Labels       []string          `json:"labels,omitempty"`
	Groups       []string          `json:"groups,omitempty"`
	Level        int               `json:"level,omitempty"`
}

func (s Subject) MemberOf(workspaceID string) bool {
	_, ok := s.Workspaces[workspaceID]
	return ok
}

func (s Subject) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (s Subject) InGroup(group string) bool {
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// ManagerOf reports whether subjectID appears in the given manager
// ancestry, i.e. the subject manages (directly or transitively) the owner
// whose chain this is.
func ManagerOf(chain []string, subjectID string) bool {
	for _, m := range chain {
		if m == subjectID {
			return true
		}
	}
	return false
}

// RoleGrant is an explicit object-role assignment stored on a resource.
type RoleGrant struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
	Deny      bool   `json:"deny,omitempty"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

// Resource describes the object a decision is made about. It carries the
// facts the policy engine needs and nothing else.
type Resource struct {
	Kind              Kind        `json:"kind"`
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	WorkspaceID       string      `json:"workspace_id"`
	OwnerID           string      `json:"owner_id"`
	OwnerManagerChain []string    `json:"owner_manager_chain,omitempty"`
	State             State       `json:"state"`
	PeriodID          string      `json:"period_id,omitempty"`
	Grants            []RoleGrant `json:"grants,omitempty"`
}

// Unit is the persisted snapshot of an objective/key-result lifecycle unit.
// Version increases by exactly one per committed transition.
type Unit struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind" enum:"objective,key_result,initiative,attachment"`
	Title        string `json:"title"`
	TenantID     string `json:"tenant_id"`
	WorkspaceID  string `json:"workspace_id"`
	OwnerID      string `json:"owner_id"`
	PeriodID     string `json:"period_id,omitempty"`
	State        State  `json:"state" enum:"draft,expert_review,manager_approval,active,self_assessment,manager_review,expert_validation,closed,returned"`
	ReturnedFrom State  `json:"returned_from,omitempty"`
	Version      int64  `json:"version"`
	LastActorID  string `json:"last_actor_id,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Resource builds the policy-facing descriptor for the unit. The owner's
// manager chain is organizational data the caller supplies (precomputed by
// the external org sync, never traversed live here).
func (u Unit) Resource(ownerChain []string, grants []RoleGrant) Resource {
	return Resource{
		Kind:              u.Kind,
		ID:                u.ID,
		TenantID:          u.TenantID,
		WorkspaceID:       u.WorkspaceID,
		OwnerID:           u.OwnerID,
		OwnerManagerChain: ownerChain,
		State:             u.State,
		PeriodID:          u.PeriodID,
		Grants:            grants,
	}
}

// TransitionRecord is one immutable audit entry. Records are only ever
// appended, never rewritten.
type TransitionRecord struct {
	ID        string `json:"id"`
	UnitID    string `json:"unit_id"`
	Version   int64  `json:"version"`
	FromState State  `json:"from_state"`
	ToState   State  `json:"to_state"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
	Comment   string `json:"comment,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// Event is the observable side effect published to external consumers
// after a transition commits.
type Event struct {
	ID        int64  `json:"id,omitempty"`
	UnitID    string `json:"unit_id"`
	FromState State  `json:"from_state,omitempty"`
	ToState   State  `json:"to_state"`
	ActorID   string `json:"actor_id"`
	TS        string `json:"ts" format:"date-time"`
}

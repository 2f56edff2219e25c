package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"okrio/internal/domain"
	"okrio/internal/events"
	"okrio/internal/policy"
	"okrio/internal/repo"
)

// Repository is the narrow persistence contract the engine consumes. The
// compare-and-swap must be atomic at the storage layer; the engine never
// caches a snapshot across calls.
type Repository interface {
	Load(ctx context.Context, unitID string) (domain.Unit, error)
	Insert(ctx context.Context, unit domain.Unit) error
	// CompareAndSwap persists the new snapshot and its audit record in one
	// atomic write, conditional on unit.Version-1 still being current.
	CompareAndSwap(ctx context.Context, unit domain.Unit, rec domain.TransitionRecord) error
	ListAuditTrail(ctx context.Context, unitID string) ([]domain.TransitionRecord, error)
	ListUnits(ctx context.Context, workspaceID string) ([]domain.Unit, error)
	ListGrants(ctx context.Context, unitID string) ([]domain.RoleGrant, error)
	UpsertGrant(ctx context.Context, unitID string, grant domain.RoleGrant) error
	DeleteGrant(ctx context.Context, unitID, subjectID, role string) error
	// ManagerChain returns a subject's precomputed manager ancestry, as
	// maintained by the external org sync.
	ManagerChain(ctx context.Context, subjectID string) ([]string, error)
}

// transitions is the static lifecycle table. Returned re-entry is further
// restricted to the stage the unit was returned from (see allowedTargets).
var transitions = map[domain.State][]domain.State{
	domain.StateDraft:            {domain.StateExpertReview},
	domain.StateExpertReview:     {domain.StateManagerApproval, domain.StateReturned},
	domain.StateManagerApproval:  {domain.StateActive, domain.StateReturned},
	domain.StateActive:           {domain.StateSelfAssessment},
	domain.StateSelfAssessment:   {domain.StateManagerReview},
	domain.StateManagerReview:    {domain.StateExpertValidation, domain.StateReturned},
	domain.StateExpertValidation: {domain.StateClosed, domain.StateReturned},
	domain.StateReturned: {
		domain.StateDraft,
		domain.StateExpertReview,
		domain.StateManagerApproval,
		domain.StateManagerReview,
		domain.StateExpertValidation,
	},
}

// maxCASRetries bounds the internal retry of compare-and-swap races.
// Anything beyond this is the caller's problem, to avoid contention storms
// on hot units.
const maxCASRetries = 3

// Engine owns the approval state machine. It holds no mutable state of
// its own; all shared data lives behind the repository, so one Engine
// value may serve any number of concurrent callers.
type Engine struct {
	Repo     Repository
	Events   events.Sink
	Policy   *policy.Engine
	Resolver policy.Resolver
	TenantID string
	Now      func() time.Time
	Logger   *log.Logger
}

func New(r Repository, pol *policy.Engine, sink events.Sink, tenantID string) Engine {
	if sink == nil {
		sink = events.Discard{}
	}
	return Engine{
		Repo:     r,
		Events:   sink,
		Policy:   pol,
		TenantID: tenantID,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// CreateUnitOptions are parameters for creating a lifecycle unit.
type CreateUnitOptions struct {
	ID          string
	Kind        domain.Kind
	Title       string
	WorkspaceID string
	PeriodID    string
}

// CreateUnit creates a unit in draft owned by the calling subject.
func (e Engine) CreateUnit(ctx context.Context, sub domain.Subject, opts CreateUnitOptions) (domain.Unit, error) {
	if opts.Title == "" {
		return domain.Unit{}, ValidationError{Msg: "title is required"}
	}
	if opts.WorkspaceID == "" {
		return domain.Unit{}, ValidationError{Msg: "workspace_id is required"}
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindObjective
	}
	if !opts.Kind.Valid() {
		return domain.Unit{}, ValidationError{Msg: fmt.Sprintf("unknown unit kind %q", opts.Kind)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tenant := sub.TenantID
	if tenant == "" {
		tenant = e.TenantID
	}
	now := e.now().UTC().Format(time.RFC3339)
	unit := domain.Unit{
		ID:          id,
		Kind:        opts.Kind,
		Title:       opts.Title,
		TenantID:    tenant,
		WorkspaceID: opts.WorkspaceID,
		OwnerID:     sub.ID,
		PeriodID:    opts.PeriodID,
		State:       domain.StateDraft,
		Version:     0,
		LastActorID: sub.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.Insert(ctx, unit); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Unit{}, ValidationError{Msg: fmt.Sprintf("unit %s already exists", id)}
		}
		return domain.Unit{}, UnavailableError{Op: "insert", Err: err}
	}
	e.publish(ctx, domain.Event{
		UnitID:  unit.ID,
		ToState: unit.State,
		ActorID: sub.ID,
		TS:      now,
	})
	return unit, nil
}

// TransitionRequest asks the engine to move a unit along one edge.
type TransitionRequest struct {
	Subject         domain.Subject
	UnitID          string
	Target          domain.State
	ExpectedVersion int64
	Comment         string
	Facts           map[string]bool
}

// TransitionResult is the committed outcome of a transition request.
type TransitionResult struct {
	Unit     domain.Unit
	Record   domain.TransitionRecord
	Decision policy.Decision
}

// errCASRaced marks a compare-and-swap lost between load and write. It
// never escapes RequestTransition.
var errCASRaced = errors.New("compare-and-swap raced")

// RequestTransition runs the full sequence: load, version check, edge
// check, policy decision, apply, persist. A compare-and-swap race retries
// the whole sequence a bounded number of times; every other failure is
// surfaced typed and untouched.
func (e Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		res, err := e.tryTransition(ctx, req)
		if errors.Is(err, errCASRaced) {
			continue
		}
		if err != nil {
			return TransitionResult{}, err
		}
		return res, nil
	}
	return TransitionResult{}, VersionConflictError{UnitID: req.UnitID, Expected: req.ExpectedVersion}
}

func (e Engine) tryTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	unit, err := e.load(ctx, req.UnitID)
	if err != nil {
		return TransitionResult{}, err
	}
	if unit.Version != req.ExpectedVersion {
		return TransitionResult{}, VersionConflictError{
			UnitID:   unit.ID,
			Expected: req.ExpectedVersion,
			Actual:   unit.Version,
		}
	}
	if !req.Target.Valid() || !legalEdge(unit, req.Target) {
		return TransitionResult{}, IllegalTransitionError{From: unit.State, To: req.Target}
	}

	res, err := e.resource(ctx, unit)
	if err != nil {
		return TransitionResult{}, err
	}
	action := policy.TransitionAction(unit.State, req.Target)
	decision := e.Policy.Decide(req.Subject, action, res, policy.Context{
		Roles: e.Resolver.Resolve(req.Subject, res),
		Facts: req.Facts,
	})
	if !decision.Allow {
		return TransitionResult{}, ForbiddenError{Action: action, Decision: decision}
	}
	if req.Target == domain.StateReturned && req.Comment == "" {
		return TransitionResult{}, ValidationError{Msg: "a reviewer comment is required when returning a unit"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	next := unit
	next.State = req.Target
	next.Version = unit.Version + 1
	next.LastActorID = req.Subject.ID
	next.UpdatedAt = now
	switch {
	case req.Target == domain.StateReturned:
		next.ReturnedFrom = unit.State
	case unit.State == domain.StateReturned:
		next.ReturnedFrom = ""
	}
	rec := domain.TransitionRecord{
		ID:        uuid.New().String(),
		UnitID:    unit.ID,
		Version:   next.Version,
		FromState: unit.State,
		ToState:   req.Target,
		ActorID:   req.Subject.ID,
		Reason:    decision.Reason,
		Comment:   req.Comment,
		TS:        now,
	}

	// Nothing has been written yet; cancellation up to this point has no
	// observable effect.
	if err := ctx.Err(); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.CompareAndSwap(ctx, next, rec); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return TransitionResult{}, errCASRaced
		}
		return TransitionResult{}, UnavailableError{Op: "compare-and-swap", Err: err}
	}

	e.publish(ctx, domain.Event{
		UnitID:    unit.ID,
		FromState: unit.State,
		ToState:   req.Target,
		ActorID:   req.Subject.ID,
		TS:        now,
	})
	return TransitionResult{Unit: next, Record: rec, Decision: decision}, nil
}

// legalEdge checks the static table. A returned unit only re-enters the
// stage it was returned from (or goes back to draft for a full rework);
// progress in later stages is invalidated by the return.
func legalEdge(unit domain.Unit, target domain.State) bool {
	if !containsState(transitions[unit.State], target) {
		return false
	}
	if unit.State == domain.StateReturned && unit.ReturnedFrom != "" {
		return target == unit.ReturnedFrom || target == domain.StateDraft
	}
	return true
}

// AllowedTargets lists the edges currently legal for the unit.
func AllowedTargets(unit domain.Unit) []domain.State {
	var out []domain.State
	for _, target := range transitions[unit.State] {
		if legalEdge(unit, target) {
			out = append(out, target)
		}
	}
	return out
}

// GetUnit loads a unit if the subject may view it.
func (e Engine) GetUnit(ctx context.Context, sub domain.Subject, unitID string) (domain.Unit, error) {
	unit, err := e.load(ctx, unitID)
	if err != nil {
		return domain.Unit{}, err
	}
	if err := e.authorize(ctx, sub, unit, policy.ActionView, nil); err != nil {
		return domain.Unit{}, err
	}
	return unit, nil
}

// ListUnits returns the units in a workspace the subject may view.
func (e Engine) ListUnits(ctx context.Context, sub domain.Subject, workspaceID string) ([]domain.Unit, error) {
	units, err := e.Repo.ListUnits(ctx, workspaceID)
	if err != nil {
		return nil, UnavailableError{Op: "list", Err: err}
	}
	var visible []domain.Unit
	for _, unit := range units {
		if err := e.authorize(ctx, sub, unit, policy.ActionView, nil); err == nil {
			visible = append(visible, unit)
		}
	}
	return visible, nil
}

// AuditTrail returns the ordered transition records for a unit.
func (e Engine) AuditTrail(ctx context.Context, sub domain.Subject, unitID string) ([]domain.TransitionRecord, error) {
	unit, err := e.load(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, sub, unit, policy.ActionView, nil); err != nil {
		return nil, err
	}
	trail, err := e.Repo.ListAuditTrail(ctx, unitID)
	if err != nil {
		return nil, UnavailableError{Op: "audit", Err: err}
	}
	return trail, nil
}

// ExplainRoles reports the subject's resolved roles on a unit with their
// provenance. Diagnostic only.
func (e Engine) ExplainRoles(ctx context.Context, sub domain.Subject, unitID string) ([]policy.RoleSource, error) {
	unit, err := e.load(ctx, unitID)
	if err != nil {
		return nil, err
	}
	res, err := e.resource(ctx, unit)
	if err != nil {
		return nil, err
	}
	return e.Resolver.Explain(sub, res), nil
}

// Grant adds or overwrites an explicit object-role grant. Requires edit on
// the unit.
func (e Engine) Grant(ctx context.Context, sub domain.Subject, unitID string, grant domain.RoleGrant) error {
	unit, err := e.load(ctx, unitID)
	if err != nil {
		return err
	}
	if grant.SubjectID == "" || grant.Role == "" {
		return ValidationError{Msg: "grant subject_id and role are required"}
	}
	if err := e.authorize(ctx, sub, unit, policy.ActionEdit, nil); err != nil {
		return err
	}
	grant.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertGrant(ctx, unitID, grant); err != nil {
		return UnavailableError{Op: "grant", Err: err}
	}
	return nil
}

// RevokeGrant removes an explicit object-role grant. Requires edit.
func (e Engine) RevokeGrant(ctx context.Context, sub domain.Subject, unitID, subjectID, role string) error {
	unit, err := e.load(ctx, unitID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, sub, unit, policy.ActionEdit, nil); err != nil {
		return err
	}
	if err := e.Repo.DeleteGrant(ctx, unitID, subjectID, role); err != nil {
		return UnavailableError{Op: "revoke", Err: err}
	}
	return nil
}

func (e Engine) authorize(ctx context.Context, sub domain.Subject, unit domain.Unit, action policy.Action, facts map[string]bool) error {
	res, err := e.resource(ctx, unit)
	if err != nil {
		return err
	}
	decision := e.Policy.Decide(sub, action, res, policy.Context{
		Roles: e.Resolver.Resolve(sub, res),
		Facts: facts,
	})
	if !decision.Allow {
		return ForbiddenError{Action: action, Decision: decision}
	}
	return nil
}

func (e Engine) load(ctx context.Context, unitID string) (domain.Unit, error) {
	unit, err := e.Repo.Load(ctx, unitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Unit{}, NotFoundError{UnitID: unitID}
		}
		return domain.Unit{}, UnavailableError{Op: "load", Err: err}
	}
	return unit, nil
}

func (e Engine) resource(ctx context.Context, unit domain.Unit) (domain.Resource, error) {
	grants, err := e.Repo.ListGrants(ctx, unit.ID)
	if err != nil {
		return domain.Resource{}, UnavailableError{Op: "grants", Err: err}
	}
	chain, err := e.Repo.ManagerChain(ctx, unit.OwnerID)
	if err != nil {
		return domain.Resource{}, UnavailableError{Op: "org", Err: err}
	}
	return unit.Resource(chain, grants), nil
}

func (e Engine) publish(ctx context.Context, ev domain.Event) {
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.logger().Printf("WARNING: event publish failed for unit %s: %v", ev.UnitID, err)
	}
}

func containsState(states []domain.State, s domain.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

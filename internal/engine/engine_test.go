package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"okrio/internal/config"
	"okrio/internal/domain"
	"okrio/internal/engine"
	"okrio/internal/policy"
	"okrio/internal/repo"
)

// fakeRepo is an in-memory Repository with the same compare-and-swap
// semantics as the sqlite implementation. It keeps concurrency tests
// deterministic and file-free.
type fakeRepo struct {
	mu     sync.Mutex
	units  map[string]domain.Unit
	audit  map[string][]domain.TransitionRecord
	grants map[string][]domain.RoleGrant
	chains map[string][]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		units:  map[string]domain.Unit{},
		audit:  map[string][]domain.TransitionRecord{},
		grants: map[string][]domain.RoleGrant{},
		chains: map[string][]string{},
	}
}

func (f *fakeRepo) Load(_ context.Context, unitID string) (domain.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unit, ok := f.units[unitID]
	if !ok {
		return domain.Unit{}, repo.ErrNotFound
	}
	return unit, nil
}

func (f *fakeRepo) Insert(_ context.Context, unit domain.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[unit.ID]; ok {
		return repo.ErrDuplicate
	}
	f.units[unit.ID] = unit
	return nil
}

func (f *fakeRepo) CompareAndSwap(_ context.Context, unit domain.Unit, rec domain.TransitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.units[unit.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if current.Version != unit.Version-1 {
		return repo.ErrVersionConflict
	}
	f.units[unit.ID] = unit
	f.audit[unit.ID] = append(f.audit[unit.ID], rec)
	return nil
}

func (f *fakeRepo) ListAuditTrail(_ context.Context, unitID string) ([]domain.TransitionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransitionRecord(nil), f.audit[unitID]...), nil
}

func (f *fakeRepo) ListUnits(_ context.Context, workspaceID string) ([]domain.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Unit
	for _, u := range f.units {
		if u.WorkspaceID == workspaceID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListGrants(_ context.Context, unitID string) ([]domain.RoleGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RoleGrant(nil), f.grants[unitID]...), nil
}

func (f *fakeRepo) UpsertGrant(_ context.Context, unitID string, grant domain.RoleGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, g := range f.grants[unitID] {
		if g.SubjectID == grant.SubjectID && g.Role == grant.Role {
			f.grants[unitID][i] = grant
			return nil
		}
	}
	f.grants[unitID] = append(f.grants[unitID], grant)
	return nil
}

func (f *fakeRepo) DeleteGrant(_ context.Context, unitID, subjectID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.grants[unitID][:0]
	for _, g := range f.grants[unitID] {
		if g.SubjectID != subjectID || g.Role != role {
			kept = append(kept, g)
		}
	}
	f.grants[unitID] = kept
	return nil
}

func (f *fakeRepo) ManagerChain(_ context.Context, subjectID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chains[subjectID]...), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var (
	owner   = domain.Subject{ID: "alice", TenantID: "acme", Workspaces: map[string]string{"ws-1": "member"}}
	manager = domain.Subject{ID: "bob", TenantID: "acme"}
	expert  = domain.Subject{ID: "erin", TenantID: "acme", Labels: []string{"okr-expert"}}
	member  = domain.Subject{ID: "dave", TenantID: "acme", Workspaces: map[string]string{"ws-1": "member"}}
)

func newTestEngine(t *testing.T) (engine.Engine, *fakeRepo, *recordingSink) {
	t.Helper()
	r := newFakeRepo()
	r.chains["alice"] = []string{"bob"}
	sink := &recordingSink{}
	eng := engine.New(r, policy.NewEngine(config.Default("acme").Ruleset()), sink, "acme")
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return eng, r, sink
}

func seedUnit(r *fakeRepo, state domain.State, version int64) domain.Unit {
	unit := domain.Unit{
		ID:          "obj-1",
		Kind:        domain.KindObjective,
		Title:       "Grow revenue",
		TenantID:    "acme",
		WorkspaceID: "ws-1",
		OwnerID:     "alice",
		State:       state,
		Version:     version,
		CreatedAt:   "2026-01-01T00:00:00Z",
		UpdatedAt:   "2026-01-01T00:00:00Z",
	}
	r.units[unit.ID] = unit
	return unit
}

func TestCreateUnit(t *testing.T) {
	eng, r, sink := newTestEngine(t)
	ctx := context.Background()

	unit, err := eng.CreateUnit(ctx, owner, engine.CreateUnitOptions{
		Title:       "Grow revenue",
		WorkspaceID: "ws-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if unit.State != domain.StateDraft || unit.Version != 0 {
		t.Fatalf("new unit state=%s version=%d", unit.State, unit.Version)
	}
	if unit.Kind != domain.KindObjective {
		t.Fatalf("default kind = %s", unit.Kind)
	}
	if unit.OwnerID != "alice" || unit.TenantID != "acme" {
		t.Fatalf("ownership: owner=%s tenant=%s", unit.OwnerID, unit.TenantID)
	}
	if _, ok := r.units[unit.ID]; !ok {
		t.Fatal("unit not persisted")
	}
	if sink.count() != 1 {
		t.Fatalf("events published = %d, want 1", sink.count())
	}

	var ve engine.ValidationError
	if _, err := eng.CreateUnit(ctx, owner, engine.CreateUnitOptions{WorkspaceID: "ws-1"}); !errors.As(err, &ve) {
		t.Fatalf("missing title: %v", err)
	}
	if _, err := eng.CreateUnit(ctx, owner, engine.CreateUnitOptions{Title: "x"}); !errors.As(err, &ve) {
		t.Fatalf("missing workspace: %v", err)
	}
	if _, err := eng.CreateUnit(ctx, owner, engine.CreateUnitOptions{Title: "x", WorkspaceID: "ws-1", Kind: "dashboard"}); !errors.As(err, &ve) {
		t.Fatalf("unknown kind: %v", err)
	}
}

func TestCreateUnitDuplicateID(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	opts := engine.CreateUnitOptions{ID: "obj-1", Title: "Grow revenue", WorkspaceID: "ws-1"}
	if _, err := eng.CreateUnit(ctx, owner, opts); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := eng.CreateUnit(ctx, owner, opts)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("duplicate id must be a validation failure, got %v", err)
	}
	var ue engine.UnavailableError
	if errors.As(err, &ue) {
		t.Fatalf("duplicate id must not surface as retryable: %v", err)
	}
}

func TestOwnerSubmitCommitsOneAuditRecord(t *testing.T) {
	eng, r, sink := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateDraft, 0)

	result, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateExpertReview,
		ExpectedVersion: 0,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result.Unit.State != domain.StateExpertReview || result.Unit.Version != 1 {
		t.Fatalf("state=%s version=%d", result.Unit.State, result.Unit.Version)
	}
	if result.Record.FromState != domain.StateDraft || result.Record.ToState != domain.StateExpertReview {
		t.Fatalf("record edge %s->%s", result.Record.FromState, result.Record.ToState)
	}
	if result.Record.Version != 1 {
		t.Fatalf("record version = %d", result.Record.Version)
	}
	if result.Decision.RuleID != "owner-lifecycle" {
		t.Fatalf("decision rule = %s", result.Decision.RuleID)
	}
	if len(r.audit["obj-1"]) != 1 {
		t.Fatalf("audit records = %d, want 1", len(r.audit["obj-1"]))
	}
	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
}

func TestForbiddenLeavesUnitUntouched(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateManagerApproval, 3)

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         member,
		UnitID:          "obj-1",
		Target:          domain.StateActive,
		ExpectedVersion: 3,
	})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if fe.Decision.Reason == "" {
		t.Fatal("denial must carry the policy reason")
	}
	if r.units["obj-1"].Version != 3 || r.units["obj-1"].State != domain.StateManagerApproval {
		t.Fatal("denied transition must not change the unit")
	}
	if len(r.audit["obj-1"]) != 0 {
		t.Fatal("denied transition must not append audit records")
	}
}

func TestIllegalEdgeRejectedBeforePolicy(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateActive, 2)

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateClosed,
		ExpectedVersion: 2,
	})
	var it engine.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if it.From != domain.StateActive || it.To != domain.StateClosed {
		t.Fatalf("error edge %s->%s", it.From, it.To)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateDraft, 4)

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateExpertReview,
		ExpectedVersion: 2,
	})
	var vc engine.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if vc.Expected != 2 || vc.Actual != 4 {
		t.Fatalf("conflict expected=%d actual=%d", vc.Expected, vc.Actual)
	}
}

func TestReturnRequiresComment(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateExpertReview, 1)

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         expert,
		UnitID:          "obj-1",
		Target:          domain.StateReturned,
		ExpectedVersion: 1,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	result, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         expert,
		UnitID:          "obj-1",
		Target:          domain.StateReturned,
		ExpectedVersion: 1,
		Comment:         "objective lacks measurable key results",
	})
	if err != nil {
		t.Fatalf("return with comment: %v", err)
	}
	if result.Unit.ReturnedFrom != domain.StateExpertReview {
		t.Fatalf("returned_from = %s", result.Unit.ReturnedFrom)
	}
	if result.Record.Comment == "" {
		t.Fatal("audit record must keep the reviewer comment")
	}
}

func TestReturnedReentryRestricted(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	unit := seedUnit(r, domain.StateReturned, 5)
	unit.ReturnedFrom = domain.StateManagerReview
	r.units[unit.ID] = unit

	got := engine.AllowedTargets(unit)
	want := map[domain.State]bool{domain.StateDraft: true, domain.StateManagerReview: true}
	if len(got) != len(want) {
		t.Fatalf("allowed targets = %v", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Fatalf("unexpected target %s", s)
		}
	}

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateExpertValidation,
		ExpectedVersion: 5,
	})
	var it engine.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}

	result, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateManagerReview,
		ExpectedVersion: 5,
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if result.Unit.ReturnedFrom != "" {
		t.Fatalf("returned_from must clear on re-entry, got %s", result.Unit.ReturnedFrom)
	}
}

func TestConcurrentRacersCommitOnce(t *testing.T) {
	eng, r, sink := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateDraft, 0)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.RequestTransition(ctx, engine.TransitionRequest{
				Subject:         owner,
				UnitID:          "obj-1",
				Target:          domain.StateExpertReview,
				ExpectedVersion: 0,
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var vc engine.VersionConflictError
			if !errors.As(err, &vc) {
				t.Fatalf("unexpected error: %v", err)
			}
			conflicts++
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	if r.units["obj-1"].Version != 1 {
		t.Fatalf("final version = %d", r.units["obj-1"].Version)
	}
	if len(r.audit["obj-1"]) != 1 {
		t.Fatalf("audit records = %d, want exactly 1", len(r.audit["obj-1"]))
	}
	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
}

// brokenRepo fails every compare-and-swap with the injected error.
type brokenRepo struct {
	*fakeRepo
	casErr error
}

func (b brokenRepo) CompareAndSwap(context.Context, domain.Unit, domain.TransitionRecord) error {
	return b.casErr
}

func TestCancelledBeforeCommitHasNoEffect(t *testing.T) {
	eng, r, sink := newTestEngine(t)
	seedUnit(r, domain.StateDraft, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.RequestTransition(ctx, engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateExpertReview,
		ExpectedVersion: 0,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := r.units["obj-1"]
	if got.State != domain.StateDraft || got.Version != 0 {
		t.Fatalf("cancelled transition mutated the unit: %+v", got)
	}
	if len(r.audit["obj-1"]) != 0 {
		t.Fatal("cancelled transition must not append audit records")
	}
	if sink.count() != 0 {
		t.Fatal("cancelled transition must not publish events")
	}
}

func TestRepositoryFailureSurfacesUnavailable(t *testing.T) {
	eng, r, sink := newTestEngine(t)
	seedUnit(r, domain.StateDraft, 0)
	errDown := errors.New("database is locked")
	eng.Repo = brokenRepo{fakeRepo: r, casErr: errDown}

	_, err := eng.RequestTransition(context.Background(), engine.TransitionRequest{
		Subject:         owner,
		UnitID:          "obj-1",
		Target:          domain.StateExpertReview,
		ExpectedVersion: 0,
	})
	var ue engine.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("UnavailableError must wrap the repository failure, got %v", err)
	}
	if len(r.audit["obj-1"]) != 0 {
		t.Fatal("failed commit must not append audit records")
	}
	if sink.count() != 0 {
		t.Fatal("failed commit must not publish events")
	}
}

func TestGetUnitRequiresView(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateActive, 1)

	if _, err := eng.GetUnit(ctx, member, "obj-1"); err != nil {
		t.Fatalf("member view: %v", err)
	}
	stranger := domain.Subject{ID: "mallory", TenantID: "acme"}
	_, err := eng.GetUnit(ctx, stranger, "obj-1")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}

	var nf engine.NotFoundError
	if _, err := eng.GetUnit(ctx, member, "missing"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGrantLifecycle(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateActive, 1)
	stranger := domain.Subject{ID: "grace", TenantID: "acme"}

	// Only subjects with edit may manage grants.
	err := eng.Grant(ctx, member, "obj-1", domain.RoleGrant{SubjectID: "grace", Role: "viewer"})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("member grant: %v", err)
	}

	if err := eng.Grant(ctx, owner, "obj-1", domain.RoleGrant{SubjectID: "grace", Role: "viewer"}); err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	if _, err := eng.GetUnit(ctx, stranger, "obj-1"); err != nil {
		t.Fatalf("grantee view: %v", err)
	}

	if err := eng.RevokeGrant(ctx, owner, "obj-1", "grace", "viewer"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := eng.GetUnit(ctx, stranger, "obj-1"); !errors.As(err, &fe) {
		t.Fatalf("revoked grantee view: %v", err)
	}
}

func TestListUnitsFiltersByVisibility(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateActive, 1)
	r.units["obj-2"] = domain.Unit{
		ID: "obj-2", Kind: domain.KindObjective, Title: "Other", TenantID: "acme",
		WorkspaceID: "ws-2", OwnerID: "zoe", State: domain.StateActive,
	}

	units, err := eng.ListUnits(ctx, member, "ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 1 || units[0].ID != "obj-1" {
		t.Fatalf("visible units = %+v", units)
	}

	units, err = eng.ListUnits(ctx, member, "ws-2")
	if err != nil {
		t.Fatalf("list ws-2: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("member must not see ws-2 units, got %+v", units)
	}
}

func TestExplainRoles(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateActive, 1)

	roles, err := eng.ExplainRoles(ctx, manager, "obj-1")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(roles) != 1 || roles[0].Role != policy.RoleManagerOfOwner {
		t.Fatalf("manager roles = %+v", roles)
	}
}

func TestFullLifecycle(t *testing.T) {
	eng, r, _ := newTestEngine(t)
	ctx := context.Background()
	seedUnit(r, domain.StateDraft, 0)

	steps := []struct {
		sub    domain.Subject
		target domain.State
	}{
		{owner, domain.StateExpertReview},
		{expert, domain.StateManagerApproval},
		{manager, domain.StateActive},
		{owner, domain.StateSelfAssessment},
		{owner, domain.StateManagerReview},
		{manager, domain.StateExpertValidation},
		{expert, domain.StateClosed},
	}
	version := int64(0)
	for _, step := range steps {
		result, err := eng.RequestTransition(ctx, engine.TransitionRequest{
			Subject:         step.sub,
			UnitID:          "obj-1",
			Target:          step.target,
			ExpectedVersion: version,
		})
		if err != nil {
			t.Fatalf("%s -> %s by %s: %v", r.units["obj-1"].State, step.target, step.sub.ID, err)
		}
		version = result.Unit.Version
	}
	if version != int64(len(steps)) {
		t.Fatalf("final version = %d, want %d", version, len(steps))
	}
	trail, err := eng.AuditTrail(ctx, owner, "obj-1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != len(steps) {
		t.Fatalf("audit records = %d, want %d", len(trail), len(steps))
	}
	for i, rec := range trail {
		if rec.Version != int64(i+1) {
			t.Fatalf("record %d version = %d", i, rec.Version)
		}
	}
}

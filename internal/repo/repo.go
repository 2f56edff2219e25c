package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"okrio/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// Repo persists unit snapshots, audit records, object-role grants and the
// org ancestry. It is the only owner of shared mutable state in the
// system.
type Repo struct {
	DB *sql.DB
}

const unitColumns = `id,kind,title,tenant_id,workspace_id,owner_id,COALESCE(period_id,''),state,COALESCE(returned_from,''),version,COALESCE(last_actor_id,''),created_at,updated_at`

func (r Repo) Insert(ctx context.Context, u domain.Unit) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO units(id,kind,title,tenant_id,workspace_id,owner_id,period_id,state,returned_from,version,last_actor_id,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, string(u.Kind), u.Title, u.TenantID, u.WorkspaceID, u.OwnerID, nullable(u.PeriodID),
		string(u.State), nullable(string(u.ReturnedFrom)), u.Version, nullable(u.LastActorID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return fmt.Errorf("insert unit %s: %w", u.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (r Repo) Load(ctx context.Context, unitID string) (domain.Unit, error) {
	return scanUnit(r.DB.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE id=?`, unitID))
}

func (r Repo) ListUnits(ctx context.Context, workspaceID string) ([]domain.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units ORDER BY created_at DESC`
	args := []any{}
	if workspaceID != "" {
		query = `SELECT ` + unitColumns + ` FROM units WHERE workspace_id=? ORDER BY created_at DESC`
		args = append(args, workspaceID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Unit
	for rows.Next() {
		u, err := scanUnitRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CompareAndSwap commits the new snapshot and its audit record in one
// transaction, conditional on version-1 still being current. The
// conditional UPDATE is the single atomic write the workflow engine
// relies on for per-unit linearization.
func (r Repo) CompareAndSwap(ctx context.Context, u domain.Unit, rec domain.TransitionRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE units SET state=?, returned_from=?, version=?, last_actor_id=?, updated_at=?
		 WHERE id=? AND version=?`,
		string(u.State), nullable(string(u.ReturnedFrom)), u.Version, u.LastActorID, u.UpdatedAt,
		u.ID, u.Version-1)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM units WHERE id=?`, u.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO unit_audit(id,unit_id,version,from_state,to_state,actor_id,reason,comment,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UnitID, rec.Version, string(rec.FromState), string(rec.ToState),
		rec.ActorID, nullable(rec.Reason), nullable(rec.Comment), rec.TS); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return tx.Commit()
}

func (r Repo) ListAuditTrail(ctx context.Context, unitID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,unit_id,version,from_state,to_state,actor_id,COALESCE(reason,''),COALESCE(comment,''),ts
		 FROM unit_audit WHERE unit_id=? ORDER BY version`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to string
		if err := rows.Scan(&rec.ID, &rec.UnitID, &rec.Version, &from, &to, &rec.ActorID, &rec.Reason, &rec.Comment, &rec.TS); err != nil {
			return nil, err
		}
		rec.FromState = domain.State(from)
		rec.ToState = domain.State(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r Repo) ListGrants(ctx context.Context, unitID string) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT subject_id,role,deny,created_at FROM unit_grants WHERE unit_id=? ORDER BY subject_id,role`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		var deny int
		if err := rows.Scan(&g.SubjectID, &g.Role, &deny, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Deny = deny != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r Repo) UpsertGrant(ctx context.Context, unitID string, g domain.RoleGrant) error {
	deny := 0
	if g.Deny {
		deny = 1
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO unit_grants(unit_id,subject_id,role,deny,created_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(unit_id,subject_id,role) DO UPDATE SET deny=excluded.deny`,
		unitID, g.SubjectID, g.Role, deny, g.CreatedAt)
	return err
}

func (r Repo) DeleteGrant(ctx context.Context, unitID, subjectID, role string) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM unit_grants WHERE unit_id=? AND subject_id=? AND role=?`, unitID, subjectID, role)
	return err
}

// SetManagerChain replaces a subject's manager ancestry. Called by the
// org sync, not by decision paths.
func (r Repo) SetManagerChain(ctx context.Context, subjectID string, chain []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM org_chains WHERE subject_id=?`, subjectID); err != nil {
		return err
	}
	for i, managerID := range chain {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO org_chains(subject_id,position,manager_id) VALUES (?,?,?)`,
			subjectID, i, managerID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ManagerChain returns the ancestry from direct manager to root.
func (r Repo) ManagerChain(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT manager_id FROM org_chains WHERE subject_id=? ORDER BY position`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chain []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		chain = append(chain, m)
	}
	return chain, rows.Err()
}

func scanUnit(row *sql.Row) (domain.Unit, error) {
	var u domain.Unit
	var kind, state, returnedFrom string
	err := row.Scan(&u.ID, &kind, &u.Title, &u.TenantID, &u.WorkspaceID, &u.OwnerID,
		&u.PeriodID, &state, &returnedFrom, &u.Version, &u.LastActorID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Kind = domain.Kind(kind)
	u.State = domain.State(state)
	u.ReturnedFrom = domain.State(returnedFrom)
	return u, nil
}

func scanUnitRows(rows *sql.Rows) (domain.Unit, error) {
	var u domain.Unit
	var kind, state, returnedFrom string
	if err := rows.Scan(&u.ID, &kind, &u.Title, &u.TenantID, &u.WorkspaceID, &u.OwnerID,
		&u.PeriodID, &state, &returnedFrom, &u.Version, &u.LastActorID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	u.Kind = domain.Kind(kind)
	u.State = domain.State(state)
	u.ReturnedFrom = domain.State(returnedFrom)
	return u, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

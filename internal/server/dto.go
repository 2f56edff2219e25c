package server

import (
	"okrio/internal/domain"
	"okrio/internal/policy"
)

// Request payloads

type CreateUnitRequest struct {
	ID          *string `json:"id,omitempty"`
	Kind        string  `json:"kind,omitempty" enum:"objective,key_result,initiative,attachment"`
	Title       string  `json:"title"`
	WorkspaceID string  `json:"workspace_id"`
	PeriodID    *string `json:"period_id,omitempty"`
}

type TransitionRequest struct {
	Target          string          `json:"target" enum:"draft,expert_review,manager_approval,active,self_assessment,manager_review,expert_validation,closed,returned"`
	ExpectedVersion int64           `json:"expected_version"`
	Comment         *string         `json:"comment,omitempty"`
	Facts           map[string]bool `json:"facts,omitempty"`
}

type GrantRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role" enum:"viewer,editor,approver"`
	Deny      bool   `json:"deny,omitempty"`
}

// Response payloads

type UnitResponse struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Title          string   `json:"title"`
	TenantID       string   `json:"tenant_id"`
	WorkspaceID    string   `json:"workspace_id"`
	OwnerID        string   `json:"owner_id"`
	PeriodID       string   `json:"period_id,omitempty"`
	State          string   `json:"state"`
	ReturnedFrom   string   `json:"returned_from,omitempty"`
	Version        int64    `json:"version"`
	LastActorID    string   `json:"last_actor_id,omitempty"`
	AllowedTargets []string `json:"allowed_targets"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	Unit   UnitResponse            `json:"unit"`
	Record domain.TransitionRecord `json:"record"`
	Reason string                  `json:"reason"`
	RuleID string                  `json:"rule_id,omitempty"`
}

type AuditTrailResponse struct {
	Items []domain.TransitionRecord `json:"items"`
}

type RolesResponse struct {
	Items []policy.RoleSource `json:"items"`
}

type UnitListResponse struct {
	Items []UnitResponse `json:"items"`
}

type MeResponse struct {
	Subject domain.Subject `json:"subject"`
}

// Conversion helpers

func unitResponse(u domain.Unit, targets []domain.State) UnitResponse {
	allowed := make([]string, 0, len(targets))
	for _, t := range targets {
		allowed = append(allowed, string(t))
	}
	return UnitResponse{
		ID:             u.ID,
		Kind:           string(u.Kind),
		Title:          u.Title,
		TenantID:       u.TenantID,
		WorkspaceID:    u.WorkspaceID,
		OwnerID:        u.OwnerID,
		PeriodID:       u.PeriodID,
		State:          string(u.State),
		ReturnedFrom:   string(u.ReturnedFrom),
		Version:        u.Version,
		LastActorID:    u.LastActorID,
		AllowedTargets: allowed,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

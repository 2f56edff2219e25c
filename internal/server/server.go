package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"okrio/internal/domain"
	"okrio/internal/engine"
	"okrio/internal/policy"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"transition:draft->expert_review denied"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the approval workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("OKRio Workflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerUnits(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerGrants(group, cfg.Engine)
	registerMe(group)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's typed failures onto the error envelope.
// Denial reasons are propagated verbatim so clients can render them.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var vc engine.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"expected_version": vc.Expected,
			"actual_version":   vc.Actual,
		})
	}
	var it engine.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"from": string(it.From),
			"to":   string(it.To),
		})
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"action":  string(fe.Action),
			"rule_id": fe.Decision.RuleID,
			"reason":  fe.Decision.Reason,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var ue engine.UnavailableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "version_conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type UnitPath struct {
	UnitID string `path:"unit_id"`
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Create a lifecycle unit in draft",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateUnitRequest
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unit, err := e.CreateUnit(ctx, sub, engine.CreateUnitOptions{
			ID:          strOrEmpty(input.Body.ID),
			Kind:        domain.Kind(input.Body.Kind),
			Title:       input.Body.Title,
			WorkspaceID: input.Body.WorkspaceID,
			PeriodID:    strOrEmpty(input.Body.PeriodID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(unit, engine.AllowedTargets(unit))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Get a unit snapshot",
	}, func(ctx context.Context, input *UnitPath) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unit, err := e.GetUnit(ctx, sub, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(unit, engine.AllowedTargets(unit))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units the caller may view",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body UnitListResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		units, err := e.ListUnits(ctx, sub, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		res := UnitListResponse{Items: []UnitResponse{}}
		for _, u := range units {
			res.Items = append(res.Items, unitResponse(u, engine.AllowedTargets(u)))
		}
		return &struct {
			Body UnitListResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/units/{unit_id}/transitions",
		Summary:     "Request a lifecycle transition",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UnitPath
		Body TransitionRequest
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.RequestTransition(ctx, engine.TransitionRequest{
			Subject:         sub,
			UnitID:          input.UnitID,
			Target:          domain.State(input.Body.Target),
			ExpectedVersion: input.Body.ExpectedVersion,
			Comment:         strOrEmpty(input.Body.Comment),
			Facts:           input.Body.Facts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Unit:   unitResponse(result.Unit, engine.AllowedTargets(result.Unit)),
			Record: result.Record,
			Reason: result.Decision.Reason,
			RuleID: result.Decision.RuleID,
		}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-trail",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/audit",
		Summary:     "List the unit's ordered transition records",
	}, func(ctx context.Context, input *UnitPath) (*struct {
		Body AuditTrailResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		trail, err := e.AuditTrail(ctx, sub, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		if trail == nil {
			trail = []domain.TransitionRecord{}
		}
		return &struct {
			Body AuditTrailResponse `json:"body"`
		}{Body: AuditTrailResponse{Items: trail}}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "explain-roles",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/roles",
		Summary:     "Explain the caller's resolved roles on a unit",
	}, func(ctx context.Context, input *UnitPath) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.ExplainRoles(ctx, sub, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		res := RolesResponse{Items: roles}
		if res.Items == nil {
			res.Items = []policy.RoleSource{}
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerGrants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "put-grant",
		Method:        http.MethodPut,
		Path:          "/units/{unit_id}/grants",
		Summary:       "Add or update an explicit object-role grant",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		UnitPath
		Body GrantRequest
	}) (*struct{}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.Grant(ctx, sub, input.UnitID, domain.RoleGrant{
			SubjectID: input.Body.SubjectID,
			Role:      input.Body.Role,
			Deny:      input.Body.Deny,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-grant",
		Method:        http.MethodDelete,
		Path:          "/units/{unit_id}/grants/{subject_id}/{role}",
		Summary:       "Remove an explicit object-role grant",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		UnitPath
		SubjectID string `path:"subject_id"`
		Role      string `path:"role"`
	}) (*struct{}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeGrant(ctx, sub, input.UnitID, input.SubjectID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Describe the authenticated subject",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		sub, authErr := requireSubject(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Subject: sub}}, nil
	})
}

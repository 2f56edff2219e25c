package okriosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal OKRio HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Unit represents the API unit model.
type Unit struct {
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
	AllowedTargets []string `json:"allowed_targets"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// TransitionRecord is one audit entry.
type TransitionRecord struct {
	ID        string `json:"id"`
	UnitID    string `json:"unit_id"`
	Version   int64  `json:"version"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
	Comment   string `json:"comment,omitempty"`
	TS        string `json:"ts"`
}

// TransitionOutcome is the committed result of a transition request.
type TransitionOutcome struct {
	Unit   Unit             `json:"unit"`
	Record TransitionRecord `json:"record"`
	Reason string           `json:"reason"`
	RuleID string           `json:"rule_id,omitempty"`
}

// RoleSource names a resolved role and where it came from.
type RoleSource struct {
	Role   string `json:"role"`
	Source string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateUnit creates a unit in draft.
func (c *Client) CreateUnit(ctx context.Context, kind, title, workspaceID string) (Unit, error) {
	body := map[string]any{
		"kind":         kind,
		"title":        title,
		"workspace_id": workspaceID,
	}
	var resp Unit
	err := c.do(ctx, http.MethodPost, "v1/units", body, &resp)
	return resp, err
}

// GetUnit fetches a unit snapshot.
func (c *Client) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodGet, "v1/units/"+url.PathEscape(unitID), nil, &resp)
	return resp, err
}

// ListUnits lists the units in a workspace the caller may view.
func (c *Client) ListUnits(ctx context.Context, workspaceID string) ([]Unit, error) {
	var resp struct {
		Items []Unit `json:"items"`
	}
	endpoint := "v1/units?workspace_id=" + url.QueryEscape(workspaceID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Transition requests a lifecycle transition, guarded by the version the
// caller last observed.
func (c *Client) Transition(ctx context.Context, unitID, target string, expectedVersion int64, comment string) (TransitionOutcome, error) {
	body := map[string]any{
		"target":           target,
		"expected_version": expectedVersion,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp TransitionOutcome
	endpoint := fmt.Sprintf("v1/units/%s/transitions", url.PathEscape(unitID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditTrail returns the unit's ordered transition records.
func (c *Client) AuditTrail(ctx context.Context, unitID string) ([]TransitionRecord, error) {
	var resp struct {
		Items []TransitionRecord `json:"items"`
	}
	endpoint := fmt.Sprintf("v1/units/%s/audit", url.PathEscape(unitID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ExplainRoles returns the caller's resolved roles on a unit.
func (c *Client) ExplainRoles(ctx context.Context, unitID string) ([]RoleSource, error) {
	var resp struct {
		Items []RoleSource `json:"items"`
	}
	endpoint := fmt.Sprintf("v1/units/%s/roles", url.PathEscape(unitID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Grant adds or updates an explicit object-role grant.
func (c *Client) Grant(ctx context.Context, unitID, subjectID, role string, deny bool) error {
	body := map[string]any{
		"subject_id": subjectID,
		"role":       role,
		"deny":       deny,
	}
	endpoint := fmt.Sprintf("v1/units/%s/grants", url.PathEscape(unitID))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// RevokeGrant removes an explicit object-role grant.
func (c *Client) RevokeGrant(ctx context.Context, unitID, subjectID, role string) error {
	endpoint := fmt.Sprintf("v1/units/%s/grants/%s/%s",
		url.PathEscape(unitID), url.PathEscape(subjectID), url.PathEscape(role))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

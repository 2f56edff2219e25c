package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"okrio/internal/domain"
	"okrio/internal/policy"
)

// Config models okrio.yml: tenant identity plus the policy rule tables.
// The file is read once at startup; reloads parse a fresh Config and swap
// the compiled ruleset atomically.
type Config struct {
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Rules struct {
		TenantDeny    []RuleConfig        `yaml:"tenant_deny"`
		WorkspaceDeny []RuleConfig        `yaml:"workspace_deny"`
		ObjectRoles   map[string][]string `yaml:"object_roles"`
		Allow         []RuleConfig        `yaml:"allow"`
	} `yaml:"rules"`
}

// RuleConfig is the YAML form of one policy rule.
type RuleConfig struct {
	ID         string   `yaml:"id"`
	Actions    []string `yaml:"actions"`
	Kinds      []string `yaml:"kinds"`
	States     []string `yaml:"states"`
	Workspaces []string `yaml:"workspaces"`
	Roles      []string `yaml:"roles"`
	Labels     []string `yaml:"labels"`
	Groups     []string `yaml:"groups"`
	MinLevel   int      `yaml:"min_level"`
	Facts      []string `yaml:"facts"`
	Reason     string   `yaml:"reason"`
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "okrio.yml")
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run okrctl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in config for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, tenantID)), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML for okrctl init.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Validate ensures the rule tables are coherent before they are compiled.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	seen := map[string]bool{}
	for _, section := range []struct {
		name  string
		rules []RuleConfig
	}{
		{"tenant_deny", c.Rules.TenantDeny},
		{"workspace_deny", c.Rules.WorkspaceDeny},
		{"allow", c.Rules.Allow},
	} {
		for _, rule := range section.rules {
			if rule.ID == "" {
				return fmt.Errorf("rules.%s contains a rule without id", section.name)
			}
			if seen[rule.ID] {
				return fmt.Errorf("duplicate rule id %s", rule.ID)
			}
			seen[rule.ID] = true
			if len(rule.Actions) == 0 {
				return fmt.Errorf("rule %s has no actions", rule.ID)
			}
			for _, a := range rule.Actions {
				if err := validateActionPattern(a); err != nil {
					return fmt.Errorf("rule %s: %w", rule.ID, err)
				}
			}
			for _, s := range rule.States {
				if !domain.State(s).Valid() {
					return fmt.Errorf("rule %s references unknown state %s", rule.ID, s)
				}
			}
			for _, k := range rule.Kinds {
				if !domain.Kind(k).Valid() {
					return fmt.Errorf("rule %s references unknown kind %s", rule.ID, k)
				}
			}
			for _, r := range rule.Roles {
				if !knownRole(r) {
					return fmt.Errorf("rule %s references unknown role %s", rule.ID, r)
				}
			}
		}
	}
	for role, actions := range c.Rules.ObjectRoles {
		if !knownRole(role) {
			return fmt.Errorf("rules.object_roles references unknown role %s", role)
		}
		for _, a := range actions {
			if err := validateActionPattern(a); err != nil {
				return fmt.Errorf("object role %s: %w", role, err)
			}
		}
	}
	return nil
}

// Ruleset compiles the config into the immutable form the policy engine
// evaluates.
func (c *Config) Ruleset() *policy.Ruleset {
	rs := &policy.Ruleset{
		TenantDeny:    compileRules(c.Rules.TenantDeny),
		WorkspaceDeny: compileRules(c.Rules.WorkspaceDeny),
		ObjectRoles:   map[policy.Role][]string{},
		Allow:         compileRules(c.Rules.Allow),
	}
	for role, actions := range c.Rules.ObjectRoles {
		rs.ObjectRoles[policy.Role(role)] = append([]string(nil), actions...)
	}
	return rs
}

func compileRules(in []RuleConfig) []policy.Rule {
	out := make([]policy.Rule, 0, len(in))
	for _, rc := range in {
		rule := policy.Rule{
			ID:         rc.ID,
			Actions:    append([]string(nil), rc.Actions...),
			Workspaces: append([]string(nil), rc.Workspaces...),
			Labels:     append([]string(nil), rc.Labels...),
			Groups:     append([]string(nil), rc.Groups...),
			MinLevel:   rc.MinLevel,
			Facts:      append([]string(nil), rc.Facts...),
			Reason:     rc.Reason,
		}
		for _, k := range rc.Kinds {
			rule.Kinds = append(rule.Kinds, domain.Kind(k))
		}
		for _, s := range rc.States {
			rule.States = append(rule.States, domain.State(s))
		}
		for _, r := range rc.Roles {
			rule.Roles = append(rule.Roles, policy.Role(r))
		}
		out = append(out, rule)
	}
	return out
}

func validateActionPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty action pattern")
	}
	if pattern == "*" || pattern[len(pattern)-1] == '*' {
		return nil
	}
	if !policy.Action(pattern).Valid() {
		return fmt.Errorf("unknown action %q", pattern)
	}
	return nil
}

func knownRole(name string) bool {
	for _, r := range policy.KnownRoles {
		if string(r) == name {
			return true
		}
	}
	return false
}

const defaultTemplate = `tenant:
  id: %s

rules:
  tenant_deny:
    - id: closed-immutable
      actions: [edit, delete]
      states: [closed]
      reason: closed units are immutable

  workspace_deny: []

  object_roles:
    viewer: [view, comment]
    editor: [view, edit, comment]
    approver: [view, comment, "transition:*"]

  allow:
    - id: owner-lifecycle
      roles: [owner]
      actions:
        - view
        - edit
        - comment
        - delete
        - "transition:draft->expert_review"
        - "transition:active->self_assessment"
        - "transition:self_assessment->manager_review"
        - "transition:returned->*"
      reason: owner drives drafting, submission and self-assessment

    - id: manager-approval
      roles: [manager_of_owner]
      actions:
        - view
        - comment
        - "transition:manager_approval->active"
        - "transition:manager_approval->returned"
        - "transition:manager_review->expert_validation"
        - "transition:manager_review->returned"
      reason: requires manager-of-owner role

    - id: expert-review
      labels: [okr-expert]
      actions:
        - view
        - comment
        - "transition:expert_review->manager_approval"
        - "transition:expert_review->returned"
        - "transition:expert_validation->closed"
        - "transition:expert_validation->returned"
      reason: requires okr-expert label

    - id: workspace-visibility
      roles: [workspace_member]
      actions: [view, comment]
      reason: workspace members may view and comment
`

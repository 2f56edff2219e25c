package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"okrio/internal/app"
	"okrio/internal/config"
	"okrio/internal/domain"
	"okrio/internal/engine"
	"okrio/internal/identity"
	"okrio/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "okrctl",
	Short: "OKRio CLI",
	Long: `OKRio manages goal lifecycles with policy-driven access control.
Core concepts:
- Workspace: your .okrio directory holding the database and okrio.yml policy config.
- Unit: a lifecycle item (objective, key result, initiative, attachment) owned by a subject.
- Lifecycle: draft -> expert_review -> manager_approval -> active -> self_assessment
  -> manager_review -> expert_validation -> closed; reviewers can return a unit.
- Policy: ordered deny-overrides rules decide every action; denials carry a reason.
- Roles: derived (owner, manager_of_owner, workspace_member) plus explicit grants
  (viewer, editor, approver) on a single unit.
- Audit: every committed transition appends exactly one audit record.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OKRIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("subject", "local-user", "acting subject identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (defaults to the configured tenant)")
	rootCmd.PersistentFlags().StringSlice("member-of", nil, "workspace membership as <workspace>=<type> (repeatable)")
	rootCmd.PersistentFlags().StringSlice("manager", nil, "manager ancestry, nearest first (repeatable)")
	rootCmd.PersistentFlags().StringSlice("label", nil, "subject label (repeatable)")
	rootCmd.PersistentFlags().StringSlice("group", nil, "subject group (repeatable)")
	rootCmd.PersistentFlags().Int("level", 0, "subject seniority level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("subject", rootCmd.PersistentFlags().Lookup("subject"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("member-of", rootCmd.PersistentFlags().Lookup("member-of"))
	_ = viper.BindPFlag("manager", rootCmd.PersistentFlags().Lookup("manager"))
	_ = viper.BindPFlag("label", rootCmd.PersistentFlags().Lookup("label"))
	_ = viper.BindPFlag("group", rootCmd.PersistentFlags().Lookup("group"))
	_ = viper.BindPFlag("level", rootCmd.PersistentFlags().Lookup("level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with the default policy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Init(viper.GetString("workspace"), tenantID, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace for tenant %s (config at %s)\n",
				a.Config.Tenant.ID, config.Path(viper.GetString("workspace")))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "default", "tenant id")
	return cmd
}

func unitCmd() *cobra.Command {
	unit := &cobra.Command{
		Use:   "unit",
		Short: "Manage lifecycle units",
		Long:  "Units are the goal items. They start in draft, move through review and approval stages, run active, then close through assessment and validation. Reviewers may return a unit with a comment.",
	}
	unit.AddCommand(unitCreateCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitShowCmd())
	unit.AddCommand(unitTransitionCmd())
	unit.AddCommand(unitAuditCmd())
	return unit
}

func unitCreateCmd() *cobra.Command {
	var opts engine.CreateUnitOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a unit in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.Kind(kind)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				unit, err := a.Engine.CreateUnit(ctx, cliSubject(a), opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(unit)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "unit id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "objective", "unit kind (objective, key_result, initiative, attachment)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "unit title")
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace-id", "", "workspace the unit belongs to")
	cmd.Flags().StringVar(&opts.PeriodID, "period", "", "planning period id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("workspace-id")
	return cmd
}

func unitListCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units the subject may view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				units, err := a.Engine.ListUnits(ctx, cliSubject(a), workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "State", "Version", "Owner"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.ID, u.Kind, u.Title, u.State, u.Version, u.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace-id")
	return cmd
}

func unitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit snapshot and its allowed targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				unit, err := a.Engine.GetUnit(ctx, cliSubject(a), args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"unit":            unit,
					"allowed_targets": engine.AllowedTargets(unit),
				}
				return printJSONOrValue(out)
			})
		},
	}
	return cmd
}

func unitTransitionCmd() *cobra.Command {
	var target, comment string
	var expectedVersion int64
	var facts []string
	cmd := &cobra.Command{
		Use:   "transition <unit-id>",
		Short: "Request a lifecycle transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedFacts, err := parseFacts(facts)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				result, err := a.Engine.RequestTransition(ctx, engine.TransitionRequest{
					Subject:         cliSubject(a),
					UnitID:          args[0],
					Target:          domain.State(target),
					ExpectedVersion: expectedVersion,
					Comment:         comment,
					Facts:           parsedFacts,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("%s: %s -> %s (version %d)\n",
					result.Unit.ID, result.Record.FromState, result.Record.ToState, result.Unit.Version)
				if result.Decision.RuleID != "" {
					fmt.Printf("allowed by rule %s: %s\n", result.Decision.RuleID, result.Decision.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the caller last observed")
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment (required when returning)")
	cmd.Flags().StringSliceVar(&facts, "fact", nil, "request fact as <name>[=true|false] (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func unitAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <unit-id>",
		Short: "Show the unit's ordered transition records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				trail, err := a.Engine.AuditTrail(ctx, cliSubject(a), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trail)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "From", "To", "Actor", "Comment", "At"})
				for _, rec := range trail {
					tw.AppendRow(table.Row{rec.Version, rec.FromState, rec.ToState, rec.ActorID, rec.Comment, rec.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rolesCmd() *cobra.Command {
	roles := &cobra.Command{Use: "roles", Short: "Inspect role resolution"}
	roles.AddCommand(rolesExplainCmd())
	return roles
}

func rolesExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <unit-id>",
		Short: "Explain the subject's resolved roles on a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Engine.ExplainRoles(ctx, cliSubject(a), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Source"})
				for _, rs := range roles {
					tw.AppendRow(table.Row{rs.Role, rs.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func grantCmd() *cobra.Command {
	grant := &cobra.Command{Use: "grant", Short: "Manage explicit object-role grants"}
	grant.AddCommand(grantAddCmd())
	grant.AddCommand(grantRemoveCmd())
	return grant
}

func grantAddCmd() *cobra.Command {
	var subjectID, role string
	var deny bool
	cmd := &cobra.Command{
		Use:   "add <unit-id>",
		Short: "Add or update a grant on a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if subjectID == "" || role == "" {
				return fmt.Errorf("--to and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Grant(ctx, cliSubject(a), args[0], domain.RoleGrant{
					SubjectID: subjectID,
					Role:      role,
					Deny:      deny,
				})
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "to", "", "grantee subject id")
	cmd.Flags().StringVar(&role, "role", "", "object role (viewer, editor, approver)")
	cmd.Flags().BoolVar(&deny, "deny", false, "record a deny grant")
	return cmd
}

func grantRemoveCmd() *cobra.Command {
	var subjectID, role string
	cmd := &cobra.Command{
		Use:   "remove <unit-id>",
		Short: "Remove a grant from a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if subjectID == "" || role == "" {
				return fmt.Errorf("--to and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeGrant(ctx, cliSubject(a), args[0], subjectID, role)
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "to", "", "grantee subject id")
	cmd.Flags().StringVar(&role, "role", "", "object role")
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Maintain the synced org chart"}
	org.AddCommand(orgSetManagersCmd())
	return org
}

func orgSetManagersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-managers <subject-id> [manager...]",
		Short: "Set a subject's manager ancestry, nearest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.SetManagerChain(ctx, args[0], args[1:]); err != nil {
					return err
				}
				fmt.Printf("Set %d manager(s) for %s\n", len(args)-1, args[0])
				return nil
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	policy := &cobra.Command{Use: "policy", Short: "Inspect and reload the policy config"}
	policy.AddCommand(policyShowCmd())
	policy.AddCommand(policyReloadCmd())
	return policy
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded policy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrValue(a.Config)
			})
		},
	}
	return cmd
}

func policyReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Validate the config file and swap the ruleset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.ReloadPolicy(viper.GetString("workspace")); err != nil {
					return err
				}
				fmt.Println("Policy reloaded.")
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Mint identity assertions for local use"}
	token.AddCommand(tokenMintCmd())
	return token
}

func tokenMintCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed assertion for the subject flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("OKRIO_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("OKRIO_JWT_SECRET is required to mint tokens")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				provider := identity.Provider{Secret: secret}
				signed, err := provider.Mint(cliSubject(a), ttl)
				if err != nil {
					return err
				}
				fmt.Println(signed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("OKRIO_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("OKRIO_JWT_SECRET is required for bearer auth")
			}
			a, err := app.Open(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					Identity: identity.Provider{Secret: secret},
					Logger:   a.Logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving OKRio API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// cliSubject builds the acting subject from the persistent flags. Local
// invocations are trusted; the HTTP server resolves subjects from signed
// assertions instead.
func cliSubject(a *app.App) domain.Subject {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		tenant = a.Config.Tenant.ID
	}
	workspaces := map[string]string{}
	for _, entry := range viper.GetStringSlice("member-of") {
		ws, typ, found := strings.Cut(entry, "=")
		if !found {
			typ = "member"
		}
		workspaces[ws] = typ
	}
	return domain.Subject{
		ID:           viper.GetString("subject"),
		TenantID:     tenant,
		Workspaces:   workspaces,
		ManagerChain: viper.GetStringSlice("manager"),
		Labels:       viper.GetStringSlice("label"),
		Groups:       viper.GetStringSlice("group"),
		Level:        viper.GetInt("level"),
	}
}

func parseFacts(entries []string) (map[string]bool, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	facts := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			facts[name] = true
			continue
		}
		switch value {
		case "true":
			facts[name] = true
		case "false":
			facts[name] = false
		default:
			return nil, fmt.Errorf("fact %q: value must be true or false", entry)
		}
	}
	return facts, nil
}

func printJSONOrValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"opsagent/internal/app"
	"opsagent/internal/config"
	"opsagent/internal/engine"
	"opsagent/internal/repo"
	"opsagent/internal/safety"
	"opsagent/internal/server"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userAddCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(&cobra.Command{
		Use:   "set-role <user> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				usr, err := s.Engine.SetUserRole(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(usr, table.Row{"ID", "Name", "Email", "Role"}, []table.Row{{usr.ID, usr.Name, usr.Email, usr.Role}})
			})
		},
	})
	return u
}

func userAddCmd() *cobra.Command {
	var id, name, email, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				u, err := s.Engine.CreateUser(ctx, engine.UserInput{ID: id, Name: name, Email: email, Role: role}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(u, table.Row{"ID", "Name", "Email", "Role"}, []table.Row{{u.ID, u.Name, u.Email, u.Role}})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", "user", "role (admin, manager, developer, client, user)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListUsers(ctx, repo.UserFilters{Roles: roles})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, u := range items {
					rows = append(rows, table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				return printJSONOrTable(items, table.Row{"ID", "Name", "Email", "Role"}, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "filter by role (repeatable)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := s.Engine.RevokeAPIKey(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				secret, key, err := s.Engine.CreateAPIKey(ctx, userID, name, actorID())
				if err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": secret}
				return printJSONOrTable(out, table.Row{"ID", "User", "Name", "Key"}, []table.Row{{key.ID, key.UserID, key.Name, secret}})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				keys, err := s.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.Name, k.CreatedAt, strPtrValue(k.LastUsedAt)})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Name", "Created", "Last used"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := jwtSecret()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				u, err := s.Repo.GetUser(ctx, nil, userID)
				if err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				tok, err := server.SignToken(secret, u.ID, u.Role, ttl)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"token": tok})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status, pm string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListProjects(ctx, repo.ProjectFilters{Status: status, PMID: pm})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Title, p.ClientName, p.Status, strPtrValue(p.PMID)})
				}
				return printJSONOrTable(items, table.Row{"ID", "Title", "Client", "Status", "PM"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&pm, "pm", "", "project manager id")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var title, clientName, notes, pm, target string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project through the create_project tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"title": title, "client_name": clientName}
			if notes != "" {
				params["notes"] = notes
			}
			if pm != "" {
				params["pm_id"] = pm
			}
			if target != "" {
				params["target_delivery"] = target
			}
			return runToolAndPrint(cmd.Context(), "create_project", "", params)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&clientName, "client", "", "client name")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&pm, "pm", "", "project manager id")
	cmd.Flags().StringVar(&target, "target-delivery", "", "target delivery date (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func projectShowCmd() *cobra.Command {
	var updates int
	cmd := &cobra.Command{
		Use:   "show <project>",
		Short: "Show a project with task counts and recent updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Repo.GetProject(ctx, nil, args[0])
				if err != nil {
					return fmt.Errorf("project %s: %w", args[0], err)
				}
				counts, err := s.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				recent, err := s.Repo.ListUpdates(ctx, p.ID, updates)
				if err != nil {
					return err
				}
				out := map[string]any{"project": p, "task_counts": counts, "updates": recent}
				if jsonOutput() {
					return printJSON(out)
				}
				rows := []table.Row{{p.ID, p.Title, p.ClientName, p.Status, counts["todo"], counts["in-progress"], counts["blocked"], counts["completed"]}}
				if err := printJSONOrTable(out, table.Row{"ID", "Title", "Client", "Status", "Todo", "In progress", "Blocked", "Completed"}, rows); err != nil {
					return err
				}
				for _, u := range recent {
					fmt.Printf("%s %s: %s\n", u.CreatedAt, u.AuthorID, u.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&updates, "updates", 5, "number of recent updates")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCreateCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var projectID, assignee, priority string
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, AssigneeID: assignee, Statuses: statuses, Priority: priority, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{t.ID, t.Title, t.Status, t.Priority, strPtrValue(t.AssigneeID), strPtrValue(t.DueDate)})
				}
				return printJSONOrTable(items, table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Due"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var projectID, title, description, priority, assignee, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task through the create_task tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"project_id": projectID, "title": title}
			if description != "" {
				params["description"] = description
			}
			if priority != "" {
				params["priority"] = priority
			}
			if assignee != "" {
				params["assignee_id"] = assignee
			}
			if due != "" {
				params["due_date"] = due
			}
			return runToolAndPrint(cmd.Context(), "create_task", projectID, params)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func toolsCmd() *cobra.Command {
	var role, projectID, params string
	t := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				var scopes []string
				if role != "" {
					scopes = s.Config.RoleScopes(role)
					if len(scopes) == 0 {
						return printJSONOrTable([]any{}, table.Row{"Name", "Category", "Mutates", "Dry run", "Scopes"}, nil)
					}
				}
				items := s.Tools.Catalog(scopes...)
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					dry := false
					if tool, ok := s.Tools.Get(c.Name); ok {
						dry = tool.HasDryRun()
					}
					rows = append(rows, table.Row{c.Name, c.Category, c.Mutates, dry, strings.Join(c.Scopes, ",")})
				}
				return printJSONOrTable(items, table.Row{"Name", "Category", "Mutates", "Dry run", "Scopes"}, rows)
			})
		},
	}
	t.Flags().StringVar(&role, "role", "", "only tools this role may run")
	run := &cobra.Command{
		Use:   "run <tool>",
		Short: "Run one tool directly as the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return runToolAndPrint(cmd.Context(), args[0], projectID, p)
		},
	}
	run.Flags().StringVar(&params, "params", "", "tool params as JSON")
	run.Flags().StringVar(&projectID, "project", "", "project context")
	t.AddCommand(run)
	t.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List models and read methods the dynamic query tool allows",
		RunE: func(cmd *cobra.Command, args []string) error {
			models := safety.Models()
			names := make([]string, 0, len(models))
			for m := range models {
				names = append(names, m)
			}
			sort.Strings(names)
			rows := make([]table.Row, 0, len(names))
			for _, m := range names {
				rows = append(rows, table.Row{m, strings.Join(models[m], ", ")})
			}
			return printJSONOrTable(models, table.Row{"Model", "Methods"}, rows)
		},
	})
	return t
}

func runToolAndPrint(ctx context.Context, name, projectID string, params map[string]any) error {
	return withServices(ctx, func(ctx context.Context, s *app.Services) error {
		res, err := s.Engine.RunTool(ctx, actorID(), name, projectID, params)
		if err != nil {
			return err
		}
		return printJSON(res.Output)
	})
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	var n int
	var action, actor, targetType, targetID, since string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListAuditEntries(ctx, repo.AuditFilters{Action: action, ActorID: actor, TargetType: targetType, TargetID: targetID, Since: since, Limit: n})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.ID, e.TS, e.ActorID, e.Action, e.TargetType + ":" + e.TargetID, e.Status})
				}
				return printJSONOrTable(items, table.Row{"ID", "TS", "Actor", "Action", "Target", "Status"}, rows)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&action, "action", "", "action filter")
	tail.Flags().StringVar(&actor, "actor", "", "actor filter")
	tail.Flags().StringVar(&targetType, "target-type", "", "target type filter")
	tail.Flags().StringVar(&targetID, "target-id", "", "target id filter")
	tail.Flags().StringVar(&since, "since", "", "only entries at or after this RFC3339 time")
	a.AddCommand(tail)
	return a
}

func monitorCmd() *cobra.Command {
	m := &cobra.Command{Use: "monitor", Short: "Project health and usage analytics"}
	m.AddCommand(&cobra.Command{
		Use:   "health <project>",
		Short: "Score a project's task health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				h, err := s.Monitor.ProjectHealth(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(h,
					table.Row{"Project", "Score", "Status", "Tasks", "Blocked", "Overdue", "Issues"},
					[]table.Row{{h.ProjectID, h.Score, h.Status, h.Metrics.TotalTasks, h.Metrics.BlockedTasks, h.Metrics.OverdueTasks, strings.Join(h.Issues, "; ")}})
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "anomalies <project>",
		Short: "Detect usage anomalies for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Monitor.DetectAnomalies(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.Type, a.Severity, a.Title})
				}
				return printJSONOrTable(items, table.Row{"Type", "Severity", "Title"}, rows)
			})
		},
	})
	var userID, projectID string
	var days int
	analytics := &cobra.Command{
		Use:   "analytics",
		Short: "Summarise agent usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				since := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
				sum, err := s.Monitor.AnalyticsSummary(ctx, repo.AnalyticsFilters{UserID: userID, ProjectID: projectID, Since: since})
				if err != nil {
					return err
				}
				return printJSONOrTable(sum,
					table.Row{"Total", "Success rate", "Avg ms", "Tokens"},
					[]table.Row{{sum.Total, fmt.Sprintf("%.1f%%", sum.SuccessRate*100), fmt.Sprintf("%.0f", sum.AverageDurationMS), sum.TotalTokens}})
			})
		},
	}
	analytics.Flags().StringVar(&userID, "user", "", "user filter")
	analytics.Flags().StringVar(&projectID, "project", "", "project filter")
	analytics.Flags().IntVar(&days, "days", 30, "look-back window in days")
	m.AddCommand(analytics)
	return m
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			redacted.Server.CronSecret = redact(cfg.Server.CronSecret)
			redacted.Notifier.Secret = redact(cfg.Notifier.Secret)
			if jsonOutput() {
				return printJSON(redacted)
			}
			return yaml.NewEncoder(os.Stdout).Encode(redacted)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsagent.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate opsagent.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})
	return cfgCmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

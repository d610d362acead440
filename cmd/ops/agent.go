package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"opsagent/internal/app"
	"opsagent/internal/domain"
	"opsagent/internal/engine"
	"opsagent/internal/scheduler"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage agent sessions"}
	var projectID, status string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a session for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				sess, err := svc.Engine.CreateSession(ctx, actorID(), projectID)
				if err != nil {
					return err
				}
				return printSessions(sess, []domain.Session{sess})
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project scope")
	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListSessions(ctx, actorID(), status)
				if err != nil {
					return err
				}
				return printSessions(items, items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (active, cancelled, expired)")
	cancel := &cobra.Command{
		Use:   "cancel <session>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				sess, err := svc.Engine.CancelSession(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printSessions(sess, []domain.Session{sess})
			})
		},
	}
	s.AddCommand(create, list, cancel)
	return s
}

func printSessions(v any, items []domain.Session) error {
	rows := make([]table.Row, 0, len(items))
	for _, s := range items {
		rows = append(rows, table.Row{s.ID, strPtrValue(s.ProjectID), s.Status, s.LastActivityAt})
	}
	return printJSONOrTable(v, table.Row{"ID", "Project", "Status", "Last activity"}, rows)
}

func planCmd() *cobra.Command {
	p := &cobra.Command{Use: "plan", Short: "Generate, review and execute plans"}
	p.AddCommand(planGenerateCmd())
	p.AddCommand(planDecideCmd("approve", true))
	p.AddCommand(planDecideCmd("reject", false))
	p.AddCommand(planDryRunCmd())
	p.AddCommand(planExecuteCmd())
	p.AddCommand(planListCmd())
	p.AddCommand(planShowCmd())
	return p
}

func planGenerateCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "generate <request...>",
		Short: "Ask the agent for a plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				plan, err := s.Engine.Generate(ctx, engine.GenerateInput{SessionID: sessionID, Request: strings.Join(args, " "), ActorID: actorID()})
				if err != nil {
					return err
				}
				return printPlan(plan)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func planDecideCmd(use string, approved bool) *cobra.Command {
	var sessionID, planID string
	cmd := &cobra.Command{
		Use:   use,
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				plan, err := s.Engine.Decide(ctx, sessionID, planID, actorID(), approved)
				if err != nil {
					return err
				}
				return printPlan(plan)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func planDryRunCmd() *cobra.Command {
	var sessionID, planID string
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Preview a plan without side effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				previews, err := s.Engine.DryRun(ctx, sessionID, planID, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(previews))
				for _, p := range previews {
					rows = append(rows, table.Row{p.Ordinal, p.Tool, p.Mode, p.Simulated, p.Error})
				}
				return printJSONOrTable(previews, table.Row{"#", "Tool", "Mode", "Simulated", "Error"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func planExecuteCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute the session's approved plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.Execute(ctx, sessionID, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(res.Steps))
				for _, st := range res.Steps {
					rows = append(rows, table.Row{st.Ordinal, st.Tool, st.Status, fmt.Sprintf("%dms", st.DurationMS), st.Error})
				}
				if perr := printJSONOrTable(res, table.Row{"#", "Tool", "Status", "Duration", "Error"}, rows); perr != nil {
					return perr
				}
				fmt.Fprintln(os.Stderr, res.Summary)
				if !res.Success {
					return fmt.Errorf("plan %s failed", res.PlanID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func planListCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				plans, err := s.Engine.ListPlans(ctx, actorID(), sessionID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(plans))
				for _, p := range plans {
					rows = append(rows, table.Row{p.ID, p.Title, p.Status, p.ExecutionStatus, len(p.Steps)})
				}
				return printJSONOrTable(plans, table.Row{"ID", "Title", "Status", "Execution", "Steps"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan>",
		Short: "Show one plan with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				plan, err := s.Engine.GetPlan(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printPlan(plan)
			})
		},
	}
}

func printPlan(p domain.Plan) error {
	rows := make([]table.Row, 0, len(p.Steps))
	for _, st := range p.Steps {
		params, _ := json.Marshal(st.Params)
		rows = append(rows, table.Row{st.Ordinal, st.Tool, string(params), st.Status})
	}
	if err := printJSONOrTable(p, table.Row{"#", "Tool", "Params", "Status"}, rows); err != nil {
		return err
	}
	if jsonOutput() {
		return nil
	}
	fmt.Printf("plan %s (%s): %s\n", p.ID, p.Status, p.Title)
	for _, r := range p.Risks {
		fmt.Println("risk:", r)
	}
	return nil
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Manage scheduled tasks"}
	var name, schedule, tool, params, userID, projectID, status string
	create := &cobra.Command{
		Use:   "create",
		Short: "Schedule a recurring tool call",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Scheduler.CreateScheduledTask(ctx, scheduler.TaskInput{
					Name: name, Schedule: schedule, Tool: tool, Params: p, UserID: userID, ProjectID: projectID,
				}, actorID())
				if err != nil {
					return err
				}
				return printScheduled(t, []domain.ScheduledTask{t})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "task name")
	create.Flags().StringVar(&schedule, "schedule", "daily", "hourly, daily, weekly, every_N_min or a cron expression")
	create.Flags().StringVar(&tool, "tool", "", "tool to run")
	create.Flags().StringVar(&params, "params", "", "tool params as JSON")
	create.Flags().StringVar(&userID, "user", "", "user the task runs on behalf of")
	create.Flags().StringVar(&projectID, "project", "", "project context")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("tool")
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Scheduler.ListScheduledTasks(ctx, status)
				if err != nil {
					return err
				}
				return printScheduled(items, items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (active, failed, completed)")
	reset := &cobra.Command{
		Use:   "reset <task>",
		Short: "Reactivate a failed scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Scheduler.ResetScheduledTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printScheduled(t, []domain.ScheduledTask{t})
			})
		},
	}
	sc.AddCommand(create, list, reset)
	return sc
}

func printScheduled(v any, items []domain.ScheduledTask) error {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		rows = append(rows, table.Row{t.ID, t.Name, t.Schedule, t.Metadata.Tool, t.Status, t.NextRun, t.Metadata.FailureCount})
	}
	return printJSONOrTable(v, table.Row{"ID", "Name", "Schedule", "Tool", "Status", "Next run", "Failures"}, rows)
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage multi-step workflows"}
	var name, description, stepsFile, projectID, vars string
	var statuses []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Define a workflow from a JSON steps file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(stepsFile)
			if err != nil {
				return err
			}
			var steps []domain.WorkflowStep
			if err := json.Unmarshal(data, &steps); err != nil {
				return fmt.Errorf("invalid steps file: %w", err)
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				w, err := s.Scheduler.CreateWorkflow(ctx, scheduler.WorkflowInput{Name: name, Description: description, Steps: steps}, actorID())
				if err != nil {
					return err
				}
				return printWorkflows(w, []domain.Workflow{w})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "workflow name")
	create.Flags().StringVar(&description, "description", "", "description")
	create.Flags().StringVar(&stepsFile, "steps", "", "path to a JSON array of steps")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("steps")
	start := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start an execution; ticks advance it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				v, err := parseParams(vars)
				if err != nil {
					return err
				}
				x, err := s.Scheduler.StartWorkflow(ctx, args[0], actorID(), projectID, v)
				if err != nil {
					return err
				}
				return printExecutions(x, []domain.WorkflowExecution{x})
			})
		},
	}
	start.Flags().StringVar(&projectID, "project", "", "project context")
	start.Flags().StringVar(&vars, "vars", "", `JSON object of ${name} variables, e.g. {"channel":"#ops"}`)
	cancel := &cobra.Command{
		Use:   "cancel <execution>",
		Short: "Cancel a running or waiting execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				x, err := s.Scheduler.CancelWorkflowExecution(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printExecutions(x, []domain.WorkflowExecution{x})
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Scheduler.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				return printWorkflows(items, items)
			})
		},
	}
	executions := &cobra.Command{
		Use:   "executions <workflow>",
		Short: "List executions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Scheduler.ListWorkflowExecutions(ctx, args[0], statuses...)
				if err != nil {
					return err
				}
				return printExecutions(items, items)
			})
		},
	}
	executions.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	wf.AddCommand(create, start, cancel, list, executions)
	return wf
}

func printWorkflows(v any, items []domain.Workflow) error {
	rows := make([]table.Row, 0, len(items))
	for _, w := range items {
		rows = append(rows, table.Row{w.ID, w.Name, len(w.Steps), w.CreatedBy})
	}
	return printJSONOrTable(v, table.Row{"ID", "Name", "Steps", "Created by"}, rows)
}

func printExecutions(v any, items []domain.WorkflowExecution) error {
	rows := make([]table.Row, 0, len(items))
	for _, x := range items {
		rows = append(rows, table.Row{x.ID, x.WorkflowID, x.CurrentStep, x.Status, strPtrValue(x.WaitUntil)})
	}
	return printJSONOrTable(v, table.Row{"ID", "Workflow", "Step", "Status", "Wait until"}, rows)
}

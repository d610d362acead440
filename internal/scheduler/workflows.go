package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/repo"
	"opsagent/internal/tools"
)

func (s *Scheduler) runWorkflows(ctx context.Context, now time.Time) (int, []string, error) {
	execs, err := s.Repo.ListExecutions(ctx, repo.ExecutionFilters{
		Statuses: []string{"running", "waiting"},
		Limit:    s.Settings.BatchWorkflows,
	})
	if err != nil {
		return 0, nil, err
	}
	var (
		advanced int
		errs     []string
	)
	for _, x := range execs {
		if x.Status == "waiting" && x.WaitUntil != nil {
			until, err := time.Parse(time.RFC3339, *x.WaitUntil)
			if err == nil && until.After(now) {
				continue
			}
		}
		ok, err := s.Repo.ClaimExecution(ctx, x.ID, x.Version, now.UTC().Format(time.RFC3339))
		if err != nil {
			errs = append(errs, fmt.Sprintf("claim execution %s: %v", x.ID, err))
			continue
		}
		if !ok {
			continue
		}
		x.Version++
		x.Status = "running"
		x.WaitUntil = nil
		advanced++
		if err := s.advance(ctx, x, now); err != nil {
			errs = append(errs, fmt.Sprintf("execution %s: %v", x.ID, err))
		}
	}
	return advanced, errs, nil
}

// advance runs exactly the step at x.CurrentStep of a claimed execution.
func (s *Scheduler) advance(ctx context.Context, x domain.WorkflowExecution, now time.Time) error {
	wf, err := s.Repo.GetWorkflow(ctx, nil, x.WorkflowID)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", x.WorkflowID, err)
	}
	if x.Context == nil {
		x.Context = domain.ExecutionContext{}
	}
	ts := now.UTC().Format(time.RFC3339)
	x.UpdatedAt = ts
	var stepErr error

	switch {
	case x.CurrentStep >= len(wf.Steps):
		x.Status = "completed"
		x.CompletedAt = &ts
	case wf.Steps[x.CurrentStep].WaitMinutes > 0:
		step := wf.Steps[x.CurrentStep]
		until := now.Add(time.Duration(step.WaitMinutes) * time.Minute).UTC().Format(time.RFC3339)
		x.Context[stepKey(x.CurrentStep, "result")] = map[string]any{"waited_until": until}
		x.CurrentStep++
		x.Status = "waiting"
		x.WaitUntil = &until
	default:
		i := x.CurrentStep
		step := wf.Steps[i]
		res, attempts, err := s.runStep(ctx, wf, x, now)
		if attempts > 1 {
			x.Context[stepKey(i, "attempts")] = attempts
		}
		if err != nil {
			stepErr = err
			x.Context[stepKey(i, "error")] = err.Error()
			if next := stepIndex(wf, step.OnFailure); next > i {
				s.logger().Infow("workflow step failed; continuing at handler", "execution_id", x.ID, "step", i, "handler", step.OnFailure, "err", err)
				stepErr = nil
				x.CurrentStep = next
				break
			}
			x.Status = "failed"
			x.CompletedAt = &ts
			break
		}
		x.Context[stepKey(i, "result")] = res.Output
		x.CurrentStep++
		if x.CurrentStep >= len(wf.Steps) {
			x.Status = "completed"
			x.CompletedAt = &ts
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.SaveExecution(ctx, tx, x); err != nil {
		return err
	}
	if x.Status == "completed" || x.Status == "failed" {
		entry := audit.Entry{
			ActorID: ActorID, ActorType: audit.ActorScheduler, Action: "workflow_" + x.Status,
			TargetType: "workflow_execution", TargetID: x.ID,
			Payload: audit.Payload{"workflow_id": x.WorkflowID, "current_step": x.CurrentStep},
		}
		if stepErr != nil {
			err = s.recorder().LogFailure(ctx, tx, entry, stepErr)
		} else {
			err = s.recorder().LogSuccess(ctx, tx, entry)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if stepErr != nil {
		s.logger().Warnw("workflow step failed", "execution_id", x.ID, "step", x.CurrentStep, "err", stepErr)
	}
	return stepErr
}

// runStep resolves the current step's params and calls its tool, retrying
// handler failures up to step.Retries extra times.
func (s *Scheduler) runStep(ctx context.Context, wf domain.Workflow, x domain.WorkflowExecution, now time.Time) (tools.Result, int, error) {
	step := wf.Steps[x.CurrentStep]
	params, err := resolveParams(step.Params, s.scopeFor(wf, x, now))
	if err != nil {
		return tools.Result{}, 0, err
	}
	projectID := ""
	if x.ProjectID != nil {
		projectID = *x.ProjectID
	}
	var (
		res      tools.Result
		attempts int
	)
	for attempts < 1+step.Retries {
		attempts++
		tc := s.roleContext(ctx, x.StartedBy, projectID, fmt.Sprintf("workflow_%s_%d_%d", x.ID, x.CurrentStep, attempts))
		res, err = s.Tools.Execute(ctx, step.Tool, tc, params)
		if tools.Kind(err) != "execution" || ctx.Err() != nil {
			break
		}
	}
	return res, attempts, err
}

func stepIndex(wf domain.Workflow, name string) int {
	if name == "" {
		return -1
	}
	for i, st := range wf.Steps {
		if st.Name == name {
			return i
		}
	}
	return -1
}

func stepKey(i int, kind string) string {
	return fmt.Sprintf("step_%d_%s", i, kind)
}

type WorkflowInput struct {
	Name        string
	Description string
	Steps       []domain.WorkflowStep
}

// CreateWorkflow stores a workflow definition. Every step is either a wait or
// a tool call whose params validate.
func (s *Scheduler) CreateWorkflow(ctx context.Context, in WorkflowInput, actorID string) (domain.Workflow, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Workflow{}, domain.Invalidf("workflow name is required")
	}
	if len(in.Steps) == 0 {
		return domain.Workflow{}, domain.Invalidf("workflow needs at least one step")
	}
	seen := map[string]int{}
	for i, st := range in.Steps {
		if st.Name != "" {
			if _, dup := seen[st.Name]; dup {
				return domain.Workflow{}, domain.Invalidf("step %d: duplicate step name %q", i+1, st.Name)
			}
			seen[st.Name] = i
		}
	}
	for i, st := range in.Steps {
		if err := s.checkStep(in.Steps, seen, i, st); err != nil {
			return domain.Workflow{}, err
		}
	}
	w := domain.Workflow{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Steps:       in.Steps,
		CreatedBy:   actorID,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertWorkflow(ctx, nil, w); err != nil {
		return w, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

func (s *Scheduler) checkStep(steps []domain.WorkflowStep, names map[string]int, i int, st domain.WorkflowStep) error {
	switch {
	case st.WaitMinutes < 0:
		return domain.Invalidf("step %d: wait_minutes must be positive", i+1)
	case st.WaitMinutes > 0 && st.Tool != "":
		return domain.Invalidf("step %d: a step is either a wait or a tool call", i+1)
	case st.Retries < 0 || st.Retries > maxStepRetries:
		return domain.Invalidf("step %d: retries must be between 0 and %d", i+1, maxStepRetries)
	}
	if st.OnFailure != "" {
		if j, ok := names[st.OnFailure]; !ok || j <= i {
			return domain.Invalidf("step %d: on_failure must name a later step", i+1)
		}
	}
	if st.WaitMinutes > 0 {
		return nil
	}
	for _, ref := range resultRefs(st.Params) {
		j, ok := names[ref]
		if !ok {
			j = -1
			if n, err := strconv.Atoi(strings.TrimPrefix(ref, "step_")); err == nil && strings.HasPrefix(ref, "step_") {
				j = n
			}
		}
		if j < 0 || j >= i || j >= len(steps) {
			return domain.Invalidf("step %d: $results.%s does not name an earlier step", i+1, ref)
		}
	}
	params := st.Params
	if params == nil {
		params = map[string]any{}
	}
	// Params with references are validated once resolved, before the call.
	if hasRefs(params) {
		if _, ok := s.Tools.Get(st.Tool); !ok {
			return fmt.Errorf("step %d: %w", i+1, &tools.NotFoundError{Name: st.Tool})
		}
		return nil
	}
	if err := s.Tools.Validate(st.Tool, params); err != nil {
		return fmt.Errorf("step %d: %w", i+1, err)
	}
	return nil
}

const maxStepRetries = 5

func (s *Scheduler) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	return s.Repo.ListWorkflows(ctx)
}

// StartWorkflow creates a running execution at step 0. The next tick runs it.
// vars are visible to step params as ${name}.
func (s *Scheduler) StartWorkflow(ctx context.Context, workflowID, actorID, projectID string, vars map[string]any) (domain.WorkflowExecution, error) {
	if _, err := s.Repo.GetWorkflow(ctx, nil, workflowID); err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	ts := s.now().UTC().Format(time.RFC3339)
	x := domain.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     "running",
		Context:    domain.ExecutionContext{},
		StartedBy:  actorID,
		StartedAt:  ts,
		UpdatedAt:  ts,
	}
	if projectID != "" {
		x.ProjectID = &projectID
	}
	if len(vars) > 0 {
		x.Context[varsKey] = vars
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return x, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertExecution(ctx, tx, x); err != nil {
		return x, fmt.Errorf("insert execution: %w", err)
	}
	if err := s.recorder().Append(ctx, tx, audit.Entry{
		ActorID: actorID, Action: "workflow_started", TargetType: "workflow_execution", TargetID: x.ID,
		Payload: audit.Payload{"workflow_id": workflowID},
	}); err != nil {
		return x, err
	}
	return x, tx.Commit()
}

func (s *Scheduler) ListWorkflowExecutions(ctx context.Context, workflowID string, statuses ...string) ([]domain.WorkflowExecution, error) {
	return s.Repo.ListExecutions(ctx, repo.ExecutionFilters{WorkflowID: workflowID, Statuses: statuses})
}

// ErrNotCancellable is returned when cancelling a finished execution.
var ErrNotCancellable = errors.New("workflow execution already finished")

// CancelWorkflowExecution stops a running or waiting execution. A tick that
// claimed it earlier loses its save.
func (s *Scheduler) CancelWorkflowExecution(ctx context.Context, id, actorID string) (domain.WorkflowExecution, error) {
	ts := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	defer tx.Rollback()
	x, err := s.Repo.GetExecution(ctx, tx, id)
	if err != nil {
		return x, fmt.Errorf("execution %s: %w", id, err)
	}
	ok, err := s.Repo.CancelExecution(ctx, tx, id, ts)
	if err != nil {
		return x, err
	}
	if !ok {
		return x, fmt.Errorf("execution %s is %s: %w", id, x.Status, ErrNotCancellable)
	}
	if err := s.recorder().Append(ctx, tx, audit.Entry{
		ActorID: actorID, Action: "workflow_cancelled", TargetType: "workflow_execution", TargetID: id,
		Payload: audit.Payload{"workflow_id": x.WorkflowID, "current_step": x.CurrentStep},
	}); err != nil {
		return x, err
	}
	out, err := s.Repo.GetExecution(ctx, tx, id)
	if err != nil {
		return x, err
	}
	return out, tx.Commit()
}

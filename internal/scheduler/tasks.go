package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/engine/auth"
)

// ErrNotFailed is returned when resetting a task that is not failed.
var ErrNotFailed = errors.New("scheduled task is not failed")

func (s *Scheduler) runScheduledTasks(ctx context.Context, now time.Time) (int, []string, error) {
	ts := now.UTC().Format(time.RFC3339)
	due, err := s.Repo.DueScheduledTasks(ctx, ts, s.Settings.BatchTasks)
	if err != nil {
		return 0, nil, err
	}
	var (
		ran  int
		errs []string
	)
	for _, t := range due {
		next := NextRun(t.Schedule, now).UTC().Format(time.RFC3339)
		ok, err := s.Repo.ClaimScheduledTask(ctx, t.ID, t.NextRun, ts, next)
		if err != nil {
			errs = append(errs, fmt.Sprintf("claim scheduled task %s: %v", t.ID, err))
			continue
		}
		if !ok {
			continue
		}
		ran++
		if err := s.runScheduledTask(ctx, t, now); err != nil {
			errs = append(errs, fmt.Sprintf("scheduled task %s: %v", t.ID, err))
		}
	}
	return ran, errs, nil
}

// runScheduledTask runs one claimed task and records the outcome. The
// returned error is the tool failure, if any.
func (s *Scheduler) runScheduledTask(ctx context.Context, t domain.ScheduledTask, now time.Time) error {
	meta := t.Metadata
	runAs := meta.UserID
	if runAs == "" {
		runAs = t.CreatedBy
	}
	tc := s.roleContext(ctx, runAs, meta.ProjectID, fmt.Sprintf("scheduled_%s_%d", t.ID, now.Unix()))
	params := meta.Params
	if params == nil {
		params = map[string]any{}
	}

	res, runErr := s.Tools.Execute(ctx, meta.Tool, tc, params)
	ts := s.now().UTC().Format(time.RFC3339)
	status := t.Status
	entry := audit.Entry{
		ActorID: ActorID, ActorType: audit.ActorScheduler, TargetType: "scheduled_task", TargetID: t.ID,
		Duration: res.Duration, TraceID: tc.TraceID,
		Payload: audit.Payload{"name": t.Name, "tool": meta.Tool, "run_as": runAs},
	}
	if runErr != nil {
		meta.FailureCount++
		meta.LastError = runErr.Error()
		meta.LastErrorAt = ts
		if meta.FailureCount >= s.maxFailures() {
			status = "failed"
		}
		entry.Action = "scheduled_task_failed"
		entry.Payload["failure_count"] = meta.FailureCount
	} else {
		meta.FailureCount = 0
		meta.LastError = ""
		meta.LastErrorAt = ""
		entry.Action = "scheduled_task_executed"
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.SaveScheduledTaskOutcome(ctx, tx, t.ID, status, meta, ts); err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	if runErr != nil {
		err = s.recorder().LogFailure(ctx, tx, entry, runErr)
	} else {
		err = s.recorder().LogSuccess(ctx, tx, entry)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if runErr != nil {
		s.logger().Warnw("scheduled task failed", "task_id", t.ID, "tool", meta.Tool, "failures", meta.FailureCount, "status", status, "err", runErr)
	}
	return runErr
}

func (s *Scheduler) maxFailures() int {
	if s.Settings.MaxFailures > 0 {
		return s.Settings.MaxFailures
	}
	return 3
}

type TaskInput struct {
	Name      string
	Schedule  string
	Tool      string
	Params    map[string]any
	UserID    string
	ProjectID string
	// NextRun overrides the first run; zero means NextRun(Schedule, now).
	NextRun time.Time
}

// CreateScheduledTask stores an active task after checking its tool and
// params against the registry. The task runs as in.UserID, defaulting to the
// actor; only admins may schedule work on behalf of someone else.
func (s *Scheduler) CreateScheduledTask(ctx context.Context, in TaskInput, actorID string) (domain.ScheduledTask, error) {
	if in.UserID == "" {
		in.UserID = actorID
	}
	if in.UserID != actorID {
		role, err := s.Repo.UserRole(ctx, nil, actorID)
		if err != nil {
			return domain.ScheduledTask{}, fmt.Errorf("actor %s: %w", actorID, err)
		}
		if !s.Auth.IsAdmin(role) {
			return domain.ScheduledTask{}, auth.ForbiddenError{Permission: auth.Wildcard}
		}
		if _, err := s.Repo.UserRole(ctx, nil, in.UserID); err != nil {
			return domain.ScheduledTask{}, domain.Invalidf("run-as user %s does not exist", in.UserID)
		}
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.ScheduledTask{}, domain.Invalidf("scheduled task name is required")
	}
	if !ValidSchedule(in.Schedule) {
		return domain.ScheduledTask{}, domain.Invalidf("unrecognised schedule %q", in.Schedule)
	}
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	if err := s.Tools.Validate(in.Tool, in.Params); err != nil {
		return domain.ScheduledTask{}, err
	}
	now := s.now()
	first := in.NextRun
	if first.IsZero() {
		first = NextRun(in.Schedule, now)
	}
	ts := now.UTC().Format(time.RFC3339)
	t := domain.ScheduledTask{
		ID:       uuid.NewString(),
		Name:     in.Name,
		Schedule: in.Schedule,
		NextRun:  first.UTC().Format(time.RFC3339),
		Status:   "active",
		Metadata: domain.TaskMetadata{
			Tool: in.Tool, Params: in.Params, UserID: in.UserID, ProjectID: in.ProjectID,
		},
		CreatedBy: actorID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertScheduledTask(ctx, tx, t); err != nil {
		return t, fmt.Errorf("insert scheduled task: %w", err)
	}
	if err := s.recorder().Append(ctx, tx, audit.Entry{
		ActorID: actorID, Action: "scheduled_task_created", TargetType: "scheduled_task", TargetID: t.ID,
		Payload: audit.Payload{"tool": in.Tool, "schedule": in.Schedule},
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (s *Scheduler) ListScheduledTasks(ctx context.Context, status string) ([]domain.ScheduledTask, error) {
	return s.Repo.ListScheduledTasks(ctx, status)
}

// ResetScheduledTask reactivates a failed task, clears its failure count and
// schedules it from now.
func (s *Scheduler) ResetScheduledTask(ctx context.Context, id, actorID string) (domain.ScheduledTask, error) {
	t, err := s.Repo.GetScheduledTask(ctx, nil, id)
	if err != nil {
		return t, fmt.Errorf("scheduled task %s: %w", id, err)
	}
	if t.Status != "failed" {
		return t, fmt.Errorf("scheduled task %s is %s: %w", id, t.Status, ErrNotFailed)
	}
	now := s.now()
	meta := t.Metadata
	meta.FailureCount = 0
	meta.LastError = ""
	meta.LastErrorAt = ""
	ts := now.UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := s.Repo.ResetScheduledTask(ctx, tx, id, meta, NextRun(t.Schedule, now).UTC().Format(time.RFC3339), ts); err != nil {
		return t, err
	}
	if err := s.recorder().Append(ctx, tx, audit.Entry{
		ActorID: actorID, Action: "scheduled_task_reset", TargetType: "scheduled_task", TargetID: id,
	}); err != nil {
		return t, err
	}
	out, err := s.Repo.GetScheduledTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	return out, tx.Commit()
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/metrics"
	"opsagent/internal/repo"
	"opsagent/internal/tools"
)

type StepResult struct {
	StepID     string `json:"step_id"`
	Ordinal    int    `json:"ordinal"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type ExecutionMetrics struct {
	TotalDurationMS int64    `json:"total_duration_ms"`
	SuccessfulSteps int      `json:"successful_steps"`
	FailedSteps     int      `json:"failed_steps"`
	ToolsUsed       []string `json:"tools_used"`
}

type ExecutionResult struct {
	Success bool             `json:"success"`
	Summary string           `json:"summary"`
	PlanID  string           `json:"plan_id"`
	Steps   []StepResult     `json:"steps"`
	Metrics ExecutionMetrics `json:"metrics"`
}

// Execute runs the session's newest approved, unstarted plan step by step.
// The first failing step stops the plan; later steps stay pending.
//
// Once the plan is claimed, step and plan bookkeeping run detached from
// ctx's cancellation: a tool may already have committed its side effect, and
// the plan must never be left executing.
func (e Engine) Execute(ctx context.Context, sessionID, actorID string) (ExecutionResult, error) {
	s, owner, err := e.openSession(ctx, actorID, sessionID)
	if err != nil {
		return ExecutionResult{}, err
	}
	p, err := e.claimPlan(ctx, sessionID)
	if err != nil {
		return ExecutionResult{}, err
	}
	book := context.WithoutCancel(ctx)

	start := e.now()
	tc := e.toolContext(owner, sessionProject(s))
	rec := e.recorder()
	out := ExecutionResult{PlanID: p.ID, Success: true}
	var failure, bookErr error
	for i := range p.Steps {
		st := &p.Steps[i]
		if failure != nil {
			out.Steps = append(out.Steps, StepResult{StepID: st.ID, Ordinal: st.Ordinal, Tool: st.Tool, Status: st.Status})
			continue
		}
		started := e.stamp()
		st.Status = "executing"
		st.StartedAt = &started
		if err := e.Repo.UpdateStep(book, nil, *st); err != nil {
			bookErr = fmt.Errorf("mark step %d executing: %w", st.Ordinal, err)
			failure = bookErr
			out.Steps = append(out.Steps, StepResult{StepID: st.ID, Ordinal: st.Ordinal, Tool: st.Tool, Status: "pending"})
			continue
		}
		res, runErr := e.Tools.Execute(ctx, st.Tool, tc, st.Params)
		done := e.stamp()
		st.CompletedAt = &done
		st.DurationMS = res.Duration.Milliseconds()
		entry := audit.Entry{
			ActorID: actorID, Action: "agent_step", TargetType: "step", TargetID: st.ID,
			Duration: res.Duration, TraceID: res.TraceID,
			Payload: audit.Payload{"plan_id": p.ID, "tool": st.Tool, "ordinal": st.Ordinal},
		}
		if runErr != nil {
			st.Status = "failed"
			st.Error = runErr.Error()
			failure = runErr
			out.Metrics.FailedSteps++
			if err := rec.LogFailure(book, nil, entry, runErr); err != nil {
				e.logger().Warnw("audit write failed", "action", entry.Action, "err", err)
			}
			e.logger().Warnw("plan step failed", "plan_id", p.ID, "ordinal", st.Ordinal, "tool", st.Tool, "kind", tools.Kind(runErr), "err", runErr)
		} else {
			st.Status = "completed"
			st.Result = res.Output
			out.Metrics.SuccessfulSteps++
			if err := rec.LogSuccess(book, nil, entry); err != nil {
				e.logger().Warnw("audit write failed", "action", entry.Action, "err", err)
			}
		}
		out.Metrics.ToolsUsed = append(out.Metrics.ToolsUsed, st.Tool)
		if err := e.Repo.UpdateStep(book, nil, *st); err != nil {
			bookErr = fmt.Errorf("record step %d: %w", st.Ordinal, err)
			if failure == nil {
				failure = bookErr
			}
		}
		out.Steps = append(out.Steps, StepResult{
			StepID: st.ID, Ordinal: st.Ordinal, Tool: st.Tool, Status: st.Status,
			Result: st.Result, Error: st.Error, DurationMS: st.DurationMS,
		})
	}

	final := "completed"
	if failure != nil {
		final = "failed"
		out.Success = false
	}
	elapsed := e.now().Sub(start)
	out.Metrics.TotalDurationMS = elapsed.Milliseconds()
	out.Summary = summarize(out, len(p.Steps), failure)

	entry := audit.Entry{
		ActorID: actorID, Action: "agent_execution", TargetType: "plan", TargetID: p.ID, Duration: elapsed,
		Payload: audit.Payload{"session_id": sessionID, "successful_steps": out.Metrics.SuccessfulSteps, "failed_steps": out.Metrics.FailedSteps},
	}
	analytics := domain.AnalyticsRecord{
		UserID: actorID, SessionID: sessionID, ProjectID: sessionProject(s),
		Action: "agent_execution", DurationMS: elapsed.Milliseconds(),
		Success: failure == nil, ToolsUsed: out.Metrics.ToolsUsed,
	}
	if failure != nil {
		analytics.ErrorType = tools.Kind(failure)
	}
	if err := e.finishExecution(book, p.ID, sessionID, final, entry, analytics, failure); err != nil {
		e.abandonExecution(book, p.ID, entry, err)
		return out, err
	}
	metrics.RecordPlanExecution(final)
	e.logger().Infow("plan executed", "plan_id", p.ID, "status", final, "successful", out.Metrics.SuccessfulSteps, "failed", out.Metrics.FailedSteps)
	if bookErr != nil {
		return out, bookErr
	}
	return out, nil
}

func (e Engine) finishExecution(ctx context.Context, planID, sessionID, final string, entry audit.Entry, analytics domain.AnalyticsRecord, failure error) error {
	rec := e.recorder()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishPlanExecution(ctx, tx, planID, final); err != nil {
		return fmt.Errorf("finish plan: %w", err)
	}
	if failure != nil {
		err = rec.LogFailure(ctx, tx, entry, failure)
	} else {
		err = rec.LogSuccess(ctx, tx, entry)
	}
	if err != nil {
		return err
	}
	if err := rec.RecordAnalytics(ctx, tx, analytics); err != nil {
		return err
	}
	if err := e.Repo.TouchSession(ctx, tx, sessionID, e.stamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// abandonExecution is the fallback when the finishing transaction fails: it
// releases the plan as failed so it does not stay claimed forever.
func (e Engine) abandonExecution(ctx context.Context, planID string, entry audit.Entry, cause error) {
	if err := e.Repo.FinishPlanExecution(ctx, nil, planID, "failed"); err != nil {
		e.logger().Errorw("plan left executing", "plan_id", planID, "err", err, "cause", cause)
	}
	if err := e.recorder().LogFailure(ctx, nil, entry, cause); err != nil {
		e.logger().Warnw("audit write failed", "action", entry.Action, "err", err)
	}
	metrics.RecordPlanExecution("failed")
}

// claimPlan flips the newest executable plan to executing. Without one it
// reports the state of the newest plan so callers see why.
func (e Engine) claimPlan(ctx context.Context, sessionID string) (domain.Plan, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.LatestExecutablePlan(ctx, tx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		tx.Rollback()
		return domain.Plan{}, e.noExecutablePlan(ctx, sessionID)
	}
	if err != nil {
		return domain.Plan{}, err
	}
	ok, err := e.Repo.ClaimPlanExecution(ctx, tx, p.ID, e.stamp())
	if err != nil {
		return domain.Plan{}, err
	}
	if !ok {
		return domain.Plan{}, &InvalidTransitionError{PlanID: p.ID, From: "executing", Action: "execute"}
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

func (e Engine) noExecutablePlan(ctx context.Context, sessionID string) error {
	if p, err := e.Repo.LatestPlanByExecution(ctx, sessionID, "executing"); err == nil {
		return &InvalidTransitionError{PlanID: p.ID, From: "executing", Action: "execute"}
	}
	plans, err := e.Repo.ListPlans(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return &InvalidTransitionError{From: "none", Action: "execute"}
	}
	latest := plans[0]
	from := latest.Status
	if latest.ExecutionStatus != "" {
		from = latest.ExecutionStatus
	}
	return &InvalidTransitionError{PlanID: latest.ID, From: from, Action: "execute"}
}

func summarize(r ExecutionResult, total int, failure error) string {
	if failure == nil {
		return fmt.Sprintf("Executed %d of %d steps", r.Metrics.SuccessfulSteps, total)
	}
	failed := r.Steps[len(r.Steps)-1]
	for _, st := range r.Steps {
		if st.Status == "failed" {
			failed = st
		}
	}
	return fmt.Sprintf("Executed %d of %d steps; step %d (%s) failed: %v", r.Metrics.SuccessfulSteps, total, failed.Ordinal+1, failed.Tool, failure)
}

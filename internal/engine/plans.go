package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/metrics"
	"opsagent/internal/planner"
	"opsagent/internal/tools"
)

type GenerateInput struct {
	SessionID string
	Request   string
	ActorID   string
}

// Generate asks the planner for a plan and stores it as pending. A plan with
// any unknown tool or invalid params is rejected whole.
func (e Engine) Generate(ctx context.Context, in GenerateInput) (domain.Plan, error) {
	s, owner, err := e.openSession(ctx, in.ActorID, in.SessionID)
	if err != nil {
		return domain.Plan{}, err
	}
	if in.Request == "" {
		return domain.Plan{}, &InvalidPlanError{Problems: []string{"request text is required"}}
	}
	start := e.now()
	resp, err := e.Planner.Plan(ctx, planner.Request{
		Text:      in.Request,
		ProjectID: sessionProject(s),
		UserName:  owner.Name,
		UserRole:  owner.Role,
		Tools:     e.Tools.Catalog(e.permissions(owner.Role)...),
	})
	if err != nil {
		metrics.RecordPlanGenerated("error")
		e.recordGenerateFailure(ctx, in, s, start, "planner_error", err)
		return domain.Plan{}, fmt.Errorf("generate plan: %w", err)
	}

	proposed := append([]planner.Step(nil), resp.Steps...)
	sort.SliceStable(proposed, func(i, j int) bool { return proposed[i].Order < proposed[j].Order })
	var problems []string
	if len(proposed) == 0 {
		problems = append(problems, "plan has no steps")
	}
	for i, st := range proposed {
		if err := e.Tools.Validate(st.Tool, st.Params); err != nil {
			problems = append(problems, fmt.Sprintf("step %d (%s): %v", i+1, st.Tool, err))
		}
	}
	if len(problems) > 0 {
		metrics.RecordPlanGenerated("invalid")
		perr := &InvalidPlanError{Problems: problems}
		e.recordGenerateFailure(ctx, in, s, start, "invalid_plan", perr)
		return domain.Plan{}, perr
	}

	now := e.stamp()
	p := domain.Plan{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		Title:       resp.Title,
		Description: resp.Description,
		Status:      "pending",
		Risks:       resp.Risks,
		CreatedAt:   now,
	}
	if resp.EstimatedDuration > 0 {
		p.EstimatedDuration = strconv.Itoa(resp.EstimatedDuration) + "m"
	}
	toolNames := make([]string, 0, len(proposed))
	for i, st := range proposed {
		params := st.Params
		if params == nil {
			params = map[string]any{}
		}
		desc := st.Description
		if desc == "" {
			desc = st.Title
		}
		p.Steps = append(p.Steps, domain.Step{
			ID:          uuid.NewString(),
			PlanID:      p.ID,
			Ordinal:     i,
			Tool:        st.Tool,
			Params:      params,
			Description: desc,
			Status:      "pending",
		})
		toolNames = append(toolNames, st.Tool)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	rec := e.recorder()
	if err := rec.Append(ctx, tx, audit.Entry{
		ActorID: in.ActorID, Action: "plan_generated", TargetType: "plan", TargetID: p.ID,
		Duration: e.now().Sub(start),
		Payload:  audit.Payload{"session_id": s.ID, "steps": len(p.Steps), "tools": toolNames},
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := rec.RecordAnalytics(ctx, tx, domain.AnalyticsRecord{
		UserID: in.ActorID, SessionID: s.ID, ProjectID: sessionProject(s),
		Action: "plan_generated", DurationMS: e.now().Sub(start).Milliseconds(),
		Success: true, ToolsUsed: toolNames, TokensUsed: resp.TokensUsed,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Repo.TouchSession(ctx, tx, s.ID, now); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	metrics.RecordPlanGenerated("success")
	e.logger().Infow("plan generated", "plan_id", p.ID, "session_id", s.ID, "steps", len(p.Steps))
	return p, nil
}

func (e Engine) recordGenerateFailure(ctx context.Context, in GenerateInput, s domain.Session, start time.Time, kind string, cause error) {
	rec := e.recorder()
	elapsed := e.now().Sub(start)
	entry := audit.Entry{ActorID: in.ActorID, Action: "plan_generated", TargetType: "session", TargetID: s.ID, Duration: elapsed, Payload: audit.Payload{"kind": kind}}
	if err := rec.LogFailure(ctx, nil, entry, cause); err != nil {
		e.logger().Warnw("audit write failed", "action", entry.Action, "err", err)
	}
	if err := rec.RecordAnalytics(ctx, nil, domain.AnalyticsRecord{
		UserID: in.ActorID, SessionID: s.ID, ProjectID: sessionProject(s),
		Action: "plan_generated", DurationMS: elapsed.Milliseconds(), ErrorType: kind,
	}); err != nil {
		e.logger().Warnw("analytics write failed", "err", err)
	}
}

func (e Engine) Approve(ctx context.Context, sessionID, planID, actorID string) (domain.Plan, error) {
	return e.decide(ctx, sessionID, planID, actorID, "approved")
}

func (e Engine) Reject(ctx context.Context, sessionID, planID, actorID string) (domain.Plan, error) {
	return e.decide(ctx, sessionID, planID, actorID, "rejected")
}

func (e Engine) Decide(ctx context.Context, sessionID, planID, actorID string, approved bool) (domain.Plan, error) {
	if approved {
		return e.Approve(ctx, sessionID, planID, actorID)
	}
	return e.Reject(ctx, sessionID, planID, actorID)
}

func (e Engine) decide(ctx context.Context, sessionID, planID, actorID, status string) (domain.Plan, error) {
	action := "approve"
	auditAction := "plan_approved"
	if status == "rejected" {
		action = "reject"
		auditAction = "plan_rejected"
	}
	if _, _, err := e.openSession(ctx, actorID, sessionID); err != nil {
		return domain.Plan{}, err
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DecidePlan(ctx, tx, sessionID, planID, status, actorID, now)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%s plan: %w", action, err)
	}
	if !ok {
		cur, err := e.Repo.GetPlan(ctx, tx, planID)
		if err != nil {
			return domain.Plan{}, fmt.Errorf("plan %s: %w", planID, err)
		}
		from := cur.Status
		if cur.SessionID != sessionID {
			from = "other-session"
		}
		return domain.Plan{}, &InvalidTransitionError{PlanID: planID, From: from, Action: action}
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: auditAction, TargetType: "plan", TargetID: planID, Payload: audit.Payload{"session_id": sessionID}}); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Repo.TouchSession(ctx, tx, sessionID, now); err != nil {
		return domain.Plan{}, err
	}
	p, err := e.Repo.GetPlan(ctx, tx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// StepPreview is the dry-run outcome of one step. Error carries schema, auth
// or tool failures so one bad step does not hide the rest.
type StepPreview struct {
	Ordinal     int            `json:"ordinal"`
	Tool        string         `json:"tool"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params"`
	Mode        string         `json:"mode"`
	Simulated   bool           `json:"simulated"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
}

// DryRun previews every step of a plan without persisting anything.
func (e Engine) DryRun(ctx context.Context, sessionID, planID, actorID string) ([]StepPreview, error) {
	s, owner, err := e.openSession(ctx, actorID, sessionID)
	if err != nil {
		return nil, err
	}
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}
	if p.SessionID != sessionID {
		return nil, &InvalidTransitionError{PlanID: planID, From: "other-session", Action: "dry-run"}
	}
	tc := e.toolContext(owner, sessionProject(s))
	out := make([]StepPreview, 0, len(p.Steps))
	for _, st := range p.Steps {
		pv := StepPreview{Ordinal: st.Ordinal, Tool: st.Tool, Description: st.Description, Params: st.Params}
		res, err := e.Tools.Preview(ctx, st.Tool, tc, st.Params)
		pv.Mode = res.Mode
		pv.Simulated = res.Simulated
		pv.Output = res.Output
		if pv.Mode == tools.ModeDescriptionOnly && pv.Output == nil {
			pv.Output = st.Description
		}
		if err != nil {
			pv.Error = err.Error()
			pv.ErrorKind = tools.Kind(err)
		}
		out = append(out, pv)
	}
	return out, nil
}

func (e Engine) ListPlans(ctx context.Context, actorID, sessionID string) ([]domain.Plan, error) {
	if _, _, err := e.accessSession(ctx, actorID, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListPlans(ctx, sessionID)
}

func (e Engine) GetPlan(ctx context.Context, actorID, planID string) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return p, err
	}
	if _, _, err := e.accessSession(ctx, actorID, p.SessionID); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

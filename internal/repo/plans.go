package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"opsagent/internal/domain"
)

const planColumns = `id,session_id,title,COALESCE(description,''),status,execution_status,COALESCE(estimated_duration,''),risks_json,created_at,decided_at,decided_by,executed_at`

func scanPlan(row interface{ Scan(...any) error }) (domain.Plan, error) {
	var p domain.Plan
	var risks, decidedAt, decidedBy, executedAt sql.NullString
	err := row.Scan(&p.ID, &p.SessionID, &p.Title, &p.Description, &p.Status, &p.ExecutionStatus, &p.EstimatedDuration,
		&risks, &p.CreatedAt, &decidedAt, &decidedBy, &executedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if risks.Valid && risks.String != "" {
		if err := json.Unmarshal([]byte(risks.String), &p.Risks); err != nil {
			return p, fmt.Errorf("decode plan risks: %w", err)
		}
	}
	p.DecidedAt = optionalString(decidedAt)
	p.DecidedBy = optionalString(decidedBy)
	p.ExecutedAt = optionalString(executedAt)
	return p, nil
}

const stepColumns = `id,plan_id,ordinal,tool,params_json,COALESCE(description,''),status,result_json,COALESCE(error,''),COALESCE(duration_ms,0),started_at,completed_at`

func scanStep(row interface{ Scan(...any) error }) (domain.Step, error) {
	var s domain.Step
	var params string
	var result, started, completed sql.NullString
	err := row.Scan(&s.ID, &s.PlanID, &s.Ordinal, &s.Tool, &params, &s.Description, &s.Status, &result, &s.Error, &s.DurationMS, &started, &completed)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(params), &s.Params); err != nil {
		return s, fmt.Errorf("decode step params: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &s.Result); err != nil {
			return s, fmt.Errorf("decode step result: %w", err)
		}
	}
	s.StartedAt = optionalString(started)
	s.CompletedAt = optionalString(completed)
	return s, nil
}

// InsertPlan writes the plan row and every step. Callers pass a transaction so
// a plan is never visible without its steps.
func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	risks, err := marshalJSON(p.Risks)
	if err != nil {
		return fmt.Errorf("encode plan risks: %w", err)
	}
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_plans(id,session_id,title,description,status,execution_status,estimated_duration,risks_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.Title, nullable(p.Description), p.Status, p.ExecutionStatus, nullable(p.EstimatedDuration), risks, p.CreatedAt); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	for _, s := range p.Steps {
		if err := r.InsertStep(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return fmt.Errorf("encode step params: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agent_steps(id,plan_id,ordinal,tool,params_json,description,status) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.PlanID, s.Ordinal, s.Tool, paramsJSON, nullable(s.Description), s.Status)
	if err != nil {
		return fmt.Errorf("insert step %d: %w", s.Ordinal, err)
	}
	return nil
}

// GetPlan loads a plan with its steps in ordinal order.
func (r Repo) GetPlan(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	p, err := scanPlan(r.q(tx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM agent_plans WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	steps, err := r.ListSteps(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Steps = steps
	return p, nil
}

func (r Repo) ListSteps(ctx context.Context, tx *sql.Tx, planID string) ([]domain.Step, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+stepColumns+` FROM agent_steps WHERE plan_id=? ORDER BY ordinal`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := []domain.Step{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListPlans returns a session's plans newest first, with steps.
func (r Repo) ListPlans(ctx context.Context, sessionID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM agent_plans WHERE session_id=? ORDER BY created_at DESC, rowid DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range plans {
		steps, err := r.ListSteps(ctx, nil, plans[i].ID)
		if err != nil {
			return nil, err
		}
		plans[i].Steps = steps
	}
	return plans, nil
}

// DecidePlan moves a pending plan to status. It reports false when the plan is
// not pending or belongs to another session.
func (r Repo) DecidePlan(ctx context.Context, tx *sql.Tx, sessionID, planID, status, decidedBy, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agent_plans SET status=?, decided_by=?, decided_at=? WHERE id=? AND session_id=? AND status='pending'`,
		status, decidedBy, ts, planID, sessionID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// LatestExecutablePlan returns the newest approved plan of a session that has
// not started executing.
func (r Repo) LatestExecutablePlan(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Plan, error) {
	p, err := scanPlan(r.q(tx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM agent_plans
WHERE session_id=? AND status='approved' AND execution_status=''
ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID))
	if err != nil {
		return p, err
	}
	steps, err := r.ListSteps(ctx, tx, p.ID)
	if err != nil {
		return p, err
	}
	p.Steps = steps
	return p, nil
}

// LatestPlanByExecution returns the newest plan of a session with the given
// execution status, used to report an in-flight execution.
func (r Repo) LatestPlanByExecution(ctx context.Context, sessionID, executionStatus string) (domain.Plan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM agent_plans
WHERE session_id=? AND execution_status=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID, executionStatus))
}

// ClaimPlanExecution flips an approved, unstarted plan to executing.
func (r Repo) ClaimPlanExecution(ctx context.Context, tx *sql.Tx, planID, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agent_plans SET execution_status='executing', executed_at=? WHERE id=? AND status='approved' AND execution_status=''`, ts, planID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

func (r Repo) FinishPlanExecution(ctx context.Context, tx *sql.Tx, planID, executionStatus string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE agent_plans SET execution_status=? WHERE id=? AND execution_status='executing'`, executionStatus, planID)
	return err
}

// UpdateStep persists the executor's annotations for one step.
func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	var result any
	if s.Result != nil {
		data, err := marshalJSON(s.Result)
		if err != nil {
			return fmt.Errorf("encode step result: %w", err)
		}
		result = data
	}
	_, err := r.q(tx).ExecContext(ctx, `UPDATE agent_steps SET status=?, result_json=?, error=?, duration_ms=?, started_at=?, completed_at=? WHERE id=?`,
		s.Status, result, nullable(s.Error), s.DurationMS, nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), s.ID)
	return err
}

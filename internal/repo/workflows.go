package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"opsagent/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	steps, err := marshalJSON(w.Steps)
	if err != nil {
		return fmt.Errorf("encode workflow steps: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO workflows(id,name,description,steps_json,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Description), steps, w.CreatedBy, w.CreatedAt)
	return err
}

func scanWorkflow(row interface{ Scan(...any) error }) (domain.Workflow, error) {
	var w domain.Workflow
	var steps string
	err := row.Scan(&w.ID, &w.Name, &w.Description, &steps, &w.CreatedBy, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
		return w, fmt.Errorf("decode workflow %s steps: %w", w.ID, err)
	}
	return w, nil
}

const workflowColumns = `id,name,COALESCE(description,''),steps_json,created_by,created_at`

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	return scanWorkflow(r.q(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const executionColumns = `id,workflow_id,current_step,status,context_json,wait_until,started_by,project_id,version,started_at,updated_at,completed_at`

func scanExecution(row interface{ Scan(...any) error }) (domain.WorkflowExecution, error) {
	var x domain.WorkflowExecution
	var ctxJSON string
	var waitUntil, project, completed sql.NullString
	err := row.Scan(&x.ID, &x.WorkflowID, &x.CurrentStep, &x.Status, &ctxJSON, &waitUntil, &x.StartedBy, &project, &x.Version, &x.StartedAt, &x.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.Context = domain.ExecutionContext{}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &x.Context); err != nil {
			return x, fmt.Errorf("decode execution %s context: %w", x.ID, err)
		}
	}
	x.WaitUntil = optionalString(waitUntil)
	x.ProjectID = optionalString(project)
	x.CompletedAt = optionalString(completed)
	return x, nil
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, x domain.WorkflowExecution) error {
	if x.Context == nil {
		x.Context = domain.ExecutionContext{}
	}
	ctxJSON, err := marshalJSON(x.Context)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO workflow_executions(id,workflow_id,current_step,status,context_json,wait_until,started_by,project_id,version,started_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		x.ID, x.WorkflowID, x.CurrentStep, x.Status, ctxJSON, nullableStringPtr(x.WaitUntil), x.StartedBy, nullableStringPtr(x.ProjectID),
		x.Version, x.StartedAt, x.UpdatedAt, nullableStringPtr(x.CompletedAt))
	return err
}

func (r Repo) GetExecution(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowExecution, error) {
	return scanExecution(r.q(tx).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id=?`, id))
}

type ExecutionFilters struct {
	WorkflowID string
	Statuses   []string
	Limit      int
}

// ListExecutions returns executions least recently updated first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.WorkflowExecution, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

// ClaimExecution bumps the version of an execution still at version and sets
// it running. A false result means another tick got there first.
func (r Repo) ClaimExecution(ctx context.Context, id string, version int64, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_executions SET version=version+1, status='running', wait_until=NULL, updated_at=?
WHERE id=? AND version=? AND status IN ('running','waiting')`, ts, id, version)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// CancelExecution marks a running or waiting execution cancelled and bumps
// its version so an in-flight claim cannot save over it.
func (r Repo) CancelExecution(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_executions SET version=version+1, status='cancelled', wait_until=NULL, updated_at=?, completed_at=?
WHERE id=? AND status IN ('running','waiting')`, ts, ts, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// SaveExecution writes the execution state guarded by its current version.
func (r Repo) SaveExecution(ctx context.Context, tx *sql.Tx, x domain.WorkflowExecution) error {
	ctxJSON, err := marshalJSON(x.Context)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_executions SET current_step=?, status=?, context_json=?, wait_until=?, updated_at=?, completed_at=?
WHERE id=? AND version=?`,
		x.CurrentStep, x.Status, ctxJSON, nullableStringPtr(x.WaitUntil), x.UpdatedAt, nullableStringPtr(x.CompletedAt), x.ID, x.Version)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return fmt.Errorf("execution %s version %d: %w", x.ID, x.Version, ErrNotFound)
	}
	return nil
}

func (r Repo) CountExecutions(ctx context.Context, statuses ...string) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_executions`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

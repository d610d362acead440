package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"opsagent/internal/domain"
)

const scheduledColumns = `id,name,schedule,next_run,last_run,status,metadata_json,created_by,created_at,updated_at`

func scanScheduledTask(row interface{ Scan(...any) error }) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var lastRun sql.NullString
	var meta string
	err := row.Scan(&t.ID, &t.Name, &t.Schedule, &t.NextRun, &lastRun, &t.Status, &meta, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return t, fmt.Errorf("decode scheduled task %s metadata: %w", t.ID, err)
	}
	t.LastRun = optionalString(lastRun)
	return t, nil
}

func (r Repo) InsertScheduledTask(ctx context.Context, tx *sql.Tx, t domain.ScheduledTask) error {
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO scheduled_tasks(id,name,schedule,next_run,last_run,status,metadata_json,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Schedule, t.NextRun, nullableStringPtr(t.LastRun), t.Status, meta, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetScheduledTask(ctx context.Context, tx *sql.Tx, id string) (domain.ScheduledTask, error) {
	return scanScheduledTask(r.q(tx).QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE id=?`, id))
}

func (r Repo) ListScheduledTasks(ctx context.Context, status string) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY next_run, id`
	return r.scheduledRows(ctx, query, args...)
}

// DueScheduledTasks returns active tasks with next_run <= now, oldest first.
func (r Repo) DueScheduledTasks(ctx context.Context, now string, limit int) ([]domain.ScheduledTask, error) {
	return r.scheduledRows(ctx, `SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE status='active' AND next_run <= ? ORDER BY next_run, id LIMIT ?`, now, limit)
}

func (r Repo) scheduledRows(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimScheduledTask advances next_run only if it still equals expectedNextRun,
// so concurrent ticks run a due task once.
func (r Repo) ClaimScheduledTask(ctx context.Context, id, expectedNextRun, lastRun, nextRun string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run=?, next_run=?, updated_at=? WHERE id=? AND next_run=? AND status='active'`,
		lastRun, nextRun, lastRun, id, expectedNextRun)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// SaveScheduledTaskOutcome records the status and metadata after a run.
func (r Repo) SaveScheduledTaskOutcome(ctx context.Context, tx *sql.Tx, id, status string, meta domain.TaskMetadata, ts string) error {
	data, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE scheduled_tasks SET status=?, metadata_json=?, updated_at=? WHERE id=?`, status, data, ts, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetScheduledTask reactivates a task and schedules it at nextRun.
func (r Repo) ResetScheduledTask(ctx context.Context, tx *sql.Tx, id string, meta domain.TaskMetadata, nextRun, ts string) error {
	data, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE scheduled_tasks SET status='active', metadata_json=?, next_run=?, updated_at=? WHERE id=?`, data, nextRun, ts, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCompletedScheduledTasks removes completed tasks last run before cutoff.
func (r Repo) DeleteCompletedScheduledTasks(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE status='completed' AND last_run IS NOT NULL AND last_run < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (r Repo) CountScheduledTasks(ctx context.Context, status, dueBefore string) (int, error) {
	query := `SELECT COUNT(*) FROM scheduled_tasks WHERE status=?`
	args := []any{status}
	if dueBefore != "" {
		query += ` AND next_run <= ?`
		args = append(args, dueBefore)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

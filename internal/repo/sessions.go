package repo

import (
	"context"
	"database/sql"

	"opsagent/internal/domain"
)

const sessionColumns = `id,user_id,project_id,status,created_at,last_activity_at`

func scanSession(row interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	var project sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &project, &s.Status, &s.CreatedAt, &s.LastActivityAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ProjectID = optionalString(project)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_sessions(id,user_id,project_id,status,created_at,last_activity_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.UserID, nullableStringPtr(s.ProjectID), s.Status, s.CreatedAt, s.LastActivityAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id=?`, id))
}

// ListSessions returns sessions owned by userID, newest first. An empty userID lists all.
func (r Repo) ListSessions(ctx context.Context, userID, status string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY last_activity_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TransitionSession moves a session from one status to another and reports
// whether the row matched.
func (r Repo) TransitionSession(ctx context.Context, tx *sql.Tx, id, from, to, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agent_sessions SET status=?, last_activity_at=? WHERE id=? AND status=?`, to, ts, id, from)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

func (r Repo) TouchSession(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE agent_sessions SET last_activity_at=? WHERE id=?`, ts, id)
	return err
}

// ExpireSessions marks active sessions idle since before cutoff as expired.
func (r Repo) ExpireSessions(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agent_sessions SET status='expired' WHERE status='active' AND last_activity_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

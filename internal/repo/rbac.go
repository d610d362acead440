package repo

import (
	"context"
	"database/sql"
)

// UserRole returns the role column of a user.
func (r Repo) UserRole(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	var role string
	err := r.q(tx).QueryRowContext(ctx, `SELECT role FROM users WHERE id=?`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) SetUserRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, userID)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UsersWithOpenTasks returns ids of users holding one of roles that have at
// least one task in todo, in-progress or blocked.
func (r Repo) UsersWithOpenTasks(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(roles))
	for _, role := range roles {
		args = append(args, role)
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT u.id FROM users u
JOIN tasks t ON t.assignee_id=u.id
WHERE u.role IN (`+placeholders(len(roles))+`) AND t.status IN ('todo','in-progress','blocked')
ORDER BY u.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountCompletedSince counts tasks assigned to userID completed at or after since.
func (r Repo) CountCompletedSince(ctx context.Context, userID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE assignee_id=? AND status='completed' AND completed_at >= ?`, userID, since).Scan(&n)
	return n, err
}

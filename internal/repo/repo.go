package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"opsagent/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when non-nil so reads inside a transaction see its writes.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Users

const userColumns = `id,name,email,role,COALESCE(slack_user_id,''),created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.SlackUserID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" || u.Email == "" {
		return errors.New("user id and email required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,role,slack_user_id,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, u.Email, u.Role, nullable(u.SlackUserID), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

type UserFilters struct {
	Roles []string
	Limit int
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if len(f.Roles) > 0 {
		query += ` WHERE role IN (` + placeholders(len(f.Roles)) + `)`
		for _, role := range f.Roles {
			args = append(args, role)
		}
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// Projects

const projectColumns = `id,title,client_name,status,COALESCE(notes,''),pm_id,slack_channel,drive_folder_id,start_date,target_delivery,created_at,updated_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var pm, slack, drive, target sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.ClientName, &p.Status, &p.Notes, &pm, &slack, &drive, &p.StartDate, &target, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.PMID = optionalString(pm)
	p.SlackChannel = optionalString(slack)
	p.DriveFolderID = optionalString(drive)
	p.TargetDelivery = optionalString(target)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,title,client_name,status,notes,pm_id,slack_channel,drive_folder_id,start_date,target_delivery,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.ClientName, p.Status, nullable(p.Notes), nullableStringPtr(p.PMID), nullableStringPtr(p.SlackChannel),
		nullableStringPtr(p.DriveFolderID), p.StartDate, nullableStringPtr(p.TargetDelivery), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	Status string
	PMID   string
	Limit  int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.PMID != "" {
		where = append(where, "pm_id=?")
		args = append(args, f.PMID)
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectPatch lists the mutable project fields; nil leaves a column unchanged.
type ProjectPatch struct {
	Status        *string
	Notes         *string
	SlackChannel  *string
	DriveFolderID *string
	UpdatedAt     string
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id string, patch ProjectPatch) error {
	var (
		fields []string
		args   []any
	)
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*patch.Notes))
	}
	if patch.SlackChannel != nil {
		fields = append(fields, "slack_channel=?")
		args = append(args, nullable(*patch.SlackChannel))
	}
	if patch.DriveFolderID != nil {
		fields = append(fields, "drive_folder_id=?")
		args = append(args, nullable(*patch.DriveFolderID))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, patch.UpdatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Tasks

const taskColumns = `id,project_id,title,COALESCE(description,''),status,priority,assignee_id,due_date,estimated_hours,created_at,updated_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var assignee, due, completed sql.NullString
	var hours sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &assignee, &due, &hours, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssigneeID = optionalString(assignee)
	t.DueDate = optionalString(due)
	t.CompletedAt = optionalString(completed)
	if hours.Valid {
		h := hours.Float64
		t.EstimatedHours = &h
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,assignee_id,due_date,estimated_hours,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, nullableStringPtr(t.AssigneeID),
		nullableStringPtr(t.DueDate), nullableFloatPtr(t.EstimatedHours), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ProjectID  string
	AssigneeID string
	Statuses   []string
	Priority   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AssigneeID != "" {
		where = append(where, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Priority != "" {
		where = append(where, "priority=?")
		args = append(args, f.Priority)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE WHEN due_date IS NULL THEN 1 ELSE 0 END, due_date, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskPatch lists the mutable task fields; nil leaves a column unchanged.
type TaskPatch struct {
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	AssigneeID     *string
	DueDate        *string
	EstimatedHours *float64
	CompletedAt    *string
	UpdatedAt      string
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, id string, patch TaskPatch) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	set("title", patch.Title)
	set("description", patch.Description)
	set("status", patch.Status)
	set("priority", patch.Priority)
	set("assignee_id", patch.AssigneeID)
	set("due_date", patch.DueDate)
	set("completed_at", patch.CompletedAt)
	if patch.EstimatedHours != nil {
		fields = append(fields, "estimated_hours=?")
		args = append(args, *patch.EstimatedHours)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, patch.UpdatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Updates

func (r Repo) InsertUpdate(ctx context.Context, tx *sql.Tx, u domain.Update) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO updates(id,project_id,author_id,content,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.ProjectID, u.AuthorID, u.Content, u.CreatedAt)
	return err
}

func (r Repo) ListUpdates(ctx context.Context, projectID string, limit int) ([]domain.Update, error) {
	query := `SELECT id,project_id,author_id,content,created_at FROM updates WHERE project_id=? ORDER BY created_at DESC, id`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Update
	for rows.Next() {
		var u domain.Update
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.AuthorID, &u.Content, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// Documents

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(id,project_id,title,content,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.ProjectID), d.Title, d.Content, d.CreatedBy, d.CreatedAt)
	return err
}

// ListDocuments returns documents scoped to projectID plus unscoped ones; an
// empty projectID returns everything.
func (r Repo) ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error) {
	query := `SELECT id,project_id,title,content,created_by,created_at FROM documents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=? OR project_id IS NULL`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var project sql.NullString
		if err := rows.Scan(&d.ID, &project, &d.Title, &d.Content, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.ProjectID = optionalString(project)
		res = append(res, d)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// queryModel maps a model name to its table and the columns that may be read
// or filtered.
type queryModel struct {
	table   string
	columns []string
}

var queryModels = map[string]queryModel{
	"project": {table: "projects", columns: []string{"id", "title", "client_name", "status", "pm_id", "slack_channel", "drive_folder_id", "start_date", "target_delivery", "created_at", "updated_at"}},
	"task":    {table: "tasks", columns: []string{"id", "project_id", "title", "status", "priority", "assignee_id", "due_date", "estimated_hours", "created_at", "updated_at", "completed_at"}},
	"user":    {table: "users", columns: []string{"id", "name", "email", "role", "created_at"}},
	"update":  {table: "updates", columns: []string{"id", "project_id", "author_id", "content", "created_at"}},
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

// ReadQuery is a structured read. Where holds equality filters only.
type ReadQuery struct {
	Model  string
	Method string
	Where  map[string]any
	Limit  int
}

// RunReadQuery executes a read the caller has already cleared through the
// operation gate. findMany returns []map[string]any, findFirst and
// findUnique a single map or nil, count an int.
func (r Repo) RunReadQuery(ctx context.Context, q ReadQuery) (any, error) {
	m, ok := queryModels[q.Model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", q.Model)
	}
	allowed := map[string]bool{}
	for _, c := range m.columns {
		allowed[c] = true
	}
	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		if !allowed[k] {
			return nil, fmt.Errorf("column %q is not queryable on %s", k, q.Model)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		where []string
		args  []any
	)
	for _, k := range keys {
		v := q.Where[k]
		switch v.(type) {
		case nil:
			where = append(where, k+" IS NULL")
			continue
		case string, bool, float64, int, int64:
		default:
			return nil, fmt.Errorf("filter %q must be a scalar", k)
		}
		where = append(where, k+"=?")
		args = append(args, v)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	switch q.Method {
	case "count":
		var n int
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+m.table+clause, args...).Scan(&n); err != nil {
			return nil, err
		}
		return n, nil
	case "findMany", "findFirst", "findUnique":
	default:
		return nil, fmt.Errorf("unsupported method %q", q.Method)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if q.Method != "findMany" {
		limit = 1
	}
	query := `SELECT ` + strings.Join(m.columns, ",") + ` FROM ` + m.table + clause + ` ORDER BY created_at DESC, id LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(m.columns))
		ptrs := make([]any, len(m.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(m.columns))
		for i, c := range m.columns {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Method == "findMany" {
		return out, nil
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

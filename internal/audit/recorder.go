package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsagent/internal/domain"
)

const (
	ActorUser      = "user"
	ActorScheduler = "scheduler"
	ActorSystem    = "system"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Actions that retention never prunes by default.
var MustRetain = []string{"plan_approved", "plan_rejected", "agent_execution"}

type Payload map[string]any

type Entry struct {
	ActorID    string
	ActorType  string
	Action     string
	TargetType string
	TargetID   string
	Status     string
	Duration   time.Duration
	TraceID    string
	Payload    Payload
}

// Recorder appends audit and analytics rows.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Recorder) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Append writes e inside tx, or directly when tx is nil.
func (r Recorder) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.Action == "" {
		return fmt.Errorf("audit action required")
	}
	if e.ActorType == "" {
		e.ActorType = ActorUser
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO audit_log(ts,actor_id,actor_type,action,target_type,target_id,status,duration_ms,trace_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, e.ActorID, e.ActorType, e.Action, e.TargetType, nullable(e.TargetID), e.Status, e.Duration.Milliseconds(), nullable(e.TraceID), string(data))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

func (r Recorder) LogSuccess(ctx context.Context, tx *sql.Tx, e Entry) error {
	e.Status = StatusSuccess
	return r.Append(ctx, tx, e)
}

// LogFailure records e as failed with cause stored under payload.error.
func (r Recorder) LogFailure(ctx context.Context, tx *sql.Tx, e Entry, cause error) error {
	e.Status = StatusFailure
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	if cause != nil {
		e.Payload["error"] = cause.Error()
	}
	return r.Append(ctx, tx, e)
}

// RecordAnalytics appends one analytics row; TS defaults to now.
func (r Recorder) RecordAnalytics(ctx context.Context, tx *sql.Tx, rec domain.AnalyticsRecord) error {
	if rec.TS == "" {
		rec.TS = r.now().UTC().Format(time.RFC3339)
	}
	var tools any
	if len(rec.ToolsUsed) > 0 {
		data, err := json.Marshal(rec.ToolsUsed)
		if err != nil {
			return fmt.Errorf("marshal tools used: %w", err)
		}
		tools = string(data)
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO agent_analytics(ts,user_id,session_id,project_id,action,duration_ms,success,tools_used_json,tokens_used,error_type,metadata_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.TS, rec.UserID, nullable(rec.SessionID), nullable(rec.ProjectID), rec.Action, rec.DurationMS, success, tools, rec.TokensUsed, nullable(rec.ErrorType), nullable(rec.Metadata))
	if err != nil {
		return fmt.Errorf("append analytics %s: %w", rec.Action, err)
	}
	return nil
}

// Prune deletes audit entries older than cutoff unless their action is in keep.
func (r Recorder) Prune(ctx context.Context, tx *sql.Tx, cutoff time.Time, keep []string) (int64, error) {
	query := `DELETE FROM audit_log WHERE ts < ?`
	args := []any{cutoff.UTC().Format(time.RFC3339)}
	if len(keep) > 0 {
		query += ` AND action NOT IN (`
		for i, a := range keep {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, a)
		}
		query += `)`
	}
	res, err := r.exec(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

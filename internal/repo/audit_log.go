package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"opsagent/internal/domain"
)

type AuditFilters struct {
	Action     string
	ActorID    string
	TargetType string
	TargetID   string
	Since      string
	Limit      int
}

// ListAuditEntries returns audit rows newest first.
func (r Repo) ListAuditEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.TargetType != "" {
		where = append(where, "target_type=?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		where = append(where, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Since != "" {
		where = append(where, "ts >= ?")
		args = append(args, f.Since)
	}
	query := `SELECT id,ts,actor_id,actor_type,action,target_type,COALESCE(target_id,''),status,COALESCE(duration_ms,0),COALESCE(trace_id,''),payload_json FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.ActorType, &e.Action, &e.TargetType, &e.TargetID, &e.Status, &e.DurationMS, &e.TraceID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type AnalyticsFilters struct {
	UserID    string
	ProjectID string
	Since     string
	Limit     int
}

// ListAnalytics returns analytics records newest first.
func (r Repo) ListAnalytics(ctx context.Context, f AnalyticsFilters) ([]domain.AnalyticsRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Since != "" {
		where = append(where, "ts >= ?")
		args = append(args, f.Since)
	}
	query := `SELECT id,ts,user_id,COALESCE(session_id,''),COALESCE(project_id,''),action,duration_ms,success,tools_used_json,COALESCE(tokens_used,0),COALESCE(error_type,''),COALESCE(metadata_json,'') FROM agent_analytics`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnalyticsRecord
	for rows.Next() {
		var a domain.AnalyticsRecord
		var success int
		var tools sql.NullString
		if err := rows.Scan(&a.ID, &a.TS, &a.UserID, &a.SessionID, &a.ProjectID, &a.Action, &a.DurationMS, &success, &tools, &a.TokensUsed, &a.ErrorType, &a.Metadata); err != nil {
			return nil, err
		}
		a.Success = success != 0
		if tools.Valid && tools.String != "" {
			if err := json.Unmarshal([]byte(tools.String), &a.ToolsUsed); err != nil {
				return nil, fmt.Errorf("decode analytics %d tools: %w", a.ID, err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

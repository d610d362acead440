// Package scheduler advances scheduled tasks and workflow executions. It has
// no timer of its own: every pass is one call to Tick, driven from outside.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"opsagent/internal/audit"
	"opsagent/internal/config"
	"opsagent/internal/engine/auth"
	"opsagent/internal/metrics"
	"opsagent/internal/notify"
	"opsagent/internal/repo"
	"opsagent/internal/tools"
)

// ActorID is recorded for everything the tick does on its own behalf.
const ActorID = "scheduler"

type Settings struct {
	BatchTasks     int
	BatchWorkflows int
	SummaryWindow  config.Window
	CleanupWindow  config.Window
	Retention      time.Duration
	SessionExpiry  time.Duration
	SummaryRoles   []string
	RetainActions  []string
	MaxFailures    int
	Location       *time.Location
}

// SettingsFrom parses the scheduler section of cfg.
func SettingsFrom(cfg config.Scheduler) (Settings, error) {
	s := Settings{
		BatchTasks:     cfg.BatchTasks,
		BatchWorkflows: cfg.BatchWorkflows,
		SummaryRoles:   cfg.SummaryRoles,
		RetainActions:  cfg.RetainActions,
		MaxFailures:    cfg.MaxFailures,
		Retention:      time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
	var err error
	if s.SummaryWindow, err = config.ParseWindow(cfg.SummaryWindow); err != nil {
		return s, fmt.Errorf("summary_window: %w", err)
	}
	if s.CleanupWindow, err = config.ParseWindow(cfg.CleanupWindow); err != nil {
		return s, fmt.Errorf("cleanup_window: %w", err)
	}
	if s.SessionExpiry, err = time.ParseDuration(cfg.SessionExpiry); err != nil {
		return s, fmt.Errorf("session_expiry: %w", err)
	}
	if s.Location, err = cfg.Location(); err != nil {
		return s, fmt.Errorf("timezone: %w", err)
	}
	if len(s.RetainActions) == 0 {
		s.RetainActions = audit.MustRetain
	}
	return s, nil
}

type Scheduler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Recorder
	Tools    *tools.Registry
	Auth     auth.Service
	Notifier notify.Notifier
	Settings Settings
	Log      *zap.SugaredLogger
	Now      func() time.Time

	tracer trace.Tracer
}

func New(db *sql.DB, cfg *config.Config, reg *tools.Registry, n notify.Notifier, log *zap.SugaredLogger) (*Scheduler, error) {
	settings, err := SettingsFrom(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Recorder{DB: db},
		Tools:    reg,
		Auth:     auth.New(cfg),
		Notifier: n,
		Settings: settings,
		Log:      log,
		Now:      time.Now,
		tracer:   otel.Tracer("opsagent/scheduler"),
	}, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) recorder() audit.Recorder {
	r := s.Audit
	if r.DB == nil {
		r.DB = s.DB
	}
	if r.Now == nil {
		r.Now = s.now
	}
	return r
}

func (s *Scheduler) logger() *zap.SugaredLogger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop().Sugar()
}

type CleanupResult struct {
	DeletedTasks    int64 `json:"deleted_tasks"`
	PrunedAudit     int64 `json:"pruned_audit"`
	ExpiredSessions int64 `json:"expired_sessions"`
}

// TickResult reports one pass. Errors holds per-item failures; a failure of
// the pass itself is returned as the error from Tick as well.
type TickResult struct {
	Success        bool           `json:"success"`
	Timestamp      string         `json:"timestamp"`
	Duration       time.Duration  `json:"-"`
	ScheduledTasks int            `json:"scheduled_tasks"`
	Workflows      int            `json:"workflows"`
	DailySummaries int            `json:"daily_summaries"`
	Cleanup        *CleanupResult `json:"cleanup,omitempty"`
	Errors         []string       `json:"errors"`
}

// Tick runs every phase once, in order. It is safe to call repeatedly and
// concurrently: each item is claimed with a conditional update before it runs.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	start := s.now()
	res := TickResult{Timestamp: start.UTC().Format(time.RFC3339), Errors: []string{}}
	err := s.tick(ctx, start, &res)
	res.Duration = s.now().Sub(start)
	res.Success = err == nil

	span.SetAttributes(
		attribute.Int("tick.scheduled_tasks", res.ScheduledTasks),
		attribute.Int("tick.workflows", res.Workflows),
		attribute.Int("tick.daily_summaries", res.DailySummaries),
	)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick failed")
		res.Errors = append(res.Errors, err.Error())
	}
	// One row per tick carries every per-item error text.
	entry := audit.Entry{
		ActorID: ActorID, ActorType: audit.ActorScheduler, TargetType: "scheduler",
		Duration: res.Duration,
		Payload: audit.Payload{
			"scheduled_tasks": res.ScheduledTasks,
			"workflows":       res.Workflows,
			"daily_summaries": res.DailySummaries,
			"errors":          res.Errors,
		},
	}
	if res.Cleanup != nil {
		entry.Payload["cleanup"] = res.Cleanup
	}
	var aerr error
	if err != nil {
		entry.Action = "tick_failed"
		aerr = s.recorder().LogFailure(ctx, nil, entry, err)
		s.logger().Errorw("scheduler tick failed", "err", err, "duration", res.Duration)
	} else {
		entry.Action = "tick_executed"
		aerr = s.recorder().LogSuccess(ctx, nil, entry)
		s.logger().Infow("scheduler tick", "scheduled_tasks", res.ScheduledTasks, "workflows", res.Workflows,
			"daily_summaries", res.DailySummaries, "errors", len(res.Errors), "duration", res.Duration)
	}
	if aerr != nil {
		s.logger().Warnw("audit write failed", "action", entry.Action, "err", aerr)
	}
	metrics.RecordTick(outcome, res.Duration, res.ScheduledTasks, res.Workflows, res.DailySummaries)
	return res, err
}

func (s *Scheduler) tick(ctx context.Context, now time.Time, res *TickResult) error {
	n, errs, err := s.runScheduledTasks(ctx, now)
	res.ScheduledTasks = n
	res.Errors = append(res.Errors, errs...)
	if err != nil {
		return fmt.Errorf("scheduled tasks: %w", err)
	}

	n, errs, err = s.runWorkflows(ctx, now)
	res.Workflows = n
	res.Errors = append(res.Errors, errs...)
	if err != nil {
		return fmt.Errorf("workflows: %w", err)
	}

	n, errs, err = s.sendDailySummaries(ctx, now)
	res.DailySummaries = n
	res.Errors = append(res.Errors, errs...)
	if err != nil {
		return fmt.Errorf("daily summaries: %w", err)
	}

	cleanup, err := s.cleanup(ctx, now)
	res.Cleanup = cleanup
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

type Stats struct {
	ActiveScheduledTasks int `json:"activeScheduledTasks"`
	ActiveWorkflows      int `json:"activeWorkflows"`
	PendingTasks         int `json:"pendingTasks"`
}

// Stats counts active work. PendingTasks are active scheduled tasks already due.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.ActiveScheduledTasks, err = s.Repo.CountScheduledTasks(ctx, "active", ""); err != nil {
		return st, err
	}
	if st.ActiveWorkflows, err = s.Repo.CountExecutions(ctx, "running", "waiting"); err != nil {
		return st, err
	}
	if st.PendingTasks, err = s.Repo.CountScheduledTasks(ctx, "active", s.now().UTC().Format(time.RFC3339)); err != nil {
		return st, err
	}
	return st, nil
}

// roleContext builds the tool context for userID with the scopes of its role.
// Unknown users get an empty grant, which fails any scoped tool.
func (s *Scheduler) roleContext(ctx context.Context, userID, projectID, traceID string) tools.Context {
	tc := tools.Context{UserID: userID, ProjectID: projectID, TraceID: traceID, Permissions: []string{}}
	role, err := s.Repo.UserRole(ctx, nil, userID)
	if err != nil {
		return tc
	}
	if scopes := s.Auth.Scopes(role); scopes != nil {
		tc.Permissions = scopes
	}
	return tc
}

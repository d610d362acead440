package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/repo"
)

const (
	actionSummarySent     = "daily_summary_sent"
	actionCleanupComplete = "cleanup_completed"
)

func (s *Scheduler) location() *time.Location {
	if s.Settings.Location != nil {
		return s.Settings.Location
	}
	return time.Local
}

// daySlot names the local calendar day of now; each daily job claims it once.
func (s *Scheduler) daySlot(now time.Time) string {
	return now.In(s.location()).Format(time.DateOnly)
}

// claimDay takes the job's slot for today. Overlapping ticks race on the
// insert and only the winner proceeds.
func (s *Scheduler) claimDay(ctx context.Context, tx *sql.Tx, job string, now time.Time) (bool, error) {
	ok, err := s.Repo.ClaimSlot(ctx, tx, job, s.daySlot(now), now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("claim %s slot: %w", job, err)
	}
	return ok, nil
}

func (s *Scheduler) sendDailySummaries(ctx context.Context, now time.Time) (int, []string, error) {
	local := now.In(s.location())
	if !s.Settings.SummaryWindow.Contains(local) || s.Notifier == nil {
		return 0, nil, nil
	}
	// At most once per day: a crash after the claim skips the day rather
	// than risk a second delivery.
	won, err := s.claimDay(ctx, nil, actionSummarySent, now)
	if err != nil || !won {
		return 0, nil, err
	}
	userIDs, err := s.Repo.UsersWithOpenTasks(ctx, s.Settings.SummaryRoles)
	if err != nil {
		return 0, nil, err
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	titles := map[string]string{}
	var (
		count int
		errs  []string
	)
	for _, id := range userIDs {
		u, err := s.Repo.GetUser(ctx, nil, id)
		if err != nil {
			errs = append(errs, fmt.Sprintf("summary for %s: %v", id, err))
			continue
		}
		summary, err := s.buildSummary(ctx, id, midnight, titles)
		if err != nil {
			errs = append(errs, fmt.Sprintf("summary for %s: %v", id, err))
			continue
		}
		if err := s.Notifier.SendDailySummary(ctx, u, summary); err != nil {
			errs = append(errs, fmt.Sprintf("send summary to %s: %v", id, err))
			continue
		}
		count++
	}
	if err := s.recorder().LogSuccess(ctx, nil, audit.Entry{
		ActorID: ActorID, ActorType: audit.ActorScheduler, Action: actionSummarySent, TargetType: "scheduler",
		Payload: audit.Payload{"count": count, "errors": errs, "slot": s.daySlot(now)},
	}); err != nil {
		return count, errs, err
	}
	return count, errs, nil
}

func (s *Scheduler) buildSummary(ctx context.Context, userID string, since time.Time, titles map[string]string) (domain.DailySummary, error) {
	tasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{AssigneeID: userID, Statuses: []string{"todo", "in-progress", "blocked"}})
	if err != nil {
		return domain.DailySummary{}, err
	}
	out := domain.DailySummary{UserID: userID, Tasks: []domain.SummaryTask{}, BlockedTasks: []domain.SummaryTask{}}
	for _, t := range tasks {
		title, ok := titles[t.ProjectID]
		if !ok {
			if p, err := s.Repo.GetProject(ctx, nil, t.ProjectID); err == nil {
				title = p.Title
			}
			titles[t.ProjectID] = title
		}
		st := domain.SummaryTask{ID: t.ID, Title: t.Title, Status: t.Status, ProjectTitle: title, DueDate: t.DueDate}
		if t.Status == "blocked" {
			out.BlockedTasks = append(out.BlockedTasks, st)
			continue
		}
		out.Tasks = append(out.Tasks, st)
		if t.Status == "in-progress" {
			out.InProgress++
		}
	}
	out.CompletedToday, err = s.Repo.CountCompletedSince(ctx, userID, since.UTC().Format(time.RFC3339))
	return out, err
}

func (s *Scheduler) cleanup(ctx context.Context, now time.Time) (*CleanupResult, error) {
	if !s.Settings.CleanupWindow.Contains(now.In(s.location())) {
		return nil, nil
	}
	retention := s.Settings.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	expiry := s.Settings.SessionExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	cutoff := now.Add(-retention)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	// The claim commits with the cleanup, so a failed pass is retried.
	if won, err := s.claimDay(ctx, tx, actionCleanupComplete, now); err != nil || !won {
		return nil, err
	}
	var res CleanupResult
	if res.DeletedTasks, err = s.Repo.DeleteCompletedScheduledTasks(ctx, tx, cutoff.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("delete scheduled tasks: %w", err)
	}
	if res.PrunedAudit, err = s.recorder().Prune(ctx, tx, cutoff, s.Settings.RetainActions); err != nil {
		return nil, err
	}
	if _, err = s.Repo.PruneSlots(ctx, tx, cutoff.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("prune slots: %w", err)
	}
	if res.ExpiredSessions, err = s.Repo.ExpireSessions(ctx, tx, now.Add(-expiry).UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	if err := s.recorder().LogSuccess(ctx, tx, audit.Entry{
		ActorID: ActorID, ActorType: audit.ActorScheduler, Action: actionCleanupComplete, TargetType: "scheduler",
		Payload: audit.Payload{
			"deleted_tasks":    res.DeletedTasks,
			"pruned_audit":     res.PrunedAudit,
			"expired_sessions": res.ExpiredSessions,
		},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger().Infow("cleanup completed", "deleted_tasks", res.DeletedTasks, "pruned_audit", res.PrunedAudit, "expired_sessions", res.ExpiredSessions)
	return &res, nil
}

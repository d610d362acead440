// Package monitoring derives project health and anomalies from tasks and the
// agent analytics table.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"opsagent/internal/domain"
	"opsagent/internal/repo"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	lookback      = 30 * 24 * time.Hour
	minHistory    = 10
	recentWindow  = 5
	failureRepeat = 3
)

type Anomaly struct {
	Type        string         `json:"type"`
	Severity    string         `json:"severity" enum:"info,warning,critical"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

type HealthMetrics struct {
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	BlockedTasks   int     `json:"blocked_tasks"`
	OverdueTasks   int     `json:"overdue_tasks"`
	CompletionRate float64 `json:"completion_rate"`
}

type Health struct {
	ProjectID string        `json:"project_id"`
	Score     int           `json:"score"`
	Status    string        `json:"status" enum:"green,yellow,red"`
	Metrics   HealthMetrics `json:"metrics"`
	Issues    []string      `json:"issues"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type Summary struct {
	Total             int            `json:"total"`
	SuccessRate       float64        `json:"success_rate"`
	AverageDurationMS float64        `json:"average_duration_ms"`
	TotalTokens       int            `json:"total_tokens"`
	TopActions        []ActionCount  `json:"top_actions"`
	ErrorTypes        map[string]int `json:"error_types"`
}

type Monitor struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// DetectAnomalies checks the five newest analytics records of a project
// against its last 30 days. Fewer than ten records yield nothing.
func (m Monitor) DetectAnomalies(ctx context.Context, projectID string) ([]Anomaly, error) {
	if _, err := m.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	recs, err := m.Repo.ListAnalytics(ctx, repo.AnalyticsFilters{
		ProjectID: projectID,
		Since:     m.now().Add(-lookback).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return Anomalies(recs), nil
}

// Anomalies applies the detection rules to recs, newest first.
func Anomalies(recs []domain.AnalyticsRecord) []Anomaly {
	out := []Anomaly{}
	if len(recs) < minHistory {
		return out
	}
	var durSum, tokSum float64
	for _, r := range recs {
		durSum += float64(r.DurationMS)
		tokSum += float64(r.TokensUsed)
	}
	avgDur := durSum / float64(len(recs))
	avgTok := tokSum / float64(len(recs))

	recent := recs[:recentWindow]
	failures := map[string]int{}
	for _, r := range recent {
		if avgDur > 0 && float64(r.DurationMS) > 2*avgDur {
			out = append(out, Anomaly{
				Type: "performance", Severity: SeverityWarning, Title: "Slow Operation Detected",
				Description: fmt.Sprintf("%s took %dms, more than twice the %.0fms average", r.Action, r.DurationMS, avgDur),
				Data:        map[string]any{"action": r.Action, "duration_ms": r.DurationMS, "average_ms": avgDur},
			})
		}
		if avgTok > 0 && float64(r.TokensUsed) > 2*avgTok {
			out = append(out, Anomaly{
				Type: "cost", Severity: SeverityInfo, Title: "High Token Usage",
				Description: fmt.Sprintf("%s used %d tokens, more than twice the %.0f average", r.Action, r.TokensUsed, avgTok),
				Data:        map[string]any{"action": r.Action, "tokens_used": r.TokensUsed, "average_tokens": avgTok},
			})
		}
		if !r.Success {
			failures[r.Action]++
		}
	}
	actions := make([]string, 0, len(failures))
	for a := range failures {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		if failures[a] >= failureRepeat {
			out = append(out, Anomaly{
				Type: "reliability", Severity: SeverityCritical, Title: "Repeated Failures",
				Description: fmt.Sprintf("%s failed %d times in the last %d operations", a, failures[a], recentWindow),
				Data:        map[string]any{"action": a, "failures": failures[a]},
			})
		}
	}
	return out
}

// ProjectHealth scores a project from its tasks.
func (m Monitor) ProjectHealth(ctx context.Context, projectID string) (Health, error) {
	if _, err := m.Repo.GetProject(ctx, nil, projectID); err != nil {
		return Health{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	tasks, err := m.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return Health{}, err
	}
	h := Score(tasks, m.now())
	h.ProjectID = projectID
	return h, nil
}

// Score computes health: 100, minus 10 per blocked task, minus 20 when more
// than 20% of dated tasks are overdue, minus 20 when under 30% are completed.
func Score(tasks []domain.Task, now time.Time) Health {
	h := Health{Issues: []string{}}
	dated := 0
	for _, t := range tasks {
		h.Metrics.TotalTasks++
		switch t.Status {
		case "completed":
			h.Metrics.CompletedTasks++
		case "blocked":
			h.Metrics.BlockedTasks++
		}
		if t.DueDate != nil {
			dated++
			if isOverdue(t, now) {
				h.Metrics.OverdueTasks++
			}
		}
	}
	score := 100 - 10*h.Metrics.BlockedTasks
	if h.Metrics.BlockedTasks > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d blocked tasks", h.Metrics.BlockedTasks))
	}
	if dated > 0 && float64(h.Metrics.OverdueTasks)/float64(dated) > 0.2 {
		score -= 20
		h.Issues = append(h.Issues, fmt.Sprintf("%d of %d dated tasks overdue", h.Metrics.OverdueTasks, dated))
	}
	if h.Metrics.TotalTasks > 0 {
		h.Metrics.CompletionRate = float64(h.Metrics.CompletedTasks) / float64(h.Metrics.TotalTasks)
		if h.Metrics.CompletionRate < 0.3 {
			score -= 20
			h.Issues = append(h.Issues, fmt.Sprintf("completion rate %.0f%%", h.Metrics.CompletionRate*100))
		}
	}
	if score < 0 {
		score = 0
	}
	h.Score = score
	switch {
	case score >= 80:
		h.Status = "green"
	case score >= 50:
		h.Status = "yellow"
	default:
		h.Status = "red"
	}
	return h
}

func isOverdue(t domain.Task, now time.Time) bool {
	if t.DueDate == nil || t.Status == "completed" {
		return false
	}
	due, err := time.Parse(time.RFC3339, *t.DueDate)
	return err == nil && due.Before(now)
}

// OverdueTasks lists open tasks past their due date, optionally for one project.
func (m Monitor) OverdueTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	tasks, err := m.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Statuses: []string{"todo", "in-progress", "blocked"}})
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := []domain.Task{}
	for _, t := range tasks {
		if isOverdue(t, now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AnalyticsSummary aggregates analytics since the given time, optionally
// narrowed to a user or a project.
func (m Monitor) AnalyticsSummary(ctx context.Context, f repo.AnalyticsFilters) (Summary, error) {
	recs, err := m.Repo.ListAnalytics(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(recs), nil
}

func Summarize(recs []domain.AnalyticsRecord) Summary {
	s := Summary{Total: len(recs), TopActions: []ActionCount{}, ErrorTypes: map[string]int{}}
	if len(recs) == 0 {
		return s
	}
	var ok int
	var dur int64
	counts := map[string]int{}
	for _, r := range recs {
		if r.Success {
			ok++
		}
		dur += r.DurationMS
		s.TotalTokens += r.TokensUsed
		counts[r.Action]++
		if r.ErrorType != "" {
			s.ErrorTypes[r.ErrorType]++
		}
	}
	s.SuccessRate = float64(ok) / float64(len(recs))
	s.AverageDurationMS = float64(dur) / float64(len(recs))
	for a, n := range counts {
		s.TopActions = append(s.TopActions, ActionCount{Action: a, Count: n})
	}
	sort.Slice(s.TopActions, func(i, j int) bool {
		if s.TopActions[i].Count != s.TopActions[j].Count {
			return s.TopActions[i].Count > s.TopActions[j].Count
		}
		return s.TopActions[i].Action < s.TopActions[j].Action
	})
	if len(s.TopActions) > 5 {
		s.TopActions = s.TopActions[:5]
	}
	return s
}

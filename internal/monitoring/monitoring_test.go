package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/db"
	"opsagent/internal/domain"
	"opsagent/internal/migrate"
	"opsagent/internal/repo"
)

func history(n int, dur int64, tokens int) []domain.AnalyticsRecord {
	recs := make([]domain.AnalyticsRecord, n)
	for i := range recs {
		recs[i] = domain.AnalyticsRecord{Action: "plan_generated", DurationMS: dur, TokensUsed: tokens, Success: true}
	}
	return recs
}

func titles(as []Anomaly) []string {
	out := []string{}
	for _, a := range as {
		out = append(out, a.Title)
	}
	return out
}

func TestAnomaliesNeedHistory(t *testing.T) {
	recs := history(9, 100, 10)
	recs[0].DurationMS = 10_000
	assert.Empty(t, Anomalies(recs))
}

func TestAnomaliesThresholds(t *testing.T) {
	recs := history(12, 100, 100)
	recs[0].DurationMS = 1000
	recs[1].TokensUsed = 2000
	assert.Equal(t, []string{"Slow Operation Detected", "High Token Usage"}, titles(Anomalies(recs)))

	recs = history(12, 100, 100)
	recs[10].DurationMS = 5000
	assert.Empty(t, Anomalies(recs), "only the five newest records are checked")
}

func TestAnomaliesRepeatedFailures(t *testing.T) {
	recs := history(10, 100, 0)
	for i := 0; i < 3; i++ {
		recs[i].Action = "agent_execution"
		recs[i].Success = false
	}
	got := Anomalies(recs)
	require.Len(t, got, 1)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.Equal(t, "agent_execution", got[0].Data["action"])

	recs[2].Action = "plan_generated"
	assert.Empty(t, Anomalies(recs), "two failures of one action are not repeated")
}

func TestScore(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour).Format(time.RFC3339)
	future := now.Add(48 * time.Hour).Format(time.RFC3339)
	task := func(status string, due *string) domain.Task {
		return domain.Task{Status: status, DueDate: due}
	}

	h := Score(nil, now)
	assert.Equal(t, 100, h.Score)
	assert.Equal(t, "green", h.Status)

	h = Score([]domain.Task{
		task("completed", &past), task("completed", nil), task("todo", &future), task("in-progress", nil),
	}, now)
	assert.Equal(t, 100, h.Score)
	assert.Zero(t, h.Metrics.OverdueTasks)

	h = Score([]domain.Task{
		task("blocked", nil), task("todo", &past), task("todo", &future), task("todo", nil),
	}, now)
	assert.Equal(t, 50, h.Score, "blocked -10, overdue -20, completion -20")
	assert.Equal(t, "yellow", h.Status)
	assert.Equal(t, 1, h.Metrics.OverdueTasks)
	assert.Len(t, h.Issues, 3)

	blocked := make([]domain.Task, 12)
	for i := range blocked {
		blocked[i] = task("blocked", nil)
	}
	h = Score(blocked, now)
	assert.Equal(t, 0, h.Score)
	assert.Equal(t, "red", h.Status)
}

func TestSummarize(t *testing.T) {
	recs := []domain.AnalyticsRecord{
		{Action: "a", DurationMS: 100, Success: true, TokensUsed: 10},
		{Action: "a", DurationMS: 300, Success: false, ErrorType: "execution"},
		{Action: "b", DurationMS: 200, Success: true, TokensUsed: 5},
		{Action: "c"}, {Action: "d"}, {Action: "e"}, {Action: "f"},
	}
	s := Summarize(recs)
	assert.Equal(t, 7, s.Total)
	assert.InDelta(t, 2.0/7.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 600.0/7.0, s.AverageDurationMS, 1e-9)
	assert.Equal(t, 15, s.TotalTokens)
	require.Len(t, s.TopActions, 5)
	assert.Equal(t, ActionCount{Action: "a", Count: 2}, s.TopActions[0])
	assert.Equal(t, map[string]int{"execution": 1}, s.ErrorTypes)
}

func TestMonitorAgainstDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p1", Title: "Web", ClientName: "Acme", Status: "active", StartDate: ts, CreatedAt: ts, UpdatedAt: ts}))
	due := now.Add(-time.Hour).Format(time.RFC3339)
	require.NoError(t, r.InsertTask(ctx, nil, domain.Task{ID: "t1", ProjectID: "p1", Title: "late", Status: "todo", Priority: "high", DueDate: &due, CreatedAt: ts, UpdatedAt: ts}))

	m := Monitor{Repo: r, Now: func() time.Time { return now }}
	over, err := m.OverdueTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.Equal(t, "t1", over[0].ID)

	h, err := m.ProjectHealth(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 60, h.Score)
	assert.Equal(t, "p1", h.ProjectID)

	_, err = m.ProjectHealth(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	as, err := m.DetectAnomalies(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, as)
}

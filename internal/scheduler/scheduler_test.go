package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/config"
	"opsagent/internal/db"
	"opsagent/internal/domain"
	"opsagent/internal/engine/auth"
	"opsagent/internal/migrate"
	"opsagent/internal/repo"
	"opsagent/internal/scheduler"
	"opsagent/internal/tools"
)

type recordingNotifier struct {
	mu        sync.Mutex
	summaries map[string]domain.DailySummary
	delivered int
	delay     time.Duration
}

func (n *recordingNotifier) SendDM(ctx context.Context, email, text string) error        { return nil }
func (n *recordingNotifier) SendChannel(ctx context.Context, channel, text string) error { return nil }
func (n *recordingNotifier) SendDailySummary(ctx context.Context, u domain.User, s domain.DailySummary) error {
	time.Sleep(n.delay)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.summaries == nil {
		n.summaries = map[string]domain.DailySummary{}
	}
	n.summaries[u.ID] = s
	n.delivered++
	return nil
}

type fixture struct {
	S        *scheduler.Scheduler
	Repo     repo.Repo
	Notifier *recordingNotifier
	ctx      context.Context
	now      time.Time
}

// newFixture opens a migrated workspace with an admin, a developer and one
// project. The clock starts at 2024-03-04 12:00 UTC, outside both windows.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	f := &fixture{
		Repo:     repo.Repo{DB: conn},
		Notifier: &recordingNotifier{},
		ctx:      context.Background(),
		now:      time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	reg := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{Repo: f.Repo, Now: clock}))

	cfg := config.Default()
	cfg.Scheduler.Timezone = "UTC"
	f.S, err = scheduler.New(conn, cfg, reg, f.Notifier, nil)
	require.NoError(t, err)
	f.S.Now = clock

	ts := f.now.Format(time.RFC3339)
	for _, u := range []domain.User{
		{ID: "admin1", Name: "Ada", Email: "ada@example.com", Role: "admin", CreatedAt: ts},
		{ID: "dev1", Name: "Dee", Email: "dee@example.com", Role: "developer", CreatedAt: ts},
	} {
		require.NoError(t, f.Repo.InsertUser(f.ctx, nil, u))
	}
	require.NoError(t, f.Repo.InsertProject(f.ctx, nil, domain.Project{
		ID: "p1", Title: "Website", ClientName: "Acme", Status: "active",
		StartDate: ts, CreatedAt: ts, UpdatedAt: ts,
	}))
	return f
}

func (f *fixture) insertTask(t *testing.T, schedule string, meta domain.TaskMetadata) domain.ScheduledTask {
	t.Helper()
	ts := f.now.Format(time.RFC3339)
	st := domain.ScheduledTask{
		ID: "st-" + meta.Tool, Name: "nightly " + meta.Tool, Schedule: schedule,
		NextRun: f.now.Add(-time.Hour).Format(time.RFC3339), Status: "active",
		Metadata: meta, CreatedBy: "admin1", CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, f.Repo.InsertScheduledTask(f.ctx, nil, st))
	return st
}

func (f *fixture) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := f.Repo.ListAuditEntries(f.ctx, repo.AuditFilters{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func TestDailyTaskAdvancesFromNow(t *testing.T) {
	f := newFixture(t)
	st := f.insertTask(t, "daily", domain.TaskMetadata{Tool: "get_projects", Params: map[string]any{}})

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ScheduledTasks)
	assert.Empty(t, res.Errors)

	got, err := f.Repo.GetScheduledTask(f.ctx, nil, st.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, f.now.Format(time.RFC3339), *got.LastRun)
	assert.Equal(t, f.now.Add(24*time.Hour).Format(time.RFC3339), got.NextRun)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, 1, f.auditCount(t, "scheduled_task_executed"))
	assert.Equal(t, 1, f.auditCount(t, "tick_executed"))
}

func TestTaskFailsAfterThreeAttempts(t *testing.T) {
	f := newFixture(t)
	st := f.insertTask(t, "hourly", domain.TaskMetadata{
		Tool:   "create_task",
		Params: map[string]any{"project_id": "missing", "title": "never"},
	})

	for i := 1; i <= 3; i++ {
		res, err := f.S.Tick(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.ScheduledTasks, "tick %d", i)
		assert.Len(t, res.Errors, 1, "tick %d", i)
		f.now = f.now.Add(2 * time.Hour)
	}
	got, err := f.Repo.GetScheduledTask(f.ctx, nil, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, 3, got.Metadata.FailureCount)
	assert.NotEmpty(t, got.Metadata.LastError)

	ticks, err := f.Repo.ListAuditEntries(f.ctx, repo.AuditFilters{Action: "tick_executed"})
	require.NoError(t, err)
	require.NotEmpty(t, ticks)
	assert.Contains(t, ticks[0].Payload, "scheduled task st-create_task")

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ScheduledTasks)
	assert.Equal(t, 3, f.auditCount(t, "scheduled_task_failed"))

	reset, err := f.S.ResetScheduledTask(f.ctx, st.ID, "admin1")
	require.NoError(t, err)
	assert.Equal(t, "active", reset.Status)
	assert.Zero(t, reset.Metadata.FailureCount)

	_, err = f.S.ResetScheduledTask(f.ctx, st.ID, "admin1")
	assert.ErrorIs(t, err, scheduler.ErrNotFailed)
}

func TestTaskSuccessClearsFailures(t *testing.T) {
	f := newFixture(t)
	st := f.insertTask(t, "hourly", domain.TaskMetadata{Tool: "get_tasks", Params: map[string]any{}, FailureCount: 2, LastError: "boom"})

	_, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	got, err := f.Repo.GetScheduledTask(f.ctx, nil, st.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Metadata.FailureCount)
	assert.Empty(t, got.Metadata.LastError)
}

func TestWorkflowAdvancesOneStepPerTick(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name: "report",
		Steps: []domain.WorkflowStep{
			{Name: "projects", Tool: "get_projects", Params: map[string]any{}},
			{Name: "tasks", Tool: "get_tasks", Params: map[string]any{"project_id": "p1"}},
		},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "p1", nil)
	require.NoError(t, err)

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Workflows)
	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "running", got.Status)
	assert.Contains(t, got.Context, "step_0_result")
	assert.Nil(t, got.CompletedAt)

	_, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	got, err = f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Context, "step_1_result")

	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Workflows)
}

func TestWorkflowWaitAndFailure(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name: "nudge",
		Steps: []domain.WorkflowStep{
			{Name: "pause", WaitMinutes: 30},
			{Name: "bad", Tool: "create_task", Params: map[string]any{"project_id": "missing", "title": "x"}},
		},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", nil)
	require.NoError(t, err)

	_, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", got.Status)
	require.NotNil(t, got.WaitUntil)
	assert.Equal(t, f.now.Add(30*time.Minute).Format(time.RFC3339), *got.WaitUntil)

	f.now = f.now.Add(10 * time.Minute)
	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Workflows)

	f.now = f.now.Add(25 * time.Minute)
	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Workflows)
	got, err = f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Context, "step_1_error")

	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Workflows)
}

func TestWorkflowStepsUseStarterRole(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "announce",
		Steps: []domain.WorkflowStep{{Tool: "slack_send_channel", Params: map[string]any{"channel": "#general", "message": "hi"}}},
	}, "dev1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "dev1", "", nil)
	require.NoError(t, err)

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
}

func TestConcurrentTicksRunTaskOnce(t *testing.T) {
	f := newFixture(t)
	f.insertTask(t, "daily", domain.TaskMetadata{Tool: "get_projects", Params: map[string]any{}})

	var wg sync.WaitGroup
	results := make([]scheduler.TickResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.S.Tick(f.ctx)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, results[0].ScheduledTasks+results[1].ScheduledTasks)
	assert.Equal(t, 1, f.auditCount(t, "scheduled_task_executed"))
	assert.Equal(t, 2, f.auditCount(t, "tick_executed"))
}

func TestStaleWorkflowClaimIsRejected(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "one",
		Steps: []domain.WorkflowStep{{Tool: "get_projects", Params: map[string]any{}}, {Tool: "get_projects", Params: map[string]any{}}},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", nil)
	require.NoError(t, err)

	_, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	ok, err := f.Repo.ClaimExecution(f.ctx, x.ID, x.Version, f.now.Format(time.RFC3339))
	require.NoError(t, err)
	assert.False(t, ok, "a claim at the pre-tick version must lose")

	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestDailySummaryOncePerWindow(t *testing.T) {
	f := newFixture(t)
	ts := f.now.Format(time.RFC3339)
	dev := "dev1"
	for i, status := range []string{"todo", "in-progress", "blocked", "completed"} {
		task := domain.Task{
			ID: "t" + string(rune('a'+i)), ProjectID: "p1", Title: status + " task", Status: status,
			Priority: "medium", AssigneeID: &dev, CreatedAt: ts, UpdatedAt: ts,
		}
		if status == "completed" {
			done := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC).Format(time.RFC3339)
			task.CompletedAt = &done
		}
		require.NoError(t, f.Repo.InsertTask(f.ctx, nil, task))
	}

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DailySummaries, "outside the window")

	f.now = time.Date(2024, 3, 5, 9, 2, 0, 0, time.UTC)
	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DailySummaries)
	s := f.Notifier.summaries["dev1"]
	assert.Len(t, s.Tasks, 2)
	assert.Len(t, s.BlockedTasks, 1)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 1, s.CompletedToday)
	assert.Equal(t, "Website", s.Tasks[0].ProjectTitle)

	f.now = f.now.Add(time.Minute)
	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DailySummaries)
	assert.Equal(t, 1, f.auditCount(t, "daily_summary_sent"))
}

func TestCleanupPrunesOldState(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-40 * 24 * time.Hour).Format(time.RFC3339)
	recent := f.now.Add(-time.Hour).Format(time.RFC3339)
	for id, lastRun := range map[string]string{"done-old": old, "done-new": recent} {
		lr := lastRun
		require.NoError(t, f.Repo.InsertScheduledTask(f.ctx, nil, domain.ScheduledTask{
			ID: id, Name: id, Schedule: "daily", NextRun: f.now.Add(24 * time.Hour).Format(time.RFC3339),
			LastRun: &lr, Status: "completed", Metadata: domain.TaskMetadata{Tool: "get_projects"},
			CreatedBy: "admin1", CreatedAt: old, UpdatedAt: old,
		}))
	}
	require.NoError(t, f.Repo.InsertSession(f.ctx, nil, domain.Session{
		ID: "s-idle", UserID: "dev1", Status: "active", CreatedAt: old, LastActivityAt: old,
	}))
	_, err := f.Repo.DB.ExecContext(f.ctx, `INSERT INTO audit_log(ts,actor_id,actor_type,action,target_type,status,duration_ms,payload_json) VALUES
(?,?,?,?,?,?,?,?), (?,?,?,?,?,?,?,?)`,
		old, "dev1", "user", "tool_invoked", "tool", "success", 0, "{}",
		old, "dev1", "user", "plan_approved", "plan", "success", 0, "{}")
	require.NoError(t, err)

	f.now = time.Date(2024, 3, 5, 2, 1, 0, 0, time.UTC)
	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Cleanup)
	assert.Equal(t, int64(1), res.Cleanup.DeletedTasks)
	assert.Equal(t, int64(1), res.Cleanup.PrunedAudit)
	assert.Equal(t, int64(1), res.Cleanup.ExpiredSessions)

	_, err = f.Repo.GetScheduledTask(f.ctx, nil, "done-old")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 1, f.auditCount(t, "plan_approved"))
	sess, err := f.Repo.GetSession(f.ctx, nil, "s-idle")
	require.NoError(t, err)
	assert.Equal(t, "expired", sess.Status)

	f.now = f.now.Add(time.Minute)
	res, err = f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Cleanup)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.insertTask(t, "daily", domain.TaskMetadata{Tool: "get_projects", Params: map[string]any{}})
	_, err := f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "later", Schedule: "weekly", Tool: "get_users"}, "admin1")
	require.NoError(t, err)

	st, err := f.S.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ActiveScheduledTasks)
	assert.Equal(t, 1, st.PendingTasks)
	assert.Zero(t, st.ActiveWorkflows)
}

func TestCreateScheduledTaskValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "x", Schedule: "daily", Tool: "drop_everything"}, "admin1")
	assert.ErrorIs(t, err, tools.ErrToolNotFound)

	_, err = f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "x", Schedule: "fortnightly", Tool: "get_users"}, "admin1")
	assert.Error(t, err)

	_, err = f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{Name: "w", Steps: []domain.WorkflowStep{{Tool: "create_task", Params: map[string]any{"title": "no project"}}}}, "admin1")
	assert.Error(t, err)
}

func TestScheduledTaskRunsWithOwnerScopes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.Repo.InsertUser(f.ctx, nil, domain.User{
		ID: "cl1", Name: "Cy", Email: "cy@example.com", Role: "client", CreatedAt: f.now.Format(time.RFC3339),
	}))
	st := f.insertTask(t, "hourly", domain.TaskMetadata{
		Tool:   "create_task",
		Params: map[string]any{"project_id": "p1", "title": "sneaky"},
		UserID: "cl1",
	})

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ScheduledTasks)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "not authorized")

	got, err := f.Repo.GetScheduledTask(f.ctx, nil, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.FailureCount)
	tasks, err := f.Repo.ListTasks(f.ctx, repo.TaskFilters{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateScheduledTaskRunAs(t *testing.T) {
	f := newFixture(t)
	own, err := f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "mine", Schedule: "daily", Tool: "get_tasks"}, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", own.Metadata.UserID)

	_, err = f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "theirs", Schedule: "daily", Tool: "get_tasks", UserID: "admin1"}, "dev1")
	var forbidden auth.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	delegated, err := f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "for dee", Schedule: "daily", Tool: "get_tasks", UserID: "dev1"}, "admin1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", delegated.Metadata.UserID)

	_, err = f.S.CreateScheduledTask(f.ctx, scheduler.TaskInput{Name: "ghost", Schedule: "daily", Tool: "get_tasks", UserID: "nobody"}, "admin1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOverlappingTicksSendOneSummary(t *testing.T) {
	f := newFixture(t)
	dev := "dev1"
	ts := f.now.Format(time.RFC3339)
	require.NoError(t, f.Repo.InsertTask(f.ctx, nil, domain.Task{
		ID: "t1", ProjectID: "p1", Title: "open", Status: "todo", Priority: "medium",
		AssigneeID: &dev, CreatedAt: ts, UpdatedAt: ts,
	}))
	f.Notifier.delay = 50 * time.Millisecond
	f.now = time.Date(2024, 3, 5, 9, 2, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make([]scheduler.TickResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			results[i], err = f.S.Tick(f.ctx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, results[0].DailySummaries+results[1].DailySummaries)
	assert.Equal(t, 1, f.Notifier.delivered)
	assert.Equal(t, 1, f.auditCount(t, "daily_summary_sent"))
}

func TestOverlappingTicksCleanOnce(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2024, 3, 5, 2, 1, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make([]scheduler.TickResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			results[i], err = f.S.Tick(f.ctx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	ran := 0
	for _, r := range results {
		if r.Cleanup != nil {
			ran++
		}
	}
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, f.auditCount(t, "cleanup_completed"))
}

func (f *fixture) tickUntilDone(t *testing.T, id string, ticks int) domain.WorkflowExecution {
	t.Helper()
	for range ticks {
		_, err := f.S.Tick(f.ctx)
		require.NoError(t, err)
		x, err := f.Repo.GetExecution(f.ctx, nil, id)
		require.NoError(t, err)
		if x.CompletedAt != nil {
			return x
		}
	}
	t.Fatalf("execution %s still open after %d ticks", id, ticks)
	return domain.WorkflowExecution{}
}

func TestWorkflowParamsResolveReferences(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name: "follow-up",
		Steps: []domain.WorkflowStep{
			{Name: "seed", Tool: "create_task", Params: map[string]any{
				"project_id": "${project_id}",
				"title":      "Call ${who} on ${today}",
			}},
			{Name: "check", Tool: "get_tasks", Params: map[string]any{"project_id": "$results.seed.project_id"}},
		},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "p1", map[string]any{"who": "Acme"})
	require.NoError(t, err)

	got := f.tickUntilDone(t, x.ID, 3)
	assert.Equal(t, "completed", got.Status)

	tasks, err := f.Repo.ListTasks(f.ctx, repo.TaskFilters{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call Acme on 2024-03-04", tasks[0].Title)

	listed, ok := got.Context["step_1_result"].([]any)
	require.True(t, ok, "step_1_result is %T", got.Context["step_1_result"])
	assert.Len(t, listed, 1)
}

func TestWorkflowUnresolvedReferenceFailsStep(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "typo",
		Steps: []domain.WorkflowStep{{Tool: "get_tasks", Params: map[string]any{"project_id": "${projet}"}}},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "p1", nil)
	require.NoError(t, err)

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Contains(t, got.Context["step_0_error"], "${projet}")
}

func TestWorkflowOnFailureJumpsToHandler(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name: "guarded",
		Steps: []domain.WorkflowStep{
			{Name: "try", Tool: "create_task", Params: map[string]any{"project_id": "missing", "title": "x"}, OnFailure: "recover"},
			{Name: "skipped", Tool: "get_projects", Params: map[string]any{}},
			{Name: "recover", Tool: "get_tasks", Params: map[string]any{"project_id": "p1"}},
		},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", nil)
	require.NoError(t, err)

	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	got, err := f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 2, got.CurrentStep)

	got = f.tickUntilDone(t, x.ID, 2)
	assert.Equal(t, "completed", got.Status)
	assert.Contains(t, got.Context, "step_0_error")
	assert.NotContains(t, got.Context, "step_1_result")
	assert.Contains(t, got.Context, "step_2_result")
	assert.Equal(t, 1, f.auditCount(t, "workflow_completed"))
}

type pingParams struct {
	Note string `json:"note,omitempty"`
}

func TestWorkflowStepRetriesHandlerErrors(t *testing.T) {
	f := newFixture(t)
	calls := 0
	require.NoError(t, f.S.Tools.Register(tools.NewTyped(tools.Definition{
		Name: "flaky_ping", Description: "fails twice then answers", Category: tools.CategoryDatabase,
	}, func(context.Context, tools.Context, pingParams) (any, error) {
		calls++
		if calls < 3 {
			return nil, assert.AnError
		}
		return "pong", nil
	}, nil)))

	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "ping",
		Steps: []domain.WorkflowStep{{Tool: "flaky_ping", Params: map[string]any{}, Retries: 2}},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", nil)
	require.NoError(t, err)

	got := f.tickUntilDone(t, x.ID, 1)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 3, calls)
	assert.EqualValues(t, 3, got.Context["step_0_attempts"])
	assert.Equal(t, "pong", got.Context["step_0_result"])
}

func TestWorkflowRetriesSkipValidationErrors(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "bad-ref",
		Steps: []domain.WorkflowStep{{Tool: "get_tasks", Params: map[string]any{"limit": "${limit}"}, Retries: 3}},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", map[string]any{"limit": 500})
	require.NoError(t, err)

	got := f.tickUntilDone(t, x.ID, 1)
	assert.Equal(t, "failed", got.Status)
	assert.NotContains(t, got.Context, "step_0_attempts")
}

func TestCancelWorkflowExecution(t *testing.T) {
	f := newFixture(t)
	wf, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{
		Name:  "long",
		Steps: []domain.WorkflowStep{{Name: "pause", WaitMinutes: 60}, {Tool: "get_projects", Params: map[string]any{}}},
	}, "admin1")
	require.NoError(t, err)
	x, err := f.S.StartWorkflow(f.ctx, wf.ID, "admin1", "", nil)
	require.NoError(t, err)
	_, err = f.S.Tick(f.ctx)
	require.NoError(t, err)

	got, err := f.S.CancelWorkflowExecution(f.ctx, x.ID, "admin1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.auditCount(t, "workflow_cancelled"))

	_, err = f.S.CancelWorkflowExecution(f.ctx, x.ID, "admin1")
	assert.ErrorIs(t, err, scheduler.ErrNotCancellable)

	f.now = f.now.Add(2 * time.Hour)
	res, err := f.S.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Workflows)
	got, err = f.Repo.GetExecution(f.ctx, nil, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.NotContains(t, got.Context, "step_1_result")
}

func TestCreateWorkflowChecksStepLinks(t *testing.T) {
	f := newFixture(t)
	for name, steps := range map[string][]domain.WorkflowStep{
		"backward on_failure": {
			{Name: "a", Tool: "get_projects", Params: map[string]any{}},
			{Name: "b", Tool: "get_projects", Params: map[string]any{}, OnFailure: "a"},
		},
		"forward result": {
			{Name: "a", Tool: "get_tasks", Params: map[string]any{"project_id": "$results.b.project_id"}},
			{Name: "b", Tool: "get_projects", Params: map[string]any{}},
		},
		"duplicate name": {
			{Name: "a", Tool: "get_projects", Params: map[string]any{}},
			{Name: "a", Tool: "get_projects", Params: map[string]any{}},
		},
		"too many retries": {
			{Tool: "get_projects", Params: map[string]any{}, Retries: 9},
		},
	} {
		_, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{Name: name, Steps: steps}, "admin1")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, name)
	}

	_, err := f.S.CreateWorkflow(f.ctx, scheduler.WorkflowInput{Name: "by index", Steps: []domain.WorkflowStep{
		{Tool: "create_task", Params: map[string]any{"project_id": "p1", "title": "x"}},
		{Tool: "get_tasks", Params: map[string]any{"project_id": "$results.step_0.project_id"}},
	}}, "admin1")
	assert.NoError(t, err)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"opsagent/internal/config"
	"opsagent/internal/db"
	"opsagent/internal/domain"
	"opsagent/internal/engine"
	"opsagent/internal/migrate"
	"opsagent/internal/monitoring"
	"opsagent/internal/planner"
	"opsagent/internal/repo"
	"opsagent/internal/scheduler"
	"opsagent/internal/search"
	"opsagent/internal/tools"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testCronSecret = "test-cron-secret"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Planner *planner.Static
	client  *http.Client
	conn    interface{ Close() error }
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Scheduler.Timezone = "UTC"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	reg := tools.NewRegistry(nil)
	if err := tools.RegisterBuiltins(reg, tools.Deps{Repo: r, Search: search.Index{Repo: r}}); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	static := &planner.Static{}
	e := engine.New(conn, cfg, reg, static, nil)
	ctx := context.Background()
	for _, u := range []engine.UserInput{
		{ID: "admin1", Name: "Ada", Email: "ada@example.com", Role: "admin"},
		{ID: "dev1", Name: "Dee", Email: "dee@example.com", Role: "developer"},
		{ID: "client1", Name: "Cy", Email: "cy@example.com", Role: "client"},
		{ID: "pm1", Name: "Pat", Email: "pat@example.com", Role: "manager"},
	} {
		if _, err := e.CreateUser(ctx, u, "tester"); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	sched, err := scheduler.New(conn, cfg, reg, nil, nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	handler, err := New(Config{
		Engine:    e,
		Scheduler: sched,
		Monitor:   monitoring.Monitor{Repo: r},
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testJWTSecret, CronSecret: testCronSecret, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Planner: static,
		client:  &http.Client{},
		conn:    conn,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, userID, role string) map[string]string {
	t.Helper()
	token, err := SignToken(testJWTSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsUseErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %+v", body)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %+v", body)
	}

	// A role claim that disagrees with the stored user is rejected.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(t, "dev1", "admin"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged role, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key, _, err := srv.Engine.CreateAPIKey(context.Background(), "dev1", "ci", "admin1")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.User.ID != "dev1" || who.Source != "api_key" || len(who.Scopes) == 0 {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "admin1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("unmarshal token: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit", nil, map[string]string{"Authorization": "Bearer " + out.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "ghost"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", res.StatusCode)
	}
}

func TestPlanLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := bearer(t, "dev1", "developer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}

	srv.Planner.Response = planner.Response{Title: "Search docs", Steps: []planner.Step{
		{Order: 1, Tool: "rag_search", Params: map[string]any{"query": "launch checklist"}},
	}}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{"session_id": session.ID, "request": "find the launch checklist"}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.Status != "pending" || len(plan.Steps) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/execute", map[string]any{"session_id": session.ID}, dev)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("execute before approval: expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/dry-run", map[string]any{"session_id": session.ID, "plan_id": plan.ID}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dry-run status %d: %s", res.StatusCode, string(data))
	}
	var previews []engine.StepPreview
	if err := json.Unmarshal(data, &previews); err != nil {
		t.Fatalf("unmarshal previews: %v", err)
	}
	if len(previews) != 1 || previews[0].Mode != tools.ModeReadOnly {
		t.Fatalf("unexpected previews: %+v", previews)
	}

	// Another user cannot approve the session's plan.
	other := bearer(t, "client1", "client")
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/approve", map[string]any{"session_id": session.ID, "plan_id": plan.ID, "approved": true}, other)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign approve: expected 403, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/approve", map[string]any{"session_id": session.ID, "plan_id": plan.ID, "approved": true}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/execute", map[string]any{"session_id": session.ID}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var result engine.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success || result.Metrics.SuccessfulSteps != 1 {
		t.Fatalf("unexpected execution result: %+v", result)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/execute", map[string]any{"session_id": session.ID}, dev)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second execute: expected 409, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+session.ID+"/plans", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list plans status %d: %s", res.StatusCode, string(data))
	}
	var plans []domain.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		t.Fatalf("unmarshal plans: %v", err)
	}
	if len(plans) != 1 || plans[0].ExecutionStatus != "completed" {
		t.Fatalf("unexpected plans: %+v", plans)
	}
}

func TestGenerateRejectsUnknownTool(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	dev := bearer(t, "dev1", "developer")
	s, err := srv.Engine.CreateSession(context.Background(), "dev1", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	srv.Planner.Response = planner.Response{Title: "bad", Steps: []planner.Step{{Order: 1, Tool: "launch_rockets"}}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans", map[string]any{"session_id": s.ID, "request": "go"}, dev)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_plan" {
		t.Fatalf("expected invalid_plan, got %+v", body)
	}
}

func TestToolsCatalogFollowsRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	list := func(userID, role string) []tools.CatalogEntry {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tools", nil, bearer(t, userID, role))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("tools status %d: %s", res.StatusCode, string(data))
		}
		var out []tools.CatalogEntry
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal tools: %v", err)
		}
		return out
	}
	all := list("admin1", "admin")
	limited := list("client1", "client")
	if len(all) == 0 || len(limited) >= len(all) {
		t.Fatalf("expected client catalog smaller than admin: %d vs %d", len(limited), len(all))
	}
}

func TestSchedulerTickRequiresCronSecret(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, map[string]string{"Authorization": "Bearer wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick status %d: %s", res.StatusCode, string(data))
	}
	var tick TickResponse
	if err := json.Unmarshal(data, &tick); err != nil {
		t.Fatalf("unmarshal tick: %v", err)
	}
	if !tick.Success || tick.Timestamp == "" || tick.Results.Errors == nil {
		t.Fatalf("unexpected tick response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/scheduler/tick", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick stats status %d: %s", res.StatusCode, string(data))
	}
	var status TickStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if status.Status != "healthy" || status.Stats == nil {
		t.Fatalf("unexpected stats: %s", string(data))
	}
}

func TestSchedulerTickFailureReturns500(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.conn.Close()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, string(data))
	}
	var tick TickResponse
	if err := json.Unmarshal(data, &tick); err != nil {
		t.Fatalf("unmarshal tick: %v", err)
	}
	if tick.Success || tick.Error == "" || len(tick.Results.Errors) == 0 {
		t.Fatalf("unexpected failed tick: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/scheduler/tick", nil, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected unhealthy 500, got %d: %s", res.StatusCode, string(data))
	}
}

func TestScheduledTaskRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := bearer(t, "admin1", "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks", map[string]any{
		"name": "nightly search", "schedule": "daily", "tool": "rag_search", "params": map[string]any{"query": "status"},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scheduled task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.ScheduledTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks/"+task.ID+"/reset", nil, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("reset active task: expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks", map[string]any{
		"name": "bad", "schedule": "daily", "tool": "rag_search", "params": map[string]any{},
	}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid params: expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %+v", body)
	}

	manager := bearer(t, "pm1", "manager")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks", map[string]any{
		"name": "as admin", "schedule": "daily", "tool": "get_projects", "params": map[string]any{}, "user_id": "admin1",
	}, manager)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("manager scheduling as admin: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks", map[string]any{
		"name": "own", "schedule": "daily", "tool": "get_projects", "params": map[string]any{},
	}, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("manager scheduling own task: expected 201, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil || task.Metadata.UserID != "pm1" {
		t.Fatalf("task should run as its creator: %v %+v", err, task.Metadata)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduled-tasks", map[string]any{
		"name": "ghost", "schedule": "daily", "tool": "get_projects", "params": map[string]any{}, "user_id": "nobody",
	}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown run-as user: expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/scheduled-tasks", nil, bearer(t, "dev1", "developer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developer listing scheduled tasks: expected 403, got %d", res.StatusCode)
	}
}

func TestWorkflowRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := bearer(t, "admin1", "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"name": "onboarding",
		"steps": []map[string]any{
			{"tool": "rag_search", "params": map[string]any{"query": "welcome"}},
			{"wait_minutes": 30},
		},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/executions", map[string]any{}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+wf.ID+"/executions?status=running", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions status %d: %s", res.StatusCode, string(data))
	}
	var execs []domain.WorkflowExecution
	if err := json.Unmarshal(data, &execs); err != nil {
		t.Fatalf("unmarshal executions: %v", err)
	}
	if len(execs) != 1 || execs[0].CurrentStep != 0 {
		t.Fatalf("unexpected executions: %+v", execs)
	}

	cancelURL := srv.URL + "/v0/workflow-executions/" + execs[0].ID + "/cancel"
	res, data = doJSON(t, client, http.MethodPost, cancelURL, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel execution status %d: %s", res.StatusCode, string(data))
	}
	var cancelled domain.WorkflowExecution
	if err := json.Unmarshal(data, &cancelled); err != nil || cancelled.Status != "cancelled" || cancelled.CompletedAt == nil {
		t.Fatalf("expected cancelled execution: %v %+v", err, cancelled)
	}
	res, data = doJSON(t, client, http.MethodPost, cancelURL, nil, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/missing/executions", map[string]any{}, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown workflow: expected 404, got %d", res.StatusCode)
	}
}

func TestMonitoringAndAuditAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := bearer(t, "admin1", "admin")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/monitoring/projects/missing/health", nil, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing project, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/monitoring/analytics?days=7", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analytics status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit", nil, bearer(t, "dev1", "developer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developer audit: expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"opsagent/internal/domain"
	"opsagent/internal/engine"
	"opsagent/internal/engine/auth"
	"opsagent/internal/metrics"
	"opsagent/internal/monitoring"
	"opsagent/internal/repo"
	"opsagent/internal/safety"
	"opsagent/internal/scheduler"
	"opsagent/internal/tools"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	Monitor   monitoring.Monitor
	BasePath  string
	Auth      AuthConfig
	Log       *zap.SugaredLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot execute plan 1 in state pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"plan_id\":\"1\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type jsonBody[T any] struct {
	Body T
}

func reply[T any](v T) *jsonBody[T] { return &jsonBody[T]{Body: v} }

type idPath struct {
	ID string `path:"id"`
}

// New returns an HTTP handler exposing the opsagent API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	metrics.Init()
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	router.Handle("/metrics", metrics.Handler())
	hcfg := huma.DefaultConfig("opsagent API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerTools(group, cfg.Engine)
	if cfg.Scheduler != nil {
		registerTick(group, cfg.Scheduler)
		registerScheduledTasks(group, cfg.Engine, cfg.Scheduler)
		registerWorkflows(group, cfg.Engine, cfg.Scheduler)
	}
	registerMonitoring(group, cfg.Engine, cfg.Monitor)
	registerAudit(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se   huma.StatusError
		ob   *safety.OperationBlockedError
		nf   *tools.NotFoundError
		ve   *tools.ValidationError
		ue   *tools.UnauthorizedError
		rl   *tools.RateLimitedError
		ip   *engine.InvalidPlanError
		it   *engine.InvalidTransitionError
		fe   auth.ForbiddenError
		exec *tools.ExecutionError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ob):
		return newAPIError(http.StatusForbidden, "operation_blocked", err.Error(),
			map[string]any{"model": ob.Model, "method": ob.Method, "verdict": string(ob.Verdict)})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "tool_not_found", err.Error(), map[string]any{"tool": nf.Name})
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"problems": ve.Problems})
	case errors.As(err, &ue):
		if !ue.Authenticated && ue.Reason == "authentication required" {
			return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), map[string]any{"tool": ue.Tool})
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"tool": ue.Tool})
	case errors.As(err, &rl):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(),
			map[string]any{"tool": rl.Tool, "retry_after": int(rl.RetryAfter.Seconds() + 0.5)})
	case errors.As(err, &ip):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_plan", err.Error(), map[string]any{"problems": ip.Problems})
	case errors.As(err, &it):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"plan_id": it.PlanID, "from": it.From, "action": it.Action})
	case errors.Is(err, engine.ErrSessionNotOwned):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionClosed):
		return newAPIError(http.StatusConflict, "session_closed", err.Error(), nil)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.Is(err, scheduler.ErrNotFailed), errors.Is(err, scheduler.ErrNotCancellable):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &exec):
		return newAPIError(http.StatusBadGateway, "execution_failed", "tool execution failed, try again",
			map[string]any{"tool": exec.Tool})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireScope checks the caller's role against scope.
func requireScope(ctx context.Context, e engine.Engine, scope string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := e.Auth.Require(principal.User.Role, scope); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.Components.SecuritySchemes["cronSecret"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	tickPath := path.Join("/", basePath, "scheduler/tick")
	for route, item := range oas.Paths {
		if route == tickPath {
			if item.Get != nil {
				item.Get.Security = []map[string][]string{}
			}
			if item.Post != nil {
				item.Post.Security = []map[string][]string{{"cronSecret": {}}}
			}
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>opsagent API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open an agent session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest
	}) (*jsonBody[domain.Session], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSession(ctx, p.User.ID, strings.TrimSpace(input.Body.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List own sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,cancelled,expired"`
	}) (*jsonBody[[]domain.Session], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSessions(ctx, p.User.ID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session",
	}, func(ctx context.Context, input *idPath) (*jsonBody[domain.Session], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSession(ctx, p.User.ID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel a session",
	}, func(ctx context.Context, input *idPath) (*jsonBody[domain.Session], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CancelSession(ctx, p.User.ID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-plans",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/plans",
		Summary:     "List a session's plans, newest first",
	}, func(ctx context.Context, input *idPath) (*jsonBody[[]domain.Plan], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plans, err := e.ListPlans(ctx, p.User.ID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(plans), nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Generate a plan from a natural-language request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body GeneratePlanRequest
	}) (*jsonBody[domain.Plan], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.Generate(ctx, engine.GenerateInput{
			SessionID: input.Body.SessionID,
			Request:   strings.TrimSpace(input.Body.Request),
			ActorID:   p.User.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(plan), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get a plan with its steps",
	}, func(ctx context.Context, input *idPath) (*jsonBody[domain.Plan], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.GetPlan(ctx, p.User.ID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(plan), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-plan",
		Method:      http.MethodPost,
		Path:        "/plans/approve",
		Summary:     "Approve or reject a pending plan",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body DecidePlanRequest
	}) (*jsonBody[domain.Plan], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.Decide(ctx, input.Body.SessionID, input.Body.PlanID, p.User.ID, input.Body.Approved)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(plan), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dry-run-plan",
		Method:      http.MethodPost,
		Path:        "/plans/dry-run",
		Summary:     "Preview every step of a plan without side effects",
	}, func(ctx context.Context, input *struct {
		Body DryRunRequest
	}) (*jsonBody[[]engine.StepPreview], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		previews, err := e.DryRun(ctx, input.Body.SessionID, input.Body.PlanID, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(previews), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-plan",
		Method:      http.MethodPost,
		Path:        "/plans/execute",
		Summary:     "Execute the session's newest approved plan",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ExecutePlanRequest
	}) (*jsonBody[engine.ExecutionResult], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Execute(ctx, input.Body.SessionID, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerTools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "Tools available to the caller's role",
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[[]tools.CatalogEntry], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scopes := e.Auth.Scopes(p.User.Role)
		if len(scopes) == 0 {
			return reply([]tools.CatalogEntry{}), nil
		}
		return reply(e.Tools.Catalog(scopes...)), nil
	})
}

type tickOutput struct {
	Status int
	Body   TickResponse
}

type tickStatusOutput struct {
	Status int
	Body   TickStatusResponse
}

func registerTick(api huma.API, s *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Run one scheduler pass",
		Description: "Requires Authorization: Bearer <cron secret> when one is configured.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*tickOutput, error) {
		res, err := s.Tick(ctx)
		out := &tickOutput{Status: http.StatusOK, Body: tickResponse(res, err)}
		if err != nil {
			out.Status = http.StatusInternalServerError
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-status",
		Method:      http.MethodGet,
		Path:        "/scheduler/tick",
		Summary:     "Scheduler health and queue depth",
	}, func(ctx context.Context, _ *struct{}) (*tickStatusOutput, error) {
		now := time.Now().UTC().Format(time.RFC3339)
		st, err := s.Stats(ctx)
		if err != nil {
			return &tickStatusOutput{
				Status: http.StatusInternalServerError,
				Body:   TickStatusResponse{Status: "unhealthy", Error: err.Error(), Timestamp: now},
			}, nil
		}
		return &tickStatusOutput{
			Status: http.StatusOK,
			Body:   TickStatusResponse{Status: "healthy", Timestamp: now, Stats: &st},
		}, nil
	})
}

const schedulerScope = "scheduler:write"

func registerScheduledTasks(api huma.API, e engine.Engine, s *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scheduled-task",
		Method:        http.MethodPost,
		Path:          "/scheduled-tasks",
		Summary:       "Schedule a recurring tool call",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateScheduledTaskRequest
	}) (*jsonBody[domain.ScheduledTask], error) {
		p, err := requireScope(ctx, e, schedulerScope)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := s.CreateScheduledTask(ctx, scheduler.TaskInput{
			Name:      input.Body.Name,
			Schedule:  strings.TrimSpace(input.Body.Schedule),
			Tool:      input.Body.Tool,
			Params:    input.Body.Params,
			UserID:    input.Body.UserID,
			ProjectID: input.Body.ProjectID,
		}, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scheduled-tasks",
		Method:      http.MethodGet,
		Path:        "/scheduled-tasks",
		Summary:     "List scheduled tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,failed,completed"`
	}) (*jsonBody[[]domain.ScheduledTask], error) {
		if _, err := requireScope(ctx, e, schedulerScope); err != nil {
			return nil, handleError(err)
		}
		items, err := s.ListScheduledTasks(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-scheduled-task",
		Method:      http.MethodPost,
		Path:        "/scheduled-tasks/{id}/reset",
		Summary:     "Reactivate a failed scheduled task",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*jsonBody[domain.ScheduledTask], error) {
		p, err := requireScope(ctx, e, schedulerScope)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := s.ResetScheduledTask(ctx, input.ID, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine, s *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Define a multi-step workflow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest
	}) (*jsonBody[domain.Workflow], error) {
		p, err := requireScope(ctx, e, schedulerScope)
		if err != nil {
			return nil, handleError(err)
		}
		wf, err := s.CreateWorkflow(ctx, scheduler.WorkflowInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Steps:       input.Body.Steps,
		}, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[[]domain.Workflow], error) {
		if _, err := requireScope(ctx, e, schedulerScope); err != nil {
			return nil, handleError(err)
		}
		items, err := s.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{id}/executions",
		Summary:       "Start a workflow execution; the tick advances it",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body StartWorkflowRequest
	}) (*jsonBody[domain.WorkflowExecution], error) {
		p, err := requireScope(ctx, e, schedulerScope)
		if err != nil {
			return nil, handleError(err)
		}
		x, err := s.StartWorkflow(ctx, input.ID, p.User.ID, strings.TrimSpace(input.Body.ProjectID), input.Body.Variables)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow-execution",
		Method:      http.MethodPost,
		Path:        "/workflow-executions/{id}/cancel",
		Summary:     "Cancel a running or waiting workflow execution",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*jsonBody[domain.WorkflowExecution], error) {
		p, err := requireScope(ctx, e, schedulerScope)
		if err != nil {
			return nil, handleError(err)
		}
		x, err := s.CancelWorkflowExecution(ctx, input.ID, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-executions",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/executions",
		Summary:     "List executions of a workflow",
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"running,waiting,completed,failed,cancelled"`
	}) (*jsonBody[[]domain.WorkflowExecution], error) {
		if _, err := requireScope(ctx, e, schedulerScope); err != nil {
			return nil, handleError(err)
		}
		var statuses []string
		if input.Status != "" {
			statuses = append(statuses, input.Status)
		}
		items, err := s.ListWorkflowExecutions(ctx, input.ID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})
}

const monitoringScope = "read:projects"

func registerMonitoring(api huma.API, e engine.Engine, m monitoring.Monitor) {
	if m.Repo.DB == nil {
		m.Repo = e.Repo
	}
	huma.Register(api, huma.Operation{
		OperationID: "project-health",
		Method:      http.MethodGet,
		Path:        "/monitoring/projects/{id}/health",
		Summary:     "Project health score",
	}, func(ctx context.Context, input *idPath) (*jsonBody[monitoring.Health], error) {
		if _, err := requireScope(ctx, e, monitoringScope); err != nil {
			return nil, handleError(err)
		}
		h, err := m.ProjectHealth(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-anomalies",
		Method:      http.MethodGet,
		Path:        "/monitoring/projects/{id}/anomalies",
		Summary:     "Anomalies in recent agent activity",
	}, func(ctx context.Context, input *idPath) (*jsonBody[[]monitoring.Anomaly], error) {
		if _, err := requireScope(ctx, e, monitoringScope); err != nil {
			return nil, handleError(err)
		}
		items, err := m.DetectAnomalies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-summary",
		Method:      http.MethodGet,
		Path:        "/monitoring/analytics",
		Summary:     "Aggregate agent analytics",
	}, func(ctx context.Context, input *struct {
		UserID    string `query:"user_id"`
		ProjectID string `query:"project_id"`
		Days      int    `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*jsonBody[monitoring.Summary], error) {
		if _, err := requireScope(ctx, e, monitoringScope); err != nil {
			return nil, handleError(err)
		}
		days := input.Days
		if days <= 0 {
			days = 30
		}
		now := time.Now()
		if m.Now != nil {
			now = m.Now()
		}
		sum, err := m.AnalyticsSummary(ctx, repo.AnalyticsFilters{
			UserID:    input.UserID,
			ProjectID: input.ProjectID,
			Since:     now.Add(-time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sum), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit log, newest first (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Action     string `query:"action"`
		ActorID    string `query:"actor_id"`
		TargetType string `query:"target_type"`
		TargetID   string `query:"target_id"`
		Limit      int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*jsonBody[[]domain.AuditEntry], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Auth.IsAdmin(p.User.Role) {
			return nil, handleError(auth.ForbiddenError{Permission: auth.Wildcard})
		}
		items, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{
			Action:     input.Action,
			ActorID:    input.ActorID,
			TargetType: input.TargetType,
			TargetID:   input.TargetID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			User:   principal.User,
			Scopes: nonNilSlice(e.Auth.Scopes(principal.User.Role)),
			Source: principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*jsonBody[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		id := strings.TrimSpace(input.Body.UserID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		u, err := e.Repo.GetUser(ctx, nil, id)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := SignToken(authCfg.JWTSecret, u.ID, u.Role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

package opsagentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal opsagent HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// CronSecret authenticates Tick. Other calls use BearerToken or APIKey.
	CronSecret string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Session represents an agent session.
type Session struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ProjectID      *string `json:"project_id,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	LastActivityAt string  `json:"last_activity_at"`
}

// Step is one tool call of a plan.
type Step struct {
	ID          string         `json:"id"`
	Ordinal     int            `json:"ordinal"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Plan represents a generated plan (partial).
type Plan struct {
	ID              string   `json:"id"`
	SessionID       string   `json:"session_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status"`
	ExecutionStatus string   `json:"execution_status,omitempty"`
	Risks           []string `json:"risks,omitempty"`
	Steps           []Step   `json:"steps"`
}

// StepPreview is the dry-run outcome of one step.
type StepPreview struct {
	Ordinal   int    `json:"ordinal"`
	Tool      string `json:"tool"`
	Mode      string `json:"mode"`
	Simulated bool   `json:"simulated"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type StepResult struct {
	StepID     string `json:"step_id"`
	Ordinal    int    `json:"ordinal"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecutionResult is returned by Execute.
type ExecutionResult struct {
	Success bool         `json:"success"`
	Summary string       `json:"summary"`
	PlanID  string       `json:"plan_id"`
	Steps   []StepResult `json:"steps"`
	Metrics struct {
		TotalDurationMS int64    `json:"total_duration_ms"`
		SuccessfulSteps int      `json:"successful_steps"`
		FailedSteps     int      `json:"failed_steps"`
		ToolsUsed       []string `json:"tools_used"`
	} `json:"metrics"`
}

// TickResult mirrors the scheduler tick response.
type TickResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Duration  int64  `json:"duration"`
	Results   struct {
		ScheduledTasks int      `json:"scheduledTasks"`
		Workflows      int      `json:"workflows"`
		DailySummaries int      `json:"dailySummaries"`
		Errors         []string `json:"errors"`
	} `json:"results"`
}

// TickStats mirrors GET scheduler/tick.
type TickStats struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Stats     *struct {
		ActiveScheduledTasks int `json:"activeScheduledTasks"`
		ActiveWorkflows      int `json:"activeWorkflows"`
		PendingTasks         int `json:"pendingTasks"`
	} `json:"stats,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession opens a session, optionally scoped to a project.
func (c *Client) CreateSession(ctx context.Context, projectID string) (Session, error) {
	body := map[string]any{}
	if projectID != "" {
		body["project_id"] = projectID
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

// GeneratePlan asks the agent for a plan.
func (c *Client) GeneratePlan(ctx context.Context, sessionID, request string) (Plan, error) {
	body := map[string]any{"session_id": sessionID, "request": request}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "plans", body, &resp)
	return resp, err
}

// DecidePlan approves or rejects a pending plan.
func (c *Client) DecidePlan(ctx context.Context, sessionID, planID string, approved bool) (Plan, error) {
	body := map[string]any{"session_id": sessionID, "plan_id": planID, "approved": approved}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "plans/approve", body, &resp)
	return resp, err
}

func (c *Client) DryRun(ctx context.Context, sessionID, planID string) ([]StepPreview, error) {
	body := map[string]any{"session_id": sessionID, "plan_id": planID}
	var resp []StepPreview
	err := c.do(ctx, http.MethodPost, "plans/dry-run", body, &resp)
	return resp, err
}

// Execute runs the session's newest approved plan.
func (c *Client) Execute(ctx context.Context, sessionID string) (ExecutionResult, error) {
	body := map[string]any{"session_id": sessionID}
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, "plans/execute", body, &resp)
	return resp, err
}

// ListPlans returns a session's plans, newest first.
func (c *Client) ListPlans(ctx context.Context, sessionID string) ([]Plan, error) {
	var resp []Plan
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("sessions/%s/plans", url.PathEscape(sessionID)), nil, &resp)
	return resp, err
}

// Tick triggers one scheduler pass. A failed pass still returns the decoded
// result alongside the APIError.
func (c *Client) Tick(ctx context.Context) (TickResult, error) {
	var resp TickResult
	err := c.doWith(ctx, http.MethodPost, "scheduler/tick", nil, &resp, c.cronAuth)
	return resp, err
}

// TickStats reports scheduler health and queue depth.
func (c *Client) TickStats(ctx context.Context) (TickStats, error) {
	var resp TickStats
	err := c.do(ctx, http.MethodGet, "scheduler/tick", nil, &resp)
	return resp, err
}

func (c *Client) userAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) cronAuth(req *http.Request) {
	if c.CronSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.CronSecret)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.doWith(ctx, method, endpoint, body, out, c.userAuth)
}

func (c *Client) doWith(ctx context.Context, method, endpoint string, body any, out any, authorize func(*http.Request)) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		// Tick failures carry a full result body.
		if out != nil && apiErr.Code == "" {
			_ = json.Unmarshal(b, out)
		}
		return apiErr
	}
	if out != nil && len(b) > 0 {
		return json.Unmarshal(b, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

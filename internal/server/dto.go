package server

import (
	"opsagent/internal/domain"
	"opsagent/internal/scheduler"
)

// Request payloads

type CreateSessionRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type GeneratePlanRequest struct {
	SessionID string `json:"session_id" minLength:"1"`
	Request   string `json:"request" minLength:"1"`
}

type DecidePlanRequest struct {
	SessionID string `json:"session_id" minLength:"1"`
	PlanID    string `json:"plan_id" minLength:"1"`
	Approved  bool   `json:"approved"`
}

type DryRunRequest struct {
	SessionID string `json:"session_id" minLength:"1"`
	PlanID    string `json:"plan_id" minLength:"1"`
}

type ExecutePlanRequest struct {
	SessionID string `json:"session_id" minLength:"1"`
}

type CreateScheduledTaskRequest struct {
	Name      string         `json:"name" minLength:"1"`
	Schedule  string         `json:"schedule" minLength:"1" example:"daily"`
	Tool      string         `json:"tool" minLength:"1"`
	Params    map[string]any `json:"params,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
}

type CreateWorkflowRequest struct {
	Name        string                `json:"name" minLength:"1"`
	Description string                `json:"description,omitempty"`
	Steps       []domain.WorkflowStep `json:"steps" minItems:"1"`
}

type StartWorkflowRequest struct {
	ProjectID string         `json:"project_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id" minLength:"1"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	User   domain.User `json:"user"`
	Scopes []string    `json:"scopes"`
	Source string      `json:"source" enum:"jwt,api_key"`
}

type TickResults struct {
	ScheduledTasks int                      `json:"scheduledTasks"`
	Workflows      int                      `json:"workflows"`
	DailySummaries int                      `json:"dailySummaries"`
	Cleanup        *scheduler.CleanupResult `json:"cleanup,omitempty"`
	Errors         []string                 `json:"errors"`
}

// TickResponse keeps the camelCase shape cron callers already parse.
type TickResponse struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Duration  int64       `json:"duration" doc:"milliseconds"`
	Results   TickResults `json:"results"`
}

type TickStatusResponse struct {
	Status    string           `json:"status" enum:"healthy,unhealthy"`
	Error     string           `json:"error,omitempty"`
	Timestamp string           `json:"timestamp"`
	Stats     *scheduler.Stats `json:"stats,omitempty"`
}

func tickResponse(res scheduler.TickResult, err error) TickResponse {
	out := TickResponse{
		Success:   err == nil && res.Success,
		Timestamp: res.Timestamp,
		Duration:  res.Duration.Milliseconds(),
		Results: TickResults{
			ScheduledTasks: res.ScheduledTasks,
			Workflows:      res.Workflows,
			DailySummaries: res.DailySummaries,
			Cleanup:        res.Cleanup,
			Errors:         nonNilSlice(res.Errors),
		},
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

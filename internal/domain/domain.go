package domain

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        string `json:"role" enum:"admin,manager,developer,client,user"`
	SlackUserID string `json:"slack_user_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	ClientName     string  `json:"client_name"`
	Status         string  `json:"status" enum:"active,completed,on-hold,cancelled"`
	Notes          string  `json:"notes,omitempty"`
	PMID           *string `json:"pm_id,omitempty"`
	SlackChannel   *string `json:"slack_channel,omitempty"`
	DriveFolderID  *string `json:"drive_folder_id,omitempty"`
	StartDate      string  `json:"start_date" format:"date-time"`
	TargetDelivery *string `json:"target_delivery,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status" enum:"todo,in-progress,completed,blocked"`
	Priority       string   `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Update is a status note posted on a project.
type Update struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Document struct {
	ID        string  `json:"id"`
	ProjectID *string `json:"project_id,omitempty"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Session struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ProjectID      *string `json:"project_id,omitempty"`
	Status         string  `json:"status" enum:"active,cancelled,expired"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	LastActivityAt string  `json:"last_activity_at" format:"date-time"`
}

type Plan struct {
	ID                string   `json:"id"`
	SessionID         string   `json:"session_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status" enum:"pending,approved,rejected"`
	ExecutionStatus   string   `json:"execution_status,omitempty" enum:",executing,completed,failed"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
	Risks             []string `json:"risks,omitempty"`
	Steps             []Step   `json:"steps"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	DecidedAt         *string  `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy         *string  `json:"decided_by,omitempty"`
	ExecutedAt        *string  `json:"executed_at,omitempty" format:"date-time"`
}

type Step struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	Ordinal     int            `json:"ordinal"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"pending,executing,completed,failed"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	StartedAt   *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

// TaskMetadata is the typed shape of a scheduled task's metadata column.
type TaskMetadata struct {
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	FailureCount int            `json:"failure_count"`
	LastError    string         `json:"last_error,omitempty"`
	LastErrorAt  string         `json:"last_error_at,omitempty"`
}

type ScheduledTask struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Schedule  string       `json:"schedule"`
	NextRun   string       `json:"next_run" format:"date-time"`
	LastRun   *string      `json:"last_run,omitempty" format:"date-time"`
	Status    string       `json:"status" enum:"active,failed,completed"`
	Metadata  TaskMetadata `json:"metadata"`
	CreatedBy string       `json:"created_by"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

// WorkflowStep is either a tool call or a pause of WaitMinutes.
// WorkflowStep is a wait or one tool call. String params may reference
// ${var} and $results.<step>[.<field>].
type WorkflowStep struct {
	Name        string         `json:"name,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	WaitMinutes int            `json:"wait_minutes,omitempty"`
	// Retries is how many extra attempts a failing tool call gets.
	Retries int `json:"retries,omitempty" minimum:"0" maximum:"5"`
	// OnFailure names a later step to continue from instead of failing.
	OnFailure string `json:"on_failure,omitempty"`
}

type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// ExecutionContext maps step_N_result / step_N_error keys to payloads.
type ExecutionContext map[string]any

type WorkflowExecution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	CurrentStep int              `json:"current_step"`
	Status      string           `json:"status" enum:"running,waiting,completed,failed,cancelled"`
	Context     ExecutionContext `json:"context"`
	WaitUntil   *string          `json:"wait_until,omitempty" format:"date-time"`
	StartedBy   string           `json:"started_by"`
	ProjectID   *string          `json:"project_id,omitempty"`
	Version     int64            `json:"version"`
	StartedAt   string           `json:"started_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	ActorID    string `json:"actor_id"`
	ActorType  string `json:"actor_type" enum:"user,scheduler,system"`
	Action     string `json:"action"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id,omitempty"`
	Status     string `json:"status" enum:"success,failure"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type AnalyticsRecord struct {
	ID         int64    `json:"id"`
	TS         string   `json:"ts" format:"date-time"`
	UserID     string   `json:"user_id"`
	SessionID  string   `json:"session_id,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
	Action     string   `json:"action"`
	DurationMS int64    `json:"duration_ms"`
	Success    bool     `json:"success"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	TokensUsed int      `json:"tokens_used,omitempty"`
	ErrorType  string   `json:"error_type,omitempty"`
	Metadata   string   `json:"metadata_json,omitempty"`
}

type APIKey struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// DailySummary is the per-user digest sent by the scheduler.
type DailySummary struct {
	UserID         string        `json:"user_id"`
	Tasks          []SummaryTask `json:"tasks"`
	BlockedTasks   []SummaryTask `json:"blocked_tasks"`
	CompletedToday int           `json:"completed_today"`
	InProgress     int           `json:"in_progress"`
}

type SummaryTask struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	ProjectTitle string  `json:"project_title"`
	DueDate      *string `json:"due_date,omitempty"`
}

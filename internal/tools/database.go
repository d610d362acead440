package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsagent/internal/domain"
	"opsagent/internal/repo"
)

type getProjectsParams struct {
	Status string `json:"status,omitempty" enum:"active,completed,on-hold,cancelled"`
	Limit  int    `json:"limit,omitempty" minimum:"1" maximum:"100" doc:"Defaults to 10"`
}

type getTasksParams struct {
	ProjectID  string `json:"project_id,omitempty"`
	Status     string `json:"status,omitempty" enum:"todo,in-progress,completed,blocked"`
	AssigneeID string `json:"assignee_id,omitempty"`
	Limit      int    `json:"limit,omitempty" minimum:"1" maximum:"100" doc:"Defaults to 20"`
}

type getUsersParams struct {
	Role  string `json:"role,omitempty" enum:"admin,manager,developer,client,user"`
	Limit int    `json:"limit,omitempty" minimum:"1" maximum:"100" doc:"Defaults to 20"`
}

type createProjectParams struct {
	Title          string `json:"title" minLength:"1" maxLength:"200"`
	ClientName     string `json:"client_name" minLength:"1" maxLength:"100"`
	StartDate      string `json:"start_date,omitempty" format:"date-time"`
	TargetDelivery string `json:"target_delivery,omitempty" format:"date-time"`
	Status         string `json:"status,omitempty" enum:"active,completed,on-hold,cancelled"`
	Notes          string `json:"notes,omitempty" maxLength:"4000"`
	PMID           string `json:"pm_id,omitempty" doc:"Project manager; the least loaded manager is picked when empty"`
}

type createTaskParams struct {
	ProjectID      string  `json:"project_id" minLength:"1"`
	Title          string  `json:"title" minLength:"1" maxLength:"200"`
	Description    string  `json:"description,omitempty" maxLength:"4000"`
	Status         string  `json:"status,omitempty" enum:"todo,in-progress,completed,blocked"`
	Priority       string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	EstimatedHours float64 `json:"estimated_hours,omitempty" exclusiveMinimum:"0"`
	DueDate        string  `json:"due_date,omitempty" format:"date-time"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
}

type updateTaskParams struct {
	TaskID      string `json:"task_id" minLength:"1"`
	Title       string `json:"title,omitempty" maxLength:"200"`
	Description string `json:"description,omitempty" maxLength:"4000"`
	Status      string `json:"status,omitempty" enum:"todo,in-progress,completed,blocked"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	DueDate     string `json:"due_date,omitempty" format:"date-time"`
}

type createUpdateParams struct {
	ProjectID string `json:"project_id" minLength:"1"`
	Content   string `json:"content" minLength:"1" maxLength:"4000"`
}

func databaseTools(d Deps) []Tool {
	return []Tool{
		NewTyped(Definition{
			Name:        "get_projects",
			Description: "List projects, optionally filtered by status",
			Category:    CategoryDatabase,
			Scopes:      []string{"read:projects"},
		}, func(ctx context.Context, tc Context, in getProjectsParams) (any, error) {
			return d.Repo.ListProjects(ctx, repo.ProjectFilters{Status: in.Status, Limit: clampLimit(in.Limit, 10, 100)})
		}, nil),

		NewTyped(Definition{
			Name:        "get_tasks",
			Description: "List tasks filtered by project, status or assignee",
			Category:    CategoryDatabase,
			Scopes:      []string{"read:tasks"},
		}, func(ctx context.Context, tc Context, in getTasksParams) (any, error) {
			f := repo.TaskFilters{ProjectID: in.ProjectID, AssigneeID: in.AssigneeID, Limit: clampLimit(in.Limit, 20, 100)}
			if in.Status != "" {
				f.Statuses = []string{in.Status}
			}
			return d.Repo.ListTasks(ctx, f)
		}, nil),

		NewTyped(Definition{
			Name:        "get_users",
			Description: "List users, optionally filtered by role",
			Category:    CategoryDatabase,
			Scopes:      []string{"read:users"},
		}, func(ctx context.Context, tc Context, in getUsersParams) (any, error) {
			f := repo.UserFilters{Limit: clampLimit(in.Limit, 20, 100)}
			if in.Role != "" {
				f.Roles = []string{in.Role}
			}
			return d.Repo.ListUsers(ctx, f)
		}, nil),

		NewTyped(Definition{
			Name:         "create_project",
			Description:  "Create a project and assign a project manager",
			Category:     CategoryDatabase,
			Scopes:       []string{"write:projects"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in createProjectParams) (any, error) {
			p, err := d.buildProject(ctx, in)
			if err != nil {
				return nil, err
			}
			if err := d.Repo.InsertProject(ctx, nil, p); err != nil {
				return nil, fmt.Errorf("insert project: %w", err)
			}
			return p, nil
		}, func(ctx context.Context, tc Context, in createProjectParams) (any, error) {
			p, err := d.buildProject(ctx, in)
			if err != nil {
				return nil, err
			}
			return map[string]any{"would_create": p}, nil
		}),

		NewTyped(Definition{
			Name:         "create_task",
			Description:  "Create a task in a project",
			Category:     CategoryDatabase,
			Scopes:       []string{"write:tasks"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in createTaskParams) (any, error) {
			t, err := d.buildTask(ctx, in)
			if err != nil {
				return nil, err
			}
			if err := d.Repo.InsertTask(ctx, nil, t); err != nil {
				return nil, fmt.Errorf("insert task: %w", err)
			}
			return t, nil
		}, func(ctx context.Context, tc Context, in createTaskParams) (any, error) {
			t, err := d.buildTask(ctx, in)
			if err != nil {
				return nil, err
			}
			return map[string]any{"would_create": t}, nil
		}),

		NewTyped(Definition{
			Name:         "update_task",
			Description:  "Update status, priority, assignee or details of a task",
			Category:     CategoryDatabase,
			Scopes:       []string{"write:tasks"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in updateTaskParams) (any, error) {
			patch, err := d.taskPatch(ctx, in)
			if err != nil {
				return nil, err
			}
			if err := d.Repo.UpdateTask(ctx, nil, in.TaskID, patch); err != nil {
				return nil, fmt.Errorf("update task %s: %w", in.TaskID, err)
			}
			return d.Repo.GetTask(ctx, nil, in.TaskID)
		}, func(ctx context.Context, tc Context, in updateTaskParams) (any, error) {
			before, err := d.Repo.GetTask(ctx, nil, in.TaskID)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", in.TaskID, err)
			}
			if _, err := d.taskPatch(ctx, in); err != nil {
				return nil, err
			}
			changes := map[string]any{}
			for k, v := range map[string]string{"title": in.Title, "description": in.Description, "status": in.Status, "priority": in.Priority, "assignee_id": in.AssigneeID, "due_date": in.DueDate} {
				if v != "" {
					changes[k] = v
				}
			}
			return map[string]any{"task": before, "would_change": changes}, nil
		}),

		NewTyped(Definition{
			Name:         "create_update",
			Description:  "Post a status update on a project",
			Category:     CategoryDatabase,
			Scopes:       []string{"write:projects", "write:tasks"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in createUpdateParams) (any, error) {
			if _, err := d.Repo.GetProject(ctx, nil, in.ProjectID); err != nil {
				return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
			}
			u := domain.Update{ID: uuid.NewString(), ProjectID: in.ProjectID, AuthorID: tc.UserID, Content: in.Content, CreatedAt: d.stamp()}
			if err := d.Repo.InsertUpdate(ctx, nil, u); err != nil {
				return nil, fmt.Errorf("insert update: %w", err)
			}
			return u, nil
		}, nil),
	}
}

func (d Deps) buildProject(ctx context.Context, in createProjectParams) (domain.Project, error) {
	now := d.stamp()
	p := domain.Project{
		ID:         uuid.NewString(),
		Title:      in.Title,
		ClientName: in.ClientName,
		Status:     in.Status,
		Notes:      in.Notes,
		StartDate:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if in.StartDate != "" {
		s, err := normalizeTime("start_date", in.StartDate)
		if err != nil {
			return p, err
		}
		p.StartDate = s
	}
	target, err := optionalTime("target_delivery", in.TargetDelivery)
	if err != nil {
		return p, err
	}
	p.TargetDelivery = target
	pm := in.PMID
	if pm == "" {
		pm, err = d.leastLoadedManager(ctx)
		if err != nil {
			return p, err
		}
	} else if _, err := d.Repo.GetUser(ctx, nil, pm); err != nil {
		return p, fmt.Errorf("pm %s: %w", pm, err)
	}
	p.PMID = strPtr(pm)
	return p, nil
}

// leastLoadedManager picks the admin or manager with the fewest projects.
func (d Deps) leastLoadedManager(ctx context.Context) (string, error) {
	managers, err := d.Repo.ListUsers(ctx, repo.UserFilters{Roles: []string{"admin", "manager"}})
	if err != nil {
		return "", err
	}
	best, bestCount := "", -1
	for _, m := range managers {
		projects, err := d.Repo.ListProjects(ctx, repo.ProjectFilters{PMID: m.ID})
		if err != nil {
			return "", err
		}
		if bestCount < 0 || len(projects) < bestCount {
			best, bestCount = m.ID, len(projects)
		}
	}
	return best, nil
}

func (d Deps) buildTask(ctx context.Context, in createTaskParams) (domain.Task, error) {
	if _, err := d.Repo.GetProject(ctx, nil, in.ProjectID); err != nil {
		return domain.Task{}, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	if in.AssigneeID != "" {
		if _, err := d.Repo.GetUser(ctx, nil, in.AssigneeID); err != nil {
			return domain.Task{}, fmt.Errorf("assignee %s: %w", in.AssigneeID, err)
		}
	}
	now := d.stamp()
	t := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  strPtr(in.AssigneeID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Status == "" {
		t.Status = "todo"
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.Status == "completed" {
		t.CompletedAt = &now
	}
	if in.EstimatedHours > 0 {
		h := in.EstimatedHours
		t.EstimatedHours = &h
	}
	due, err := optionalTime("due_date", in.DueDate)
	if err != nil {
		return t, err
	}
	t.DueDate = due
	return t, nil
}

var errEmptyUpdate = errors.New("update_task needs at least one field to change")

func (d Deps) taskPatch(ctx context.Context, in updateTaskParams) (repo.TaskPatch, error) {
	now := d.stamp()
	patch := repo.TaskPatch{UpdatedAt: now}
	changed := false
	if in.Title != "" {
		patch.Title = &in.Title
		changed = true
	}
	if in.Description != "" {
		patch.Description = &in.Description
		changed = true
	}
	if in.Priority != "" {
		patch.Priority = &in.Priority
		changed = true
	}
	if in.AssigneeID != "" {
		if _, err := d.Repo.GetUser(ctx, nil, in.AssigneeID); err != nil {
			return patch, fmt.Errorf("assignee %s: %w", in.AssigneeID, err)
		}
		patch.AssigneeID = &in.AssigneeID
		changed = true
	}
	if in.DueDate != "" {
		due, err := normalizeTime("due_date", in.DueDate)
		if err != nil {
			return patch, err
		}
		patch.DueDate = &due
		changed = true
	}
	if in.Status != "" {
		patch.Status = &in.Status
		completed := ""
		if in.Status == "completed" {
			completed = now
		}
		patch.CompletedAt = &completed
		changed = true
	}
	if !changed {
		return patch, errEmptyUpdate
	}
	return patch, nil
}

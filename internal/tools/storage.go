package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"opsagent/internal/repo"
	"opsagent/internal/storage"
)

type createFolderParams struct {
	FolderName     string `json:"folder_name" minLength:"1" maxLength:"255"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
}

type projectStructureParams struct {
	ProjectID   string `json:"project_id" minLength:"1"`
	ProjectName string `json:"project_name,omitempty" maxLength:"255" doc:"Defaults to the project title"`
}

type uploadFileParams struct {
	FileName string `json:"file_name" minLength:"1" maxLength:"255"`
	Content  string `json:"content"`
	FolderID string `json:"folder_id,omitempty"`
	Encoding string `json:"encoding,omitempty" enum:"text,base64"`
}

type searchFilesParams struct {
	Query    string `json:"query" minLength:"1" maxLength:"200"`
	FolderID string `json:"folder_id,omitempty"`
	Limit    int    `json:"limit,omitempty" minimum:"1" maximum:"100"`
}

var errNoDrive = errors.New("drive is not configured")

func storageTools(d Deps) []Tool {
	return []Tool{
		NewTyped(Definition{
			Name:         "drive_create_folder",
			Description:  "Create a folder in the document drive",
			Category:     CategoryStorage,
			Scopes:       []string{"drive:write"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in createFolderParams) (any, error) {
			if d.Drive == nil {
				return nil, errNoDrive
			}
			return d.Drive.CreateFolder(ctx, in.FolderName, in.ParentFolderID)
		}, func(ctx context.Context, tc Context, in createFolderParams) (any, error) {
			return map[string]any{"would_create": storage.Folder{Name: in.FolderName, ParentID: in.ParentFolderID}}, nil
		}),

		NewTyped(Definition{
			Name:         "drive_create_project_structure",
			Description:  "Create the standard folder tree for a project and link it",
			Category:     CategoryStorage,
			Scopes:       []string{"drive:write", "write:projects"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in projectStructureParams) (any, error) {
			if d.Drive == nil {
				return nil, errNoDrive
			}
			p, err := d.Repo.GetProject(ctx, nil, in.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
			}
			name := in.ProjectName
			if name == "" {
				name = p.Title
			}
			st, err := storage.CreateProjectStructure(ctx, d.Drive, name)
			if err != nil {
				return nil, err
			}
			folder := st.Root.ID
			if err := d.Repo.UpdateProject(ctx, nil, p.ID, repo.ProjectPatch{DriveFolderID: &folder, UpdatedAt: d.stamp()}); err != nil {
				return nil, fmt.Errorf("link drive folder: %w", err)
			}
			return st, nil
		}, func(ctx context.Context, tc Context, in projectStructureParams) (any, error) {
			p, err := d.Repo.GetProject(ctx, nil, in.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
			}
			name := in.ProjectName
			if name == "" {
				name = p.Title
			}
			return map[string]any{"would_create": name, "subfolders": storage.ProjectSubfolders}, nil
		}),

		NewTyped(Definition{
			Name:         "drive_upload_file",
			Description:  "Upload a file to the document drive",
			Category:     CategoryStorage,
			Scopes:       []string{"drive:write"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in uploadFileParams) (any, error) {
			if d.Drive == nil {
				return nil, errNoDrive
			}
			content, err := decodeContent(in)
			if err != nil {
				return nil, err
			}
			return d.Drive.Upload(ctx, in.FileName, in.FolderID, content)
		}, func(ctx context.Context, tc Context, in uploadFileParams) (any, error) {
			content, err := decodeContent(in)
			if err != nil {
				return nil, err
			}
			return map[string]any{"would_upload": in.FileName, "folder_id": in.FolderID, "size": len(content)}, nil
		}),

		NewTyped(Definition{
			Name:        "drive_search_files",
			Description: "Search drive files and folders by name",
			Category:    CategoryStorage,
			Scopes:      []string{"drive:read"},
		}, func(ctx context.Context, tc Context, in searchFilesParams) (any, error) {
			if d.Drive == nil {
				return nil, errNoDrive
			}
			return d.Drive.Search(ctx, in.Query, in.FolderID, clampLimit(in.Limit, 20, 100))
		}, nil),
	}
}

func decodeContent(in uploadFileParams) ([]byte, error) {
	if in.Encoding != "base64" {
		return []byte(in.Content), nil
	}
	b, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return nil, fmt.Errorf("decode base64 content: %w", err)
	}
	return b, nil
}

// Package storage provides the document drive used by the drive_* tools.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ProjectSubfolders are created under every project folder.
var ProjectSubfolders = []string{"Contracts", "Design", "Development", "Deliverables", "Meeting Notes"}

var ErrInvalidName = errors.New("invalid name")

type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

type File struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FolderID   string `json:"folder_id,omitempty"`
	IsFolder   bool   `json:"is_folder"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

type Drive interface {
	CreateFolder(ctx context.Context, name, parentID string) (Folder, error)
	Upload(ctx context.Context, name, folderID string, content []byte) (File, error)
	Search(ctx context.Context, query, folderID string, limit int) ([]File, error)
}

// ProjectStructure is the folder tree created for a project.
type ProjectStructure struct {
	Root       Folder   `json:"root"`
	Subfolders []Folder `json:"subfolders"`
}

// CreateProjectStructure creates a root folder named after the project plus
// the standard subfolders. Existing folders are reused.
func CreateProjectStructure(ctx context.Context, d Drive, projectName string) (ProjectStructure, error) {
	root, err := d.CreateFolder(ctx, projectName, "")
	if err != nil {
		return ProjectStructure{}, fmt.Errorf("create project folder: %w", err)
	}
	out := ProjectStructure{Root: root}
	for _, name := range ProjectSubfolders {
		sub, err := d.CreateFolder(ctx, name, root.ID)
		if err != nil {
			return out, fmt.Errorf("create %s folder: %w", name, err)
		}
		out.Subfolders = append(out.Subfolders, sub)
	}
	return out, nil
}

// LocalDrive stores folders and files under Root. IDs are slash separated
// paths relative to Root.
type LocalDrive struct {
	Root string
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

func (d LocalDrive) resolve(id string) (string, error) {
	if id == "" {
		return d.Root, nil
	}
	clean := path.Clean("/" + id)
	if clean == "/" {
		return d.Root, nil
	}
	return filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func childID(parentID, name string) string {
	if parentID == "" {
		return name
	}
	return strings.TrimPrefix(path.Clean("/"+parentID), "/") + "/" + name
}

func (d LocalDrive) CreateFolder(ctx context.Context, name, parentID string) (Folder, error) {
	name, err := cleanName(name)
	if err != nil {
		return Folder{}, err
	}
	parent, err := d.resolve(parentID)
	if err != nil {
		return Folder{}, err
	}
	if parentID != "" {
		if info, err := os.Stat(parent); err != nil || !info.IsDir() {
			return Folder{}, fmt.Errorf("parent folder %s not found", parentID)
		}
	}
	if err := os.MkdirAll(filepath.Join(parent, name), 0o755); err != nil {
		return Folder{}, err
	}
	return Folder{ID: childID(parentID, name), Name: name, ParentID: parentID}, nil
}

func (d LocalDrive) Upload(ctx context.Context, name, folderID string, content []byte) (File, error) {
	name, err := cleanName(name)
	if err != nil {
		return File{}, err
	}
	dir, err := d.resolve(folderID)
	if err != nil {
		return File{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, err
	}
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return File{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return File{}, err
	}
	return File{ID: childID(folderID, name), Name: name, FolderID: folderID, Size: info.Size(), ModifiedAt: info.ModTime().UTC().Format(time.RFC3339)}, nil
}

// Search walks folderID and returns entries whose name contains query,
// case-insensitively, sorted by id.
func (d LocalDrive) Search(ctx context.Context, query, folderID string, limit int) ([]File, error) {
	base, err := d.resolve(folderID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []File
	err = filepath.WalkDir(base, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == base {
			return nil
		}
		if !strings.Contains(strings.ToLower(entry.Name()), needle) {
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		f := File{ID: id, Name: entry.Name(), FolderID: path.Dir(id), IsFolder: entry.IsDir()}
		if f.FolderID == "." {
			f.FolderID = ""
		}
		if info, err := entry.Info(); err == nil {
			f.ModifiedAt = info.ModTime().UTC().Format(time.RFC3339)
			if !entry.IsDir() {
				f.Size = info.Size()
			}
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package tools

import (
	"fmt"
	"time"

	"opsagent/internal/notify"
	"opsagent/internal/repo"
	"opsagent/internal/search"
	"opsagent/internal/storage"
)

// Deps are the services the built-in tools act on.
type Deps struct {
	Repo     repo.Repo
	Notifier notify.Notifier
	Drive    storage.Drive
	Search   search.Index
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) stamp() string {
	return d.now().UTC().Format(time.RFC3339)
}

var (
	writeLimit     = &RateLimit{Requests: 30, Window: time.Minute}
	messagingLimit = &RateLimit{Requests: 10, Window: time.Minute}
	dynamicLimit   = &RateLimit{Requests: 20, Window: time.Minute}
)

// RegisterBuiltins registers every built-in tool on reg.
func RegisterBuiltins(reg *Registry, d Deps) error {
	all := []Tool{}
	all = append(all, databaseTools(d)...)
	all = append(all, messagingTools(d)...)
	all = append(all, storageTools(d)...)
	all = append(all, searchTools(d)...)
	all = append(all, dynamicTools(d)...)
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func clampLimit(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// normalizeTime parses an RFC3339 timestamp and returns it in UTC.
func normalizeTime(field, v string) (string, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", fmt.Errorf("%s must be an RFC3339 timestamp: %w", field, err)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func optionalTime(field, v string) (*string, error) {
	if v == "" {
		return nil, nil
	}
	s, err := normalizeTime(field, v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package auth

import (
	"fmt"
	"sort"
	"strings"

	"opsagent/internal/config"
)

const (
	RoleAdmin = "admin"
	Wildcard  = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves role scopes from config.
type Service struct {
	Roles map[string][]string
}

func New(cfg *config.Config) Service {
	s := Service{Roles: map[string][]string{}}
	if cfg == nil {
		return s
	}
	for id, role := range cfg.RBAC.Roles {
		s.Roles[id] = append([]string(nil), role.Scopes...)
	}
	return s
}

// Scopes returns the scopes granted to role, sorted.
func (s Service) Scopes(role string) []string {
	scopes := append([]string(nil), s.Roles[role]...)
	sort.Strings(scopes)
	return scopes
}

func (s Service) IsAdmin(role string) bool {
	return role == RoleAdmin || Grants(s.Roles[role], Wildcard)
}

// Require returns ForbiddenError unless role grants scope.
func (s Service) Require(role, scope string) error {
	if Grants(s.Roles[role], scope) {
		return nil
	}
	return ForbiddenError{Permission: scope}
}

// Grants reports whether granted covers scope. "*" covers everything and
// "read:*" covers every read scope.
func Grants(granted []string, scope string) bool {
	for _, g := range granted {
		if g == Wildcard || g == scope {
			return true
		}
		if strings.HasSuffix(g, ":*") && strings.HasPrefix(scope, strings.TrimSuffix(g, "*")) {
			return true
		}
	}
	return false
}

// GrantsAny reports whether granted covers at least one of required.
func GrantsAny(granted, required []string) bool {
	for _, r := range required {
		if Grants(granted, r) {
			return true
		}
	}
	return false
}

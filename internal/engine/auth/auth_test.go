package auth

import (
	"errors"
	"testing"

	"opsagent/internal/config"
)

func TestRoleScopesFromDefaultConfig(t *testing.T) {
	s := New(config.Default())
	if !s.IsAdmin("admin") {
		t.Fatalf("admin should be admin")
	}
	if s.IsAdmin("manager") {
		t.Fatalf("manager should not be admin")
	}
	if err := s.Require("developer", "write:tasks"); err != nil {
		t.Fatalf("developer should write tasks: %v", err)
	}
	err := s.Require("client", "write:tasks")
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != "write:tasks" {
		t.Fatalf("expected forbidden write:tasks, got %v", err)
	}
	if err := s.Require("unknown", "read:projects"); err == nil {
		t.Fatalf("unknown role should have no scopes")
	}
}

func TestGrantsWildcards(t *testing.T) {
	cases := []struct {
		granted []string
		scope   string
		want    bool
	}{
		{[]string{"*"}, "slack:write", true},
		{[]string{"read:*"}, "read:tasks", true},
		{[]string{"read:*"}, "write:tasks", false},
		{[]string{"read:projects"}, "read:projects", true},
		{nil, "read:projects", false},
	}
	for _, c := range cases {
		if got := Grants(c.granted, c.scope); got != c.want {
			t.Fatalf("Grants(%v, %s) = %v, want %v", c.granted, c.scope, got, c.want)
		}
	}
	if !GrantsAny([]string{"rag:read"}, []string{"drive:read", "rag:read"}) {
		t.Fatalf("expected any match")
	}
}

package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Planner.Provider != "none" {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
	if got := cfg.RoleScopes("admin"); len(got) != 1 || got[0] != "*" {
		t.Fatalf("admin scopes: %v", got)
	}
	if got := cfg.RoleScopes("nobody"); got != nil {
		t.Fatalf("unknown role must have no scopes, got %v", got)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\nscheduler:\n  max_failures: 5\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Scheduler.MaxFailures != 5 {
		t.Fatalf("overrides not applied: %+v", cfg.Server)
	}
	if cfg.Scheduler.BatchTasks != 10 || len(cfg.RBAC.Roles) == 0 {
		t.Fatalf("defaults lost: %+v", cfg.Scheduler)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"provider":     "planner:\n  provider: llama\n",
		"redis addr":   "rate_limits:\n  backend: redis\n",
		"backend":      "rate_limits:\n  backend: etcd\n",
		"window":       "rate_limits:\n  tools:\n    rag_search: {requests: 1, window: soon}\n",
		"requests":     "rate_limits:\n  tools:\n    rag_search: {requests: 0, window: 1m}\n",
		"summary":      "scheduler:\n  summary_window: \"10:00-09:00\"\n",
		"expiry":       "scheduler:\n  session_expiry: forever\n",
		"timezone":     "scheduler:\n  timezone: Mars/Olympus\n",
		"summary role": "scheduler:\n  summary_roles: [pilot]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("09:00-09:05")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Hour != 9 || w.Minute != 0 || w.Length != 5*time.Minute {
		t.Fatalf("unexpected window %+v", w)
	}
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	if !w.Contains(day.Add(9*time.Hour + 4*time.Minute)) {
		t.Fatalf("09:04 should be inside")
	}
	if w.Contains(day.Add(9*time.Hour + 5*time.Minute)) {
		t.Fatalf("end is exclusive")
	}
	for _, bad := range []string{"9-10", "25:00-26:00", "09:60-10:00"} {
		if _, err := ParseWindow(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should give defaults: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "ops config init") {
		t.Fatalf("Load without file should point at config init, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("generated default must load: %v", err)
	}
}

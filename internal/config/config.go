package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsagent.yml.
type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		BasePath   string `yaml:"base_path"`
		JWTSecret  string `yaml:"jwt_secret"`
		CronSecret string `yaml:"cron_secret"`
	} `yaml:"server"`
	Planner struct {
		Provider          string  `yaml:"provider"`
		Model             string  `yaml:"model"`
		BaseURL           string  `yaml:"base_url"`
		APIKeyEnv         string  `yaml:"api_key_env"`
		RequestsPerMinute float64 `yaml:"requests_per_minute"`
	} `yaml:"planner"`
	RateLimits struct {
		Backend   string               `yaml:"backend"`
		RedisAddr string               `yaml:"redis_addr"`
		Tools     map[string]RateLimit `yaml:"tools"`
	} `yaml:"rate_limits"`
	Scheduler Scheduler `yaml:"scheduler"`
	Notifier  struct {
		WebhookURL        string  `yaml:"webhook_url"`
		Secret            string  `yaml:"secret"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
	} `yaml:"notifier"`
	Drive struct {
		Root string `yaml:"root"`
	} `yaml:"drive"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// RateLimit overrides a tool's declared limit. Window is a Go duration string.
type RateLimit struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Scopes      []string `yaml:"scopes"`
}

type Scheduler struct {
	BatchTasks     int      `yaml:"batch_tasks"`
	BatchWorkflows int      `yaml:"batch_workflows"`
	SummaryWindow  string   `yaml:"summary_window"`
	CleanupWindow  string   `yaml:"cleanup_window"`
	RetentionDays  int      `yaml:"retention_days"`
	SessionExpiry  string   `yaml:"session_expiry"`
	SummaryRoles   []string `yaml:"summary_roles"`
	RetainActions  []string `yaml:"retain_actions"`
	Timezone       string   `yaml:"timezone"`
	MaxFailures    int      `yaml:"max_failures"`
}

// Window is a daily [start, start+length) slot in local time.
type Window struct {
	Hour, Minute int
	Length       time.Duration
}

// Contains reports whether t (already in the scheduler's location) falls in w.
func (w Window) Contains(t time.Time) bool {
	start := time.Date(t.Year(), t.Month(), t.Day(), w.Hour, w.Minute, 0, 0, t.Location())
	return !t.Before(start) && t.Before(start.Add(w.Length))
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid window %q; expected HH:MM-HH:MM", s)
	}
	sh, sm, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	eh, em, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	length := time.Duration((eh*60+em)-(sh*60+sm)) * time.Minute
	if length <= 0 {
		return Window{}, fmt.Errorf("invalid window %q: end must be after start", s)
	}
	return Window{Hour: sh, Minute: sm, Length: length}, nil
}

func parseClock(s string) (int, int, error) {
	hm := strings.Split(strings.TrimSpace(s), ":")
	if len(hm) != 2 {
		return 0, 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", hm[0])
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", hm[1])
	}
	return h, m, nil
}

// Location resolves the scheduler timezone, defaulting to time.Local.
func (s Scheduler) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ops config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Planner.Provider {
	case "", "none", "openai":
	default:
		return fmt.Errorf("config.planner.provider must be openai or none")
	}
	if c.Planner.RequestsPerMinute < 0 {
		return fmt.Errorf("config.planner.requests_per_minute must be >= 0")
	}
	switch c.RateLimits.Backend {
	case "", "memory":
	case "redis":
		if c.RateLimits.RedisAddr == "" {
			return fmt.Errorf("config.rate_limits.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.rate_limits.backend must be memory or redis")
	}
	for name, rl := range c.RateLimits.Tools {
		if rl.Requests <= 0 {
			return fmt.Errorf("rate limit for tool %s must allow at least one request", name)
		}
		if d, err := time.ParseDuration(rl.Window); err != nil || d <= 0 {
			return fmt.Errorf("rate limit for tool %s has invalid window %q", name, rl.Window)
		}
	}
	s := c.Scheduler
	if s.BatchTasks <= 0 || s.BatchWorkflows <= 0 {
		return fmt.Errorf("config.scheduler batch sizes must be positive")
	}
	if s.MaxFailures <= 0 {
		return fmt.Errorf("config.scheduler.max_failures must be positive")
	}
	if s.RetentionDays <= 0 {
		return fmt.Errorf("config.scheduler.retention_days must be positive")
	}
	if _, err := ParseWindow(s.SummaryWindow); err != nil {
		return fmt.Errorf("config.scheduler.summary_window: %w", err)
	}
	if _, err := ParseWindow(s.CleanupWindow); err != nil {
		return fmt.Errorf("config.scheduler.cleanup_window: %w", err)
	}
	if d, err := time.ParseDuration(s.SessionExpiry); err != nil || d <= 0 {
		return fmt.Errorf("config.scheduler.session_expiry must be a positive duration")
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("config.scheduler.timezone: %w", err)
	}
	if c.Notifier.MessagesPerSecond < 0 {
		return fmt.Errorf("config.notifier.messages_per_second must be >= 0")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, scope := range role.Scopes {
			if scope == "" {
				return fmt.Errorf("role %s has empty scope", roleID)
			}
		}
	}
	for _, role := range s.SummaryRoles {
		if _, ok := c.RBAC.Roles[role]; !ok {
			return fmt.Errorf("summary role %s is not defined in rbac.roles", role)
		}
	}
	return nil
}

// RoleScopes returns the scopes granted to role, nil for unknown roles.
func (c *Config) RoleScopes(role string) []string {
	if c == nil {
		return nil
	}
	r, ok := c.RBAC.Roles[role]
	if !ok {
		return nil
	}
	return append([]string(nil), r.Scopes...)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsagent.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  cron_secret: ""

planner:
  provider: none
  model: gpt-4o-mini
  base_url: ""
  api_key_env: OPENAI_API_KEY
  requests_per_minute: 30

rate_limits:
  backend: memory
  redis_addr: ""
  tools: {}

scheduler:
  batch_tasks: 10
  batch_workflows: 5
  summary_window: "09:00-09:05"
  cleanup_window: "02:00-02:05"
  retention_days: 30
  session_expiry: 24h
  max_failures: 3
  timezone: Local
  summary_roles: [developer, manager, admin]
  retain_actions: [plan_approved, plan_rejected, agent_execution]

notifier:
  webhook_url: ""
  secret: ""
  messages_per_second: 1

drive:
  root: ""

rbac:
  roles:
    admin:
      description: "Full access"
      scopes: ["*"]
    manager:
      description: "Project manager"
      scopes:
        - read:projects
        - read:tasks
        - read:users
        - write:projects
        - write:tasks
        - slack:write
        - drive:read
        - drive:write
        - rag:read
        - rag:write
        - agent:dynamic
        - scheduler:write
    developer:
      description: "Team member"
      scopes:
        - read:projects
        - read:tasks
        - read:users
        - write:tasks
        - drive:read
        - rag:read
    client:
      description: "Client portal user"
      scopes: [read:projects, rag:read]
    user:
      description: "Read-only"
      scopes: [read:projects]
`

// Package app builds the process-wide services once from a workspace and its
// config. Commands and the HTTP server receive them explicitly.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opsagent/internal/config"
	"opsagent/internal/db"
	"opsagent/internal/engine"
	"opsagent/internal/migrate"
	"opsagent/internal/monitoring"
	"opsagent/internal/notify"
	"opsagent/internal/planner"
	"opsagent/internal/repo"
	"opsagent/internal/scheduler"
	"opsagent/internal/search"
	"opsagent/internal/storage"
	"opsagent/internal/tools"
)

// Options override parts of the workspace config at start-up.
type Options struct {
	Workspace string
	// APIKey wins over the planner's api_key_env lookup.
	APIKey string
	Log    *zap.SugaredLogger
}

type Services struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Tools     *tools.Registry
	Notifier  notify.Notifier
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	Monitor   monitoring.Monitor
	Log       *zap.SugaredLogger

	redis *redis.Client
}

// Open loads the workspace config (defaults when the file is absent), opens
// and migrates the database and wires every service.
func Open(ctx context.Context, opts Options) (*Services, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

// New wires services for an already loaded config.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	from, err := migrate.Version(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	to, err := migrate.MigrateTo(conn, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if to != from {
		log.Infow("schema migrated", "from", from, "to", to)
	}
	s := &Services{Workspace: opts.Workspace, Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Log: log}
	if err := s.wire(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) wire(ctx context.Context, opts Options) error {
	cfg := s.Config
	limiter, err := s.limiter(ctx)
	if err != nil {
		return err
	}
	s.Tools = tools.NewRegistry(limiter)

	if url := strings.TrimSpace(cfg.Notifier.WebhookURL); url != "" {
		s.Notifier = notify.NewWebhook(url, cfg.Notifier.Secret, cfg.Notifier.MessagesPerSecond)
	} else {
		s.Notifier = notify.LogNotifier{Log: s.Log.Named("notify")}
	}

	driveRoot := cfg.Drive.Root
	if driveRoot == "" {
		stateDir, err := db.EnsureWorkspace(s.Workspace)
		if err != nil {
			return err
		}
		driveRoot = filepath.Join(stateDir, "drive")
	}
	if err := os.MkdirAll(driveRoot, 0o755); err != nil {
		return fmt.Errorf("drive root: %w", err)
	}

	if err := tools.RegisterBuiltins(s.Tools, tools.Deps{
		Repo:     s.Repo,
		Notifier: s.Notifier,
		Drive:    storage.LocalDrive{Root: driveRoot},
		Search:   search.Index{Repo: s.Repo},
	}); err != nil {
		return err
	}
	for name, rl := range cfg.RateLimits.Tools {
		window, err := time.ParseDuration(rl.Window)
		if err != nil {
			return fmt.Errorf("rate limit for %s: %w", name, err)
		}
		if err := s.Tools.SetRateLimit(name, tools.RateLimit{Requests: rl.Requests, Window: window}); err != nil {
			return fmt.Errorf("rate limit for %s: %w", name, err)
		}
	}

	apiKey := opts.APIKey
	if apiKey == "" && cfg.Planner.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Planner.APIKeyEnv)
	}
	pl, err := planner.New(planner.Options{
		Provider:          cfg.Planner.Provider,
		Model:             cfg.Planner.Model,
		BaseURL:           cfg.Planner.BaseURL,
		APIKey:            apiKey,
		RequestsPerMinute: cfg.Planner.RequestsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	s.Engine = engine.New(s.DB, cfg, s.Tools, pl, s.Log.Named("engine"))
	s.Scheduler, err = scheduler.New(s.DB, cfg, s.Tools, s.Notifier, s.Log.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.Monitor = monitoring.Monitor{Repo: s.Repo}
	return nil
}

func (s *Services) limiter(ctx context.Context) (tools.Limiter, error) {
	rl := s.Config.RateLimits
	switch rl.Backend {
	case "", "memory":
		return tools.NewMemoryLimiter(), nil
	case "redis":
		if rl.RedisAddr == "" {
			return nil, errors.New("rate_limits.redis_addr is required for the redis backend")
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		l, client, err := tools.NewRedisLimiter(pingCtx, rl.RedisAddr, os.Getenv("OPSAGENT_REDIS_PASSWORD"), 0)
		if err != nil {
			return nil, err
		}
		s.redis = client
		return l, nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", rl.Backend)
	}
}

func (s *Services) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

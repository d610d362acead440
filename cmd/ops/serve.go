package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"opsagent/internal/app"
	"opsagent/internal/scheduler"
	"opsagent/internal/server"
	opsagentsdk "opsagent/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tickInterval time.Duration
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if !cmd.Flags().Changed("addr") && s.Config.Server.Addr != "" {
					addr = s.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && s.Config.Server.BasePath != "" {
					basePath = s.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:     s.Config.Server.JWTSecret,
					CronSecret:    s.Config.Server.CronSecret,
					AllowDevLogin: devLogin,
					Logger:        s.Log.Named("auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("OPSAGENT_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				if authCfg.CronSecret == "" {
					s.Log.Warn("no cron secret configured; POST scheduler/tick will reject every caller")
				}
				handler, err := server.New(server.Config{
					Engine:    s.Engine,
					Scheduler: s.Scheduler,
					Monitor:   s.Monitor,
					BasePath:  basePath,
					Auth:      authCfg,
					Log:       s.Log.Named("http"),
				})
				if err != nil {
					return err
				}
				if tickInterval > 0 {
					go runTicker(ctx, s, tickInterval)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				s.Log.Infow("serving opsagent API", "addr", addr, "base_path", basePath, "tick_interval", tickInterval.String())
				fmt.Printf("Serving opsagent API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", 0, "run a scheduler tick in-process at this interval (0 disables)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST auth/dev/login for local testing")
	return cmd
}

// runTicker drives the scheduler in-process, for deployments without an
// external cron caller.
func runTicker(ctx context.Context, s *app.Services, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := s.Scheduler.Tick(ctx)
			if err != nil {
				s.Log.Errorw("scheduler tick failed", "error", err, "errors", res.Errors)
				continue
			}
			s.Log.Debugw("scheduler tick", "scheduled_tasks", res.ScheduledTasks, "workflows", res.Workflows, "daily_summaries", res.DailySummaries)
		}
	}
}

func tickCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass",
		Long:  "Runs due scheduled tasks, advances workflows, sends daily summaries and cleans up. With --remote the pass runs on a server authenticated by the cron secret.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				c := opsagentsdk.New(remote)
				c.CronSecret = cfg.Server.CronSecret
				res, err := c.Tick(cmd.Context())
				if res.Timestamp != "" {
					if perr := printTick(res.Success, res.Timestamp, res.Duration, res.Results.ScheduledTasks, res.Results.Workflows, res.Results.DailySummaries, res.Results.Errors, res); perr != nil {
						return perr
					}
				}
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Scheduler.Tick(ctx)
				if perr := printTick(res.Success, res.Timestamp, res.Duration.Milliseconds(), res.ScheduledTasks, res.Workflows, res.DailySummaries, res.Errors, res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "API base URL of a running server, e.g. http://127.0.0.1:8080/v0")
	return cmd
}

func printTick(success bool, ts string, durationMS int64, tasks, workflows, summaries int, errs []string, v any) error {
	return printJSONOrTable(v,
		table.Row{"Success", "Timestamp", "Duration", "Scheduled", "Workflows", "Summaries", "Errors"},
		[]table.Row{{success, ts, fmt.Sprintf("%dms", durationMS), tasks, workflows, summaries, len(errs)}})
}

func statsCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			header := table.Row{"Active scheduled", "Active workflows", "Pending tasks"}
			if remote != "" {
				st, err := opsagentsdk.New(remote).TickStats(cmd.Context())
				if err != nil {
					return err
				}
				if st.Stats == nil {
					return fmt.Errorf("scheduler %s: %s", st.Status, st.Error)
				}
				return printJSONOrTable(st, header, []table.Row{{st.Stats.ActiveScheduledTasks, st.Stats.ActiveWorkflows, st.Stats.PendingTasks}})
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				st, err := s.Scheduler.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(st, header)
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "API base URL of a running server")
	return cmd
}

func printStats(st scheduler.Stats, header table.Row) error {
	return printJSONOrTable(st, header, []table.Row{{st.ActiveScheduledTasks, st.ActiveWorkflows, st.PendingTasks}})
}

// jwtSecret resolves the signing secret used by the token command.
func jwtSecret() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Server.JWTSecret == "" {
		return "", fmt.Errorf("OPSAGENT_JWT_SECRET (or server.jwt_secret) is required")
	}
	return cfg.Server.JWTSecret, nil
}

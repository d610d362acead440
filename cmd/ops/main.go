package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"opsagent/internal/app"
	"opsagent/internal/config"
	"opsagent/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "ops",
	Short: "opsagent CLI",
	Long: `opsagent turns natural-language requests into approved, audited tool plans
for a project-operations workspace.
Core concepts:
- Workspace: the directory holding opsagent.yml and the .opsagent state directory.
- Session: a user's conversation with the agent, optionally scoped to a project.
- Plan: ordered tool calls proposed by the planner; nothing runs until it is approved.
- Tools: registered operations (database, messaging, storage, search, dynamic queries) gated by role scopes.
- Scheduler: ticks run due scheduled tasks, advance workflows, send daily summaries and clean up.
- Audit log: every transition is recorded; view it with 'ops audit tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "acting user id")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit production JSON logs")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-json", rootCmd.PersistentFlags().Lookup("log-json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func newLogger() (*zap.SugaredLogger, error) {
	var zcfg zap.Config
	if viper.GetBool("log-json") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// loadConfig reads opsagent.yml and applies secrets from the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("cron-secret"); v != "" {
		cfg.Server.CronSecret = v
	}
	return cfg, nil
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := app.New(ctx, cfg, app.Options{
		Workspace: viper.GetString("workspace"),
		APIKey:    viper.GetString("planner-api-key"),
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrTable prints v as JSON with --json, otherwise as a table built
// from header and rows.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if jsonOutput() || header == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func parseParams(raw string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params json: %w", err)
	}
	return params, nil
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

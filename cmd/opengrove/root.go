package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/config"
	"github.com/opengrove/opengrove/internal/opengrove/observability"
)

// drainTimeout bounds how long a command waits for queued embedding jobs on
// exit.
const drainTimeout = 30 * time.Second

var (
	configPath string
	envFile    string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "opengrove",
	Short: "Inspect and drive the OpenGrove context engine",
	Long: `opengrove manages branching conversations, assembles token-budgeted
context for a model and maintains the long-term memory index.

Configuration is read from --config (YAML) and OPENGROVE_* environment
variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OPENGROVE_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// withApp loads the configuration, wires the application, runs fn and shuts
// the application down. The embedding worker runs while fn does and drains
// before withApp returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := observability.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.Start(ctx)

	runErr := fn(ctx, a)
	if err := a.Close(drainTimeout); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// loadEnvFile loads path into the process environment without overriding
// variables already set. An empty path loads ./.env if it exists.
func loadEnvFile(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

// Package commands implements the valet CLI using cobra.
package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/config"
	"github.com/valetbot/valet/pkg/valet/orchestrator"
)

// NewRootCmd creates the root command with all subcommands registered.
// Running the bare root starts the orchestrator.
func NewRootCmd(version string) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - single-user agent orchestrator",
		Long: `Valet runs a personal agent over Discord: scheduled routines and
reminders, authenticated webhooks, forked background sessions, and
tool approvals from chat.

Examples:
  valet
  valet reminder add --delay 30 -m "check the oven"
  valet routine add --cron "0 9 * * 1-5" -m "morning briefing" --background
  valet webhook list`,
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), verbose)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")

	rootCmd.AddCommand(
		newReminderCmd(),
		newRoutineCmd(),
		newWebhookCmd(),
		newSetupCmd(),
	)
	return rootCmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, verbose bool) error {
	logger := newLogger(verbose)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}
	return o.Run(ctx)
}

// stateDir resolves the state directory for entry-management commands,
// which must work without a full runtime configuration.
func stateDir() (string, error) {
	_ = godotenv.Load()
	if dir := os.Getenv("VALET_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".valet"), nil
}

package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/audit"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// entryFlags are the knobs shared by reminder add and routine add.
type entryFlags struct {
	description     string
	background      bool
	skipIfBusy      bool
	model           string
	noThinking      bool
	isolated        bool
	updateMode      string
	noPing          bool
	allowedTools    []string
	disallowedTools []string
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.description, "description", "", "short label shown in listings")
	cmd.Flags().BoolVar(&f.background, "background", false, "run invisibly in a fork")
	cmd.Flags().BoolVar(&f.skipIfBusy, "skip-if-busy", false, "skip the fire when the agent is busy")
	cmd.Flags().StringVar(&f.model, "model", "", "model override for this entry")
	cmd.Flags().BoolVar(&f.noThinking, "no-thinking", false, "disable extended thinking")
	cmd.Flags().BoolVar(&f.isolated, "isolated", false, "fresh context, no main session history")
	cmd.Flags().StringVar(&f.updateMode, "update-main-session", "", "always|on_ping|freely|blocked")
	cmd.Flags().BoolVar(&f.noPing, "no-ping", false, "forbid pings for this entry")
	cmd.Flags().StringSliceVar(&f.allowedTools, "allowed-tools", nil, "tools the fork may use (everything else denied)")
	cmd.Flags().StringSliceVar(&f.disallowedTools, "disallowed-tools", nil, "tools the fork may not use")
}

func (f *entryFlags) policy() (schedule.Policy, error) {
	p := schedule.DefaultPolicy()
	if f.updateMode != "" {
		p.UpdateMainSession = schedule.UpdateMode(f.updateMode)
	}
	if f.noPing {
		p.AllowPing = false
	}
	p.AllowedTools = f.allowedTools
	p.BlockedTools = f.disallowedTools
	if err := p.Validate(); err != nil {
		return schedule.Policy{}, err
	}
	return p, nil
}

// openStore returns the entry store for management commands.
func openStore() (*schedule.Store, string, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, "", err
	}
	for _, sub := range []string{"routines", "reminders", "webhooks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, "", err
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return schedule.NewStore(dir, logger), dir, nil
}

// lastFireNote formats audit info for list output.
func lastFireNote(audits *audit.Store, id string) string {
	if audits == nil {
		return ""
	}
	rec, err := audits.LastFire(id)
	if err != nil || rec == nil {
		return "never fired"
	}
	note := fmt.Sprintf("last fired %s (%s)", rec.StartedAt.Local().Format("Jan 2 15:04"), rec.Outcome)
	if rec.Outcome == audit.OutcomeError && rec.Error != "" {
		note += ": " + rec.Error
	}
	return note
}

// openAudit opens the audit store read-mostly; nil when unavailable.
func openAudit(dir string) *audit.Store {
	audits, err := audit.NewStore(filepath.Join(dir, "audit.db"), nil, nil)
	if err != nil {
		return nil
	}
	return audits
}

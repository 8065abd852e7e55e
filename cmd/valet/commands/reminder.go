package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/schedule"
)

func newReminderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminder",
		Short: "Manage one-shot reminders",
	}
	cmd.AddCommand(newReminderAddCmd(), newReminderListCmd(), newReminderCancelCmd())
	return cmd
}

func newReminderAddCmd() *cobra.Command {
	var (
		flags       entryFlags
		delay       int
		at          string
		message     string
		maxChain    int
		chainDepth  int
		chainParent string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a one-shot reminder",
		Long: `Schedules a reminder that fires once and is removed.

Examples:
  valet reminder add --delay 30 -m "check the oven"
  valet reminder add --at "2026-09-01T09:00:00Z" -m "renew the domain"
  valet reminder add --delay 60 -m "watch the deploy" --background --max-chain 3`,
		RunE: func(_ *cobra.Command, _ []string) error {
			runAt, err := resolveRunAt(delay, at)
			if err != nil {
				return err
			}
			r, err := schedule.NewReminder(runAt, message, chainDepth, maxChain, chainParent)
			if err != nil {
				return err
			}
			r.Description = flags.description
			r.Background = flags.background
			r.SkipIfBusy = flags.skipIfBusy
			r.Model = flags.model
			r.Thinking = !flags.noThinking
			r.Isolated = flags.isolated
			if r.Policy, err = flags.policy(); err != nil {
				return err
			}
			if err := r.Validate(); err != nil {
				return err
			}

			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.WriteReminder(r); err != nil {
				return err
			}
			fmt.Printf("Reminder %s scheduled for %s\n", r.ID, r.RunAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&delay, "delay", 0, "fire in N minutes")
	cmd.Flags().StringVar(&at, "at", "", "fire at an RFC 3339 time")
	cmd.Flags().StringVarP(&message, "message", "m", "", "reminder prompt (required)")
	cmd.Flags().IntVar(&maxChain, "max-chain", 0, "allow up to K follow-up checks")
	cmd.Flags().IntVar(&chainDepth, "chain-depth", 0, "")
	cmd.Flags().StringVar(&chainParent, "chain-parent", "", "")
	cmd.Flags().MarkHidden("chain-depth")
	cmd.Flags().MarkHidden("chain-parent")
	cmd.MarkFlagRequired("message")
	return cmd
}

func resolveRunAt(delay int, at string) (time.Time, error) {
	switch {
	case delay > 0 && at != "":
		return time.Time{}, fmt.Errorf("--delay and --at are mutually exclusive")
	case delay > 0:
		return time.Now().Add(time.Duration(delay) * time.Minute), nil
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at time: %w", err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("either --delay or --at is required")
	}
}

func newReminderListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending reminders",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, dir, err := openStore()
			if err != nil {
				return err
			}
			audits := openAudit(dir)
			if audits != nil {
				defer audits.Close()
			}

			reminders := store.Reminders()
			if len(reminders) == 0 {
				fmt.Println("No pending reminders.")
				return nil
			}
			for _, r := range reminders {
				bg := ""
				if r.Background {
					bg = " [bg]"
				}
				chain := ""
				if r.MaxChain > 0 {
					chain = fmt.Sprintf(" [chain %d/%d]", r.ChainDepth, r.MaxChain)
				}
				fmt.Printf("%s  %s%s%s  %s — %s\n",
					r.ID, r.RunAt.Local().Format("Jan 2 15:04"), bg, chain,
					r.Label(), lastFireNote(audits, r.ID))
			}
			return nil
		},
	}
}

func newReminderCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Remove(schedule.KindReminder, args[0]); err != nil {
				return err
			}
			fmt.Printf("Reminder %s cancelled\n", args[0])
			return nil
		},
	}
}

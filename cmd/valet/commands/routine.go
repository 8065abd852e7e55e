package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/schedule"
)

func newRoutineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routine",
		Short: "Manage recurring routines",
	}
	cmd.AddCommand(newRoutineAddCmd(), newRoutineListCmd(), newRoutineCancelCmd())
	return cmd
}

func newRoutineAddCmd() *cobra.Command {
	var (
		flags    entryFlags
		cronExpr string
		message  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a recurring routine",
		Long: `Schedules a routine on a 5-field cron expression (weekday 0=Sunday).

Examples:
  valet routine add --cron "0 9 * * 1-5" -m "morning briefing"
  valet routine add --cron "*/30 * * * *" -m "inbox sweep" --background --skip-if-busy`,
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := schedule.NewRoutine(cronExpr, message)
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

			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.WriteRoutine(r); err != nil {
				return err
			}
			fmt.Printf("Routine %s scheduled (%s)\n", r.ID, r.Cron)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "routine prompt (required)")
	cmd.MarkFlagRequired("cron")
	cmd.MarkFlagRequired("message")
	return cmd
}

func newRoutineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List routines",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, dir, err := openStore()
			if err != nil {
				return err
			}
			audits := openAudit(dir)
			if audits != nil {
				defer audits.Close()
			}

			routines := store.Routines()
			if len(routines) == 0 {
				fmt.Println("No routines.")
				return nil
			}
			for _, r := range routines {
				bg := ""
				if r.Background {
					bg = " [bg]"
				}
				fmt.Printf("%s  %-16s%s  %s — %s\n",
					r.ID, r.Cron, bg, r.Label(), lastFireNote(audits, r.ID))
			}
			return nil
		},
	}
}

func newRoutineCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a routine",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Remove(schedule.KindRoutine, args[0]); err != nil {
				return err
			}
			fmt.Printf("Routine %s removed\n", args[0])
			return nil
		},
	}
}

package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/config"
)

// newSetupCmd creates the `valet setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Collects the Discord bot token, names and timezone, writes .env, and
optionally stores the token in the OS keyring instead of plaintext.

Examples:
  valet setup`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSetup()
		},
	}
}

func runSetup() error {
	var (
		token      string
		userName   = "boss"
		botName    = "Valet"
		timezone   = "Local"
		useKeyring = config.KeyringAvailable()
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("From the Discord developer portal (Bot → Token).").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Your name").
				Description("How the agent addresses you.").
				Value(&userName),
			huh.NewInput().
				Title("Bot name").
				Value(&botName),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name like Europe/Berlin; cron fires in this zone.").
				Value(&timezone).
				Validate(func(s string) error {
					_, err := time.LoadLocation(s)
					return err
				}),
			huh.NewConfirm().
				Title("Store the token in the OS keyring?").
				Description("Keeps the token out of .env.").
				Value(&useKeyring),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	var env strings.Builder
	fmt.Fprintf(&env, "USER_NAME=%s\n", userName)
	fmt.Fprintf(&env, "BOT_NAME=%s\n", botName)
	fmt.Fprintf(&env, "TIMEZONE=%s\n", timezone)

	if useKeyring {
		if err := config.StoreKeyring(config.KeyDiscordToken, token); err != nil {
			fmt.Println("Keyring unavailable, falling back to .env:", err)
			fmt.Fprintf(&env, "DISCORD_TOKEN=%s\n", token)
		} else {
			fmt.Println("Token stored in the OS keyring.")
		}
	} else {
		fmt.Fprintf(&env, "DISCORD_TOKEN=%s\n", token)
	}

	if err := os.WriteFile(".env", []byte(env.String()), 0600); err != nil {
		return fmt.Errorf("write .env: %w", err)
	}
	fmt.Println("Wrote .env — run `valet` to start.")
	return nil
}

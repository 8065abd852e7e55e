// Package config loads runtime configuration from the environment, a .env
// file, and the OS keyring.
//
// Priority for resolving secrets:
//  1. Environment variable (already set in the process)
//  2. .env file (loaded by godotenv, never overrides the environment)
//  3. OS keyring (Linux: Secret Service, macOS: Keychain, Windows:
//     Credential Manager)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "valet"

	// Keyring key names.
	KeyDiscordToken  = "discord_token"
	KeyWebhookSecret = "webhook_secret"
)

// Config is the resolved runtime configuration.
type Config struct {
	// UserName is how the agent addresses the owner.
	UserName string

	// BotName is the assistant's name in prompts.
	BotName string

	// DiscordToken is the bot token.
	DiscordToken string

	// DiscordOwnerID pins the trusted user. Empty means detect the
	// application owner.
	DiscordOwnerID string

	// DiscordChannelID restricts intake to one channel.
	DiscordChannelID string

	// WebhookSecret authenticates POST /hook/<id>. Empty disables the
	// webhook listener.
	WebhookSecret string

	// WebhookAddr is the webhook listen address.
	WebhookAddr string

	// MCPAddr is the local tool server listen address.
	MCPAddr string

	// StateDir holds schedule entries, session state and the audit db.
	StateDir string

	// WorkDir is the agent's working directory.
	WorkDir string

	// Timezone for cron evaluation.
	Timezone *time.Location
}

// Load resolves configuration. A .env file in the working directory is
// honored but never overrides real environment variables.
func Load() (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	cfg := &Config{
		UserName:         envOr("USER_NAME", "boss"),
		BotName:          envOr("BOT_NAME", "Valet"),
		DiscordToken:     resolveSecret("DISCORD_TOKEN", KeyDiscordToken),
		DiscordOwnerID:   os.Getenv("DISCORD_OWNER_ID"),
		DiscordChannelID: os.Getenv("DISCORD_CHANNEL_ID"),
		WebhookSecret:    resolveSecret("WEBHOOK_SECRET", KeyWebhookSecret),
		WebhookAddr:      envOr("WEBHOOK_ADDR", "127.0.0.1:8444"),
		MCPAddr:          envOr("MCP_ADDR", "127.0.0.1:8445"),
	}

	stateDir := os.Getenv("VALET_STATE_DIR")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		stateDir = filepath.Join(home, ".valet")
	}
	cfg.StateDir = stateDir

	workDir := os.Getenv("VALET_WORK_DIR")
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve work dir: %w", err)
		}
	}
	cfg.WorkDir = workDir

	tz := envOr("TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Timezone = loc

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required (env, .env, or `valet setup`)")
	}
	return cfg, nil
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.StateDir,
		filepath.Join(c.StateDir, "routines"),
		filepath.Join(c.StateDir, "reminders"),
		filepath.Join(c.StateDir, "webhooks"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// StorePath returns a path under the state directory.
func (c *Config) StorePath(name string) string {
	return filepath.Join(c.StateDir, name)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// resolveSecret checks the environment first, then the OS keyring.
func resolveSecret(envName, keyringKey string) string {
	if v := os.Getenv(envName); v != "" {
		return v
	}
	if v, err := keyring.Get(keyringService, keyringKey); err == nil {
		return v
	}
	return ""
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__valet_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

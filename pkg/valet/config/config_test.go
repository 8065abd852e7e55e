package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	t.Setenv("USER_NAME", "")
	t.Setenv("BOT_NAME", "")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserName != "boss" || cfg.BotName != "Valet" {
		t.Errorf("defaults = %q / %q", cfg.UserName, cfg.BotName)
	}
	if cfg.WebhookAddr != "127.0.0.1:8444" {
		t.Errorf("webhook addr = %q", cfg.WebhookAddr)
	}
	if cfg.Timezone.String() != "UTC" {
		t.Errorf("timezone = %v", cfg.Timezone)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	if _, err := Load(); err == nil {
		t.Fatal("missing token accepted")
	}
}

func TestLoadBadTimezone(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	t.Setenv("TIMEZONE", "Mars/Olympus")
	if _, err := Load(); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{StateDir: filepath.Join(dir, "state")}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.StorePath("audit.db"); got != filepath.Join(dir, "state", "audit.db") {
		t.Errorf("StorePath = %q", got)
	}
}

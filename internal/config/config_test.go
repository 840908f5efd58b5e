package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_SecretsAndPreferences(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "secrets.env", strings.Join([]string{
		"TELEGRAM_BOT_TOKEN=123:abc",
		"TELEGRAM_USER_ID=42",
		"ANTHROPIC_API_KEY=sk-ant-test",
	}, "\n"))
	prefs := writeFile(t, dir, "preferences.toml", `
[sessions]
max_concurrent = 3
default_type = "shell"

[tokens]
plan_tier = "mid"

[notifications.quiet_hours]
enabled = true
start = "23:00"
end = "08:00"
`)

	cfg, err := Load(secrets, prefs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Secrets.TelegramBotToken != "123:abc" || cfg.Secrets.TelegramUserID != 42 {
		t.Fatalf("secrets = %+v", cfg.Secrets)
	}
	if cfg.Secrets.AIAPIKey != "sk-ant-test" {
		t.Fatalf("ai key = %q", cfg.Secrets.AIAPIKey)
	}
	if cfg.Preferences.Sessions.MaxConcurrent != 3 || cfg.Preferences.Sessions.DefaultType != "shell" {
		t.Fatalf("sessions = %+v", cfg.Preferences.Sessions)
	}
	if cfg.Preferences.Tokens.PlanTier != "mid" {
		t.Fatalf("tier = %q", cfg.Preferences.Tokens.PlanTier)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Preferences.Monitor.PollIntervalMs != 500 {
		t.Fatalf("poll interval = %d", cfg.Preferences.Monitor.PollIntervalMs)
	}
	if !cfg.Preferences.Notifications.QuietHours.Enabled || cfg.Preferences.Notifications.QuietHours.Start != "23:00" {
		t.Fatalf("quiet hours = %+v", cfg.Preferences.Notifications.QuietHours)
	}
	if len(cfg.MissingSecrets()) != 0 {
		t.Fatalf("missing = %v", cfg.MissingSecrets())
	}
}

func TestLoad_MissingFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.env"), filepath.Join(dir, "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Preferences.Tokens.PlanTier != "pro" || cfg.Preferences.Notifications.BatchWindowS != 5 {
		t.Fatalf("defaults = %+v", cfg.Preferences)
	}
}

func TestLoad_BadUserID(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "secrets.env", "TELEGRAM_USER_ID=abc")
	if _, err := Load(secrets, filepath.Join(dir, "nope.toml")); err == nil {
		t.Fatal("non-numeric user id should fail")
	}
}

func TestLoad_MalformedPreferences(t *testing.T) {
	dir := t.TempDir()
	prefs := writeFile(t, dir, "preferences.toml", "[sessions\nmax = ")
	if _, err := Load(filepath.Join(dir, "nope.env"), prefs); err == nil {
		t.Fatal("malformed TOML should fail")
	}
}

func TestMissingSecrets(t *testing.T) {
	var cfg Config
	missing := cfg.MissingSecrets()
	for _, want := range []string{"TELEGRAM_BOT_TOKEN", "TELEGRAM_USER_ID", "ANTHROPIC_API_KEY"} {
		found := false
		for _, m := range missing {
			if m == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing list %v should contain %s", missing, want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/projects"); got != filepath.Join(home, "projects") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := ExpandPath("relative"); got != "relative" {
		t.Errorf("relative path changed: %q", got)
	}
}

// Package config loads the daemon configuration: a secrets file with
// key=value lines and a TOML preferences file. Both are read once at
// startup; a missing required secret is fatal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// HomeDir returns the conductor state directory (~/.conductor).
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// Secrets come from the key=value file, never from the preferences file.
type Secrets struct {
	TelegramBotToken string
	TelegramUserID   int64
	AIAPIKey         string
	LogLevel         string
}

type SessionsConfig struct {
	MaxConcurrent int               `toml:"max_concurrent"`
	DefaultType   string            `toml:"default_type"`
	DefaultDir    string            `toml:"default_dir"`
	Aliases       map[string]string `toml:"aliases"`
}

type TokensConfig struct {
	PlanTier    string `toml:"plan_tier"`
	WarningPct  int    `toml:"warning_pct"`
	DangerPct   int    `toml:"danger_pct"`
	CriticalPct int    `toml:"critical_pct"`
	WindowHours int    `toml:"window_hours"`
}

type MonitorConfig struct {
	PollIntervalMs           int `toml:"poll_interval_ms"`
	ActivePollIntervalMs     int `toml:"active_poll_interval_ms"`
	IdlePollIntervalMs       int `toml:"idle_poll_interval_ms"`
	OutputBufferMaxLines     int `toml:"output_buffer_max_lines"`
	CompletionIdleThresholdS int `toml:"completion_idle_threshold_s"`
}

type QuietHoursConfig struct {
	Enabled  bool   `toml:"enabled"`
	Start    string `toml:"start"`
	End      string `toml:"end"`
	Timezone string `toml:"timezone"`
}

type SoundsConfig struct {
	InputRequired bool `toml:"input_required"`
	TokenWarning  bool `toml:"token_warning"`
	Error         bool `toml:"error"`
	Completed     bool `toml:"completed"`
}

type NotificationsConfig struct {
	BatchWindowS         int              `toml:"batch_window_s"`
	ConfirmationTimeoutS int              `toml:"confirmation_timeout_s"`
	QuietHours           QuietHoursConfig `toml:"quiet_hours"`
	Sounds               SoundsConfig     `toml:"sounds"`
}

type DefaultRule struct {
	Pattern   string `toml:"pattern"`
	Response  string `toml:"response"`
	MatchType string `toml:"match_type"`
}

type AutoResponderConfig struct {
	Enabled      bool          `toml:"enabled"`
	DefaultRules []DefaultRule `toml:"default_rules"`
}

type AIConfig struct {
	Model               string `toml:"model"`
	SummaryMaxTokens    int    `toml:"summary_max_tokens"`
	SuggestionMaxTokens int    `toml:"suggestion_max_tokens"`
	NLPMaxTokens        int    `toml:"nlp_max_tokens"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	FallbackLines       int    `toml:"fallback_lines"`
}

type SecurityConfig struct {
	RedactPatterns     []string `toml:"redact_patterns"`
	ConfirmDestructive bool     `toml:"confirm_destructive"`
	LogAllCommands     bool     `toml:"log_all_commands"`
}

type LoggingConfig struct {
	File          string `toml:"file"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	BackupCount   int    `toml:"backup_count"`
	ConsoleOutput bool   `toml:"console_output"`
}

type Preferences struct {
	Sessions      SessionsConfig      `toml:"sessions"`
	Tokens        TokensConfig        `toml:"tokens"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Notifications NotificationsConfig `toml:"notifications"`
	AutoResponder AutoResponderConfig `toml:"auto_responder"`
	AI            AIConfig            `toml:"ai"`
	Security      SecurityConfig      `toml:"security"`
	Logging       LoggingConfig       `toml:"logging"`
}

// Config is the full startup configuration, constructed once and passed
// into every component's constructor.
type Config struct {
	Secrets     Secrets
	Preferences Preferences
	DBPath      string
}

func defaultPreferences() Preferences {
	return Preferences{
		Sessions: SessionsConfig{
			MaxConcurrent: 5,
			DefaultType:   "claude-code",
			DefaultDir:    "~/projects",
		},
		Tokens: TokensConfig{
			PlanTier:    "pro",
			WarningPct:  80,
			DangerPct:   90,
			CriticalPct: 95,
			WindowHours: 5,
		},
		Monitor: MonitorConfig{
			PollIntervalMs:           500,
			ActivePollIntervalMs:     300,
			IdlePollIntervalMs:       2000,
			OutputBufferMaxLines:     5000,
			CompletionIdleThresholdS: 30,
		},
		Notifications: NotificationsConfig{
			BatchWindowS:         5,
			ConfirmationTimeoutS: 30,
		},
		AutoResponder: AutoResponderConfig{Enabled: true},
		AI: AIConfig{
			Model:               "gpt-4o-mini",
			SummaryMaxTokens:    200,
			SuggestionMaxTokens: 300,
			NLPMaxTokens:        150,
			TimeoutSeconds:      10,
			FallbackLines:       20,
		},
		Security: SecurityConfig{ConfirmDestructive: true, LogAllCommands: true},
		Logging: LoggingConfig{
			File:          filepath.Join(HomeDir(), "conductor.log"),
			MaxSizeMB:     50,
			BackupCount:   3,
			ConsoleOutput: true,
		},
	}
}

// Load reads secretsPath (key=value lines) and prefsPath (TOML). A missing
// preferences file is fine: defaults apply. A malformed file or missing
// required secret is a startup error.
func Load(secretsPath, prefsPath string) (Config, error) {
	cfg := Config{
		Preferences: defaultPreferences(),
		DBPath:      filepath.Join(HomeDir(), "conductor.db"),
	}

	env := map[string]string{}
	if _, err := os.Stat(secretsPath); err == nil {
		var rerr error
		env, rerr = godotenv.Read(secretsPath)
		if rerr != nil {
			return Config{}, fmt.Errorf("read secrets %s: %w", secretsPath, rerr)
		}
	}
	lookup := func(key string) string {
		if v, ok := env[key]; ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(os.Getenv(key))
	}

	cfg.Secrets.TelegramBotToken = lookup("TELEGRAM_BOT_TOKEN")
	cfg.Secrets.AIAPIKey = lookup("ANTHROPIC_API_KEY")
	if cfg.Secrets.AIAPIKey == "" {
		cfg.Secrets.AIAPIKey = lookup("OPENAI_API_KEY")
	}
	cfg.Secrets.LogLevel = lookup("LOG_LEVEL")
	if raw := lookup("TELEGRAM_USER_ID"); raw != "" {
		var id int64
		if _, err := fmt.Sscanf(raw, "%d", &id); err != nil || id <= 0 {
			return Config{}, fmt.Errorf("TELEGRAM_USER_ID must be a positive integer, got %q", raw)
		}
		cfg.Secrets.TelegramUserID = id
	}

	if b, err := os.ReadFile(prefsPath); err == nil {
		if err := toml.Unmarshal(b, &cfg.Preferences); err != nil {
			return Config{}, fmt.Errorf("parse preferences %s: %w", prefsPath, err)
		}
	}
	return cfg, nil
}

// MissingSecrets lists required secret keys that are empty.
func (c Config) MissingSecrets() []string {
	var missing []string
	if c.Secrets.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.Secrets.TelegramUserID == 0 {
		missing = append(missing, "TELEGRAM_USER_ID")
	}
	if c.Secrets.AIAPIKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}
	return missing
}

// ExpandPath resolves a leading ~ against the user home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

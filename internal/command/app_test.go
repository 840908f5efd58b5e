package command

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"conductor/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Secrets: config.Secrets{
			TelegramBotToken: "t",
			TelegramUserID:   1,
			AIAPIKey:         "k",
		},
	}
}

func TestBuildApp_DefaultCommandIsServe(t *testing.T) {
	serveCalled := 0
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func(string, string) (config.Config, error) {
			return validConfig(), nil
		},
		RunServe: func(context.Context, config.Config) error {
			serveCalled++
			return nil
		},
		RunMigrate: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"conductord"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 || migrateCalled != 0 {
		t.Fatalf("unexpected call count serve=%d migrate=%d", serveCalled, migrateCalled)
	}
}

func TestBuildApp_MigrateCommand(t *testing.T) {
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func(string, string) (config.Config, error) {
			return validConfig(), nil
		},
		RunServe: func(context.Context, config.Config) error { return nil },
		RunMigrate: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"conductord", "migrate", "up"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if migrateCalled != 1 {
		t.Fatalf("expected migrate called once, got %d", migrateCalled)
	}
}

func TestBuildApp_VersionCommand(t *testing.T) {
	var out bytes.Buffer
	app := BuildApp(Deps{
		RunServe: func(context.Context, config.Config) error {
			t.Fatal("version must not start the daemon")
			return nil
		},
	})
	app.Writer = &out
	if err := app.RunContext(context.Background(), []string{"conductord", "version"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != Version {
		t.Fatalf("version output %q", out.String())
	}
}

func TestBuildApp_MissingSecretsIsConfigError(t *testing.T) {
	app := BuildApp(Deps{
		LoadConfig: func(string, string) (config.Config, error) {
			return config.Config{}, nil
		},
		RunServe: func(context.Context, config.Config) error {
			t.Fatal("serve must not run without secrets")
			return nil
		},
	})
	err := app.RunContext(context.Background(), []string{"conductord", "serve"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestBuildApp_LoadFailureIsConfigError(t *testing.T) {
	app := BuildApp(Deps{
		LoadConfig: func(string, string) (config.Config, error) {
			return config.Config{}, errors.New("bad toml")
		},
		RunServe: func(context.Context, config.Config) error { return nil },
	})
	err := app.RunContext(context.Background(), []string{"conductord"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

// Package command builds the CLI surface. The runners are injected so
// tests can drive the app without a daemon behind it.
package command

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"conductor/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type Deps struct {
	LoadConfig func(secretsPath, prefsPath string) (config.Config, error)
	RunServe   func(context.Context, config.Config) error
	RunMigrate func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:    "conductord",
		Usage:   "tmux-to-Telegram session conductor",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "secrets",
				Usage: "path to the key=value secrets file",
				Value: filepath.Join(config.HomeDir(), "secrets.env"),
			},
			&cli.StringFlag{
				Name:  "prefs",
				Usage: "path to the TOML preferences file",
				Value: filepath.Join(config.HomeDir(), "preferences.toml"),
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx, deps)
			if err != nil {
				return err
			}
			return runServe(ctx.Context, deps, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the daemon",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(ctx, deps)
					if err != nil {
						return err
					}
					return runServe(ctx.Context, deps, cfg)
				},
			},
			{
				Name:  "migrate",
				Usage: "database schema management",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "create or update the schema and exit",
						Action: func(ctx *cli.Context) error {
							cfg, err := loadConfig(ctx, deps)
							if err != nil {
								return err
							}
							return runMigrate(ctx.Context, deps, cfg)
						},
					},
				},
			},
			{
				Name:  "version",
				Usage: "print the build version and exit",
				Action: func(ctx *cli.Context) error {
					fmt.Fprintln(ctx.App.Writer, Version)
					return nil
				},
			},
		},
	}
}

// ConfigError marks failures that should exit with the usage code rather
// than the runtime one.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func loadConfig(ctx *cli.Context, deps Deps) (config.Config, error) {
	load := deps.LoadConfig
	if load == nil {
		load = config.Load
	}
	cfg, err := load(ctx.String("secrets"), ctx.String("prefs"))
	if err != nil {
		return config.Config{}, &ConfigError{Err: err}
	}
	if missing := cfg.MissingSecrets(); len(missing) > 0 {
		return config.Config{}, &ConfigError{Err: fmt.Errorf("missing required secrets: %v", missing)}
	}
	return cfg, nil
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runMigrate(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrate == nil {
		return errors.New("migrate runner is not configured")
	}
	return deps.RunMigrate(ctx, cfg)
}

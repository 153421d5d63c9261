// credrisk - Credit risk proxy labels and model selection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML configuration file (optional)",
		Sources: cli.EnvVars("CREDRISK_CONFIG"),
	}

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "credrisk",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Usage:   "Credit risk proxy labeling, model selection and serving",
		Flags: []cli.Flag{
			configFlag,
			debugFlag,
		},
		Commands: []*cli.Command{
			importCmd,
			trainCmd,
			serveCmd,
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(cmd *cli.Command) (*domain.Config, error) {
	cfg, err := domain.LoadConfig(cmd.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if cmd.Bool(debugFlag.Name) {
		cfg.Logging.Level = "debug"
	}
	initLogging(cfg.Logging)

	slog.Debug("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"labeling", cfg.Labeling.Method,
	)
	return cfg, nil
}

func initLogging(cfg domain.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openRepository(cfg *domain.Config) (*repository.SQLRepository, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("initializing repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	return repo, nil
}

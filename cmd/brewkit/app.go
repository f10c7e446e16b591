package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/config"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/patching"
)

var log = logging.L("cli")

const closeTimeout = 5 * time.Second

// app is the per-invocation state shared by subcommands.
type app struct {
	cfg *config.Config
	mgr *patching.Manager

	logCloser io.Closer
}

// loadApp reads and validates the config, sets up logging and locates brew.
func loadApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}

	logCloser, err := logging.Setup(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		slog.Warn("failed to open log file, logging to stderr only", "file", cfg.LogFile, logging.KeyError, err)
	}
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}

	mgr, err := patching.NewManager(cfg)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	return &app{cfg: cfg, mgr: mgr, logCloser: logCloser}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	a.mgr.Close(ctx)
	a.logCloser.Close()
}

// run wraps a subcommand body with app setup and teardown. ctx is cancelled
// on SIGINT or SIGTERM.
func run(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(commandContext(cmd), a, cmd, args)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

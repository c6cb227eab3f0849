package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pixperk/lockbox/pkg/backend"
	"github.com/pixperk/lockbox/pkg/config"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/session"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "lockbox is a session-state store with pessimistic per-session locking",
	Long: `lockbox keeps server-side session state in a shared store and serializes
concurrent requests for the same session with conditional writes.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (LOCKBOX_* env vars override it)")
	rootCmd.PersistentFlags().String("backend", "", "Override the configured backend (memory, bolt, redis, sql, raft)")
}

// everything a command needs, torn down by close
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *backend.Backend
	provider *session.Provider
}

func (e *env) close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Warn("failed to close backend", "error", err)
	}
}

func setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if name, _ := cmd.Flags().GetString("backend"); name != "" {
		cfg.Backend = name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(level, cfg.Log.Format)

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	provider := session.NewProvider(b.Store, session.Config{
		ApplicationName:       cfg.ApplicationName,
		DefaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
		SweepInterval:         cfg.SweepInterval,
		SuppressStorageErrors: cfg.SuppressStorageErrors,
	}, session.WithLogger(logger))

	return &env{
		cfg:      cfg,
		logger:   logger,
		backend:  b,
		provider: provider,
	}, nil
}

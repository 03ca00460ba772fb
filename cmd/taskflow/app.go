package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/session"
	"github.com/rendis/taskflow/internal/store"
)

// newLogger builds the process logger from cfg.
func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(w, cfg.LogFormat, level)
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if err := ensureDataDir(dbPath); err != nil {
		return nil, err
	}
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// ensureDataDir creates the directory of a local database file.
func ensureDataDir(dbPath string) error {
	_, file := store.DSN(dbPath)
	if file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// newSession builds a session over st from cfg.
func newSession(cfg Config, st store.Store, logger *slog.Logger) (*session.Session, error) {
	return session.New(session.Options{
		Store:                st,
		Plugins:              cfg.Plugins,
		MaxConcurrency:       cfg.MaxConcurrency,
		MaxStepsPerExecution: cfg.MaxStepsPerExecution,
		DefaultRunTimeout:    cfg.DefaultRunTimeout,
		Scheduler: scheduler.Config{
			PollInterval:  cfg.Scheduler.PollInterval,
			CatchUpWindow: cfg.Scheduler.CatchUpWindow,
			Logger:        logger,
		},
		Logger: logger,
	})
}

// setup loads config and the logger for a command.
func setup(opts *options, logOut io.Writer) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(opts.configPath, os.Getenv)
	if err != nil {
		return Config{}, nil, err
	}
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return Config{}, nil, err
	}
	if changed := diffConfigs(defaultConfig(), cfg); len(changed) > 0 {
		logger.Debug("config overrides", slog.Any("keys", changed))
	}
	return cfg, logger, nil
}

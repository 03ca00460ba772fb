package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/taskflow/internal/sources"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its MCP management server on stdio",
		Long: `serve opens the store, fires schedules, watches the configured paths
and answers MCP tool calls on stdin/stdout until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *options) error {
	// stdout carries the MCP protocol; logs go to stderr.
	cfg, logger, err := setup(opts, os.Stderr)
	if err != nil {
		return err
	}

	if _, file := store.DSN(cfg.DBPath); cfg.DBPath != memoryDB && file != "" {
		if err := ensureDataDir(cfg.DBPath); err != nil {
			return err
		}
		lock := flock.New(file + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("lock %s: %w", lock.Path(), err)
		}
		if !locked {
			return fmt.Errorf("another taskflow process is serving %s", cfg.DBPath)
		}
		defer func() { _ = lock.Unlock() }()
	}

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sess, err := newSession(cfg, st, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Error("session close failed", slog.String("error", err.Error()))
		}
	}()
	if err := sess.Start(ctx); err != nil {
		return err
	}

	if cfg.DefinitionsDir != "" {
		n, err := loadDefinitionsDir(ctx, sess, cfg.DefinitionsDir, logger)
		if err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		logger.Info("definitions loaded", slog.String("dir", cfg.DefinitionsDir), slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Watch.Paths) > 0 {
		watcher, err := sources.NewFileWatcher(sess, sources.FileWatcherConfig{
			Paths:    cfg.Watch.Paths,
			Debounce: cfg.Watch.Debounce,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(gctx); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return watcher.Close()
		})
	}

	srv := mcp.NewServer(mcp.ServerDeps{Engine: sess, Version: version, Logger: logger})
	g.Go(func() error {
		// The session ends with the client's stdin.
		defer cancel()
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Info("taskflow serving",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("capabilities", len(sess.Capabilities())),
	)
	return g.Wait()
}

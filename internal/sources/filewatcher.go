// Package sources holds event sources that feed the engine's notify entry
// point from outside the engine.
package sources

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultDebounce is how long a path must stay quiet before its change is
// reported.
const DefaultDebounce = 500 * time.Millisecond

// File operations reported in the "operation" payload field.
const (
	OpCreate = "create"
	OpWrite  = "write"
	OpRemove = "remove"
	OpRename = "rename"
)

// Notifier receives events. Satisfied by *session.Session.
type Notifier interface {
	Notify(ctx context.Context, kind schema.TriggerKind, payload map[string]any) ([]string, error)
}

// FileWatcherConfig configures a FileWatcher.
type FileWatcherConfig struct {
	// Paths are the directory roots watched recursively.
	Paths    []string
	Debounce time.Duration
	// SkipDirs are directory names never descended into. Defaults to .git
	// and node_modules.
	SkipDirs []string
	Logger   *slog.Logger
}

// FileWatcher turns filesystem changes under a set of roots into
// file_change events. Paths are reported relative to their root with
// forward slashes, so trigger globs such as "src/**/*.go" match them.
type FileWatcher struct {
	notifier Notifier
	roots    []string
	debounce time.Duration
	skip     map[string]bool
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*pendingChange
	cancel  context.CancelFunc
	done    chan struct{}
}

type pendingChange struct {
	op    string
	timer *time.Timer
}

// NewFileWatcher creates a FileWatcher reporting to n.
func NewFileWatcher(n Notifier, cfg FileWatcherConfig) (*FileWatcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("file watcher: no paths configured")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SkipDirs == nil {
		cfg.SkipDirs = []string{".git", "node_modules"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	roots := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		roots = append(roots, abs)
	}
	skip := make(map[string]bool, len(cfg.SkipDirs))
	for _, d := range cfg.SkipDirs {
		skip[d] = true
	}

	return &FileWatcher{
		notifier: n,
		roots:    roots,
		debounce: cfg.Debounce,
		skip:     skip,
		logger:   cfg.Logger.With(slog.String("component", "file_watcher")),
		pending:  make(map[string]*pendingChange),
	}, nil
}

// Start adds watches for every directory under the roots and begins
// delivering events. Watches are in place when Start returns.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("file watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, root := range w.roots {
		if err := w.addTree(watcher, root); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx, watcher, w.done)

	w.logger.Info("watching files", slog.Any("paths", w.roots), slog.Duration("debounce", w.debounce))
	return nil
}

// Close stops the watcher and drops changes still being debounced.
func (w *FileWatcher) Close() error {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	watcher, done := w.watcher, w.done
	w.cancel()
	w.watcher = nil
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	<-done
	return watcher.Close()
}

func (w *FileWatcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) handle(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	var op string
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		// New directories join the watch set; their files report on their own.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.skip[filepath.Base(ev.Name)] {
				if err := w.addTree(watcher, ev.Name); err != nil {
					w.logger.Warn("failed to watch directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
				}
			}
			return
		}
	case ev.Has(fsnotify.Write):
		op = OpWrite
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}

	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}
	w.schedule(ctx, rel, op)
}

// relative maps an absolute path to its root-relative slash form.
func (w *FileWatcher) relative(path string) (string, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if w.skip[part] {
				return "", false
			}
		}
		return filepath.ToSlash(rel), true
	}
	return "", false
}

func (w *FileWatcher) schedule(ctx context.Context, path, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		op = mergeOps(p.op, op)
	}
	p := &pendingChange{op: op}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx, path, p) })
	w.pending[path] = p
}

func (w *FileWatcher) fire(ctx context.Context, path string, p *pendingChange) {
	w.mu.Lock()
	if w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	ids, err := w.notifier.Notify(ctx, schema.TriggerFileChange, map[string]any{
		"path":      path,
		"operation": p.op,
	})
	if err != nil {
		w.logger.Warn("notify failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("file change reported",
		slog.String("path", path),
		slog.String("operation", p.op),
		slog.Int("started", len(ids)),
	)
}

// mergeOps folds a burst of operations on one path into one: a file created
// and then written is still new, and anything ending in removal is a removal.
func mergeOps(prev, next string) string {
	if next == OpRemove || next == OpRename {
		return next
	}
	if prev == OpCreate {
		return OpCreate
	}
	return next
}

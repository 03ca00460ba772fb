package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/suggest"
	"github.com/rendis/taskflow/internal/trigger"
	"github.com/rendis/taskflow/internal/validation"
)

// Options configures a Session. Store is required; everything else has a
// default.
type Options struct {
	Store store.Store
	// Capabilities defaults to a registry holding the built-ins.
	Capabilities *capability.Registry
	// Plugins are MCP servers whose tools are registered as capabilities on Start.
	Plugins []capability.MCPServerConfig
	// Hub defaults to an in-memory hub.
	Hub streaming.EventHub

	MaxConcurrency       int
	MaxStepsPerExecution int
	DefaultRunTimeout    time.Duration

	Scheduler scheduler.Config
	Logger    *slog.Logger
}

// Session is one isolated engine instance: a registry, a controller, a
// scheduler and a ranker sharing one store. Nothing is process-global, so
// several sessions may coexist.
type Session struct {
	store      store.Store
	caps       *capability.Registry
	plugins    []capability.MCPServerConfig
	provider   *capability.MCPProvider
	hub        streaming.EventHub
	validator  *validation.WorkflowValidator
	controller *engine.Controller
	scheduler  *scheduler.Scheduler
	registry   *registry.Registry
	matcher    *trigger.Matcher
	ranker     *suggest.Ranker
	logger     *slog.Logger
}

// New builds a Session from opts. Call Start to begin firing schedules and
// Close to release it.
func New(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Capabilities == nil {
		opts.Capabilities = capability.NewRegistry()
		if err := capability.RegisterBuiltins(opts.Capabilities); err != nil {
			return nil, fmt.Errorf("register builtins: %w", err)
		}
	}
	if opts.Hub == nil {
		opts.Hub = streaming.NewMemoryHub()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = engine.DefaultPoolSize
	}

	validator, err := validation.NewWorkflowValidator(opts.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	s := &Session{
		store:     opts.Store,
		caps:      opts.Capabilities,
		plugins:   opts.Plugins,
		provider:  capability.NewMCPProvider(opts.Capabilities, opts.Logger),
		hub:       opts.Hub,
		validator: validator,
		matcher:   trigger.NewMatcher(),
		logger:    opts.Logger.With(slog.String("component", "session")),
	}

	s.controller, err = engine.NewController(opts.Store, opts.Capabilities, engine.ControllerConfig{
		Pool:                 engine.NewWorkerPool(opts.MaxConcurrency),
		MaxStepsPerExecution: opts.MaxStepsPerExecution,
		DefaultRunTimeout:    opts.DefaultRunTimeout,
		Hub:                  opts.Hub,
		OnFinish:             s.recordOutcome,
		Logger:               opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}

	schedCfg := opts.Scheduler
	if schedCfg.Logger == nil {
		schedCfg.Logger = opts.Logger
	}
	s.scheduler = scheduler.New(opts.Store, s, schedCfg)
	s.registry = registry.New(opts.Store, registry.Config{
		Validator: validator,
		Active:    s.controller,
		Scheduler: s.scheduler,
		Logger:    opts.Logger,
	})
	s.ranker = suggest.NewRanker(s.registry, s.matcher)
	return s, nil
}

// Start loads plugins and starts the scheduler loop.
func (s *Session) Start(ctx context.Context) error {
	for _, p := range s.plugins {
		if _, err := s.provider.Load(ctx, p); err != nil {
			return fmt.Errorf("load plugin %s: %w", p.Name, err)
		}
	}
	return s.scheduler.Start(ctx)
}

// Close stops the scheduler, cancels live executions and waits for them to
// record a terminal state or for ctx to end, then closes plugin connections.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if err := s.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.controller.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Capabilities lists the registered capabilities.
func (s *Session) Capabilities() []capability.Info {
	return s.caps.List()
}

// Validator returns the definition validator used by the registry.
func (s *Session) Validator() *validation.WorkflowValidator {
	return s.validator
}

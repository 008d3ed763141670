// Package session wires the execution core together for one build: the
// service registry, the work queue and tracker, the daemon pool, the
// runners per isolation mode, the executor and the work history store.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/agent"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/daemon/microvm"
	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/memory"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/queue"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/service"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/tracing"
	"github.com/seantiz/anvil/internal/tracker"
)

// Session owns every component for the lifetime of one build.
type Session struct {
	Config   config.Config
	Logger   *slog.Logger
	Catalog  *action.Catalog
	Isolator *isolation.Isolator
	Services *service.Registry
	Queue    *queue.Queue
	Tracker  *tracker.Tracker
	Pool     *daemon.Pool
	Runners  *runner.Registry
	Executor *executor.Executor
	Store    store.Store
	Tracing  *tracing.Provider

	vms *microvm.Launcher
}

// Option customizes New.
type Option func(*options)

type options struct {
	catalog  *action.Catalog
	launcher daemon.Launcher
	memory   daemon.MemoryStatus
	logger   *slog.Logger
}

// WithCatalog replaces the built-in action catalog.
func WithCatalog(c *action.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithLauncher replaces the daemon launcher selected by configuration.
func WithLauncher(l daemon.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithMemoryStatus replaces the OS memory monitor.
func WithMemoryStatus(m daemon.MemoryStatus) Option {
	return func(o *options) { o.memory = m }
}

// WithLogger sets the logger. The default is built from cfg.Log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a session from cfg.
func New(cfg config.Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.catalog == nil {
		o.catalog = builtin.Catalog()
	}
	logger := o.logger

	s := &Session{Config: cfg, Logger: logger, Catalog: o.catalog}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.Tracing = tp

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		tp.Shutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}
	s.Store = st

	launcher := o.launcher
	if launcher == nil {
		launcher, err = s.newLauncher()
		if err != nil {
			st.Close()
			tp.Shutdown(context.Background())
			return nil, err
		}
	}

	mem := o.memory
	if mem == nil && cfg.Daemon.MinFreeMemoryMB > 0 {
		mem = memory.New(cfg.Daemon.ProcPath)
	}

	s.Isolator = isolation.New()
	s.Services = service.NewRegistry(s.Isolator, logger.With("component", "services"))
	s.Queue = queue.New(cfg.Queue.MaxWorkers, logger.With("component", "queue"))
	s.Tracker = tracker.New(logger.With("component", "tracker"), tracker.WithRetention(cfg.Tracker.Retention))
	s.Pool = daemon.NewPool(launcher, mem, cfg.Daemon.Pool(), logger.With("component", "daemons"))

	s.Runners = runner.NewRegistry()
	s.Runners.Register(model.IsolationNone, runner.NewInProcess(s.Catalog, logger))
	s.Runners.Register(model.IsolationClassloader, runner.NewSandboxed(s.Catalog, cfg.Sandbox.TTL, logger))
	s.Runners.Register(model.IsolationProcess, daemon.NewRunner(s.Pool, logger))

	s.Executor = executor.New(
		action.NewSpecFactory(s.Catalog, s.Isolator),
		s.Runners, s.Queue, s.Tracker, s.Store,
		logger.With("component", "executor"),
		executor.WithTracer(tp.Tracer()),
	)

	logger.Info("session started",
		"max_workers", s.Queue.Limit(),
		"launcher", cfg.Daemon.Launcher,
		"store", cfg.Store.Path,
		"tracing", tp.Enabled(),
	)
	return s, nil
}

func (s *Session) newLauncher() (daemon.Launcher, error) {
	cfg := s.Config.Daemon
	logger := s.Logger.With("component", "launcher")
	switch cfg.Launcher {
	case config.LauncherInline:
		return agent.NewPipeLauncher(s.Catalog, logger), nil
	case config.LauncherMicroVM:
		l, err := microvm.NewLauncher(s.Config.MicroVM, logger)
		if err != nil {
			return nil, fmt.Errorf("microvm launcher: %w", err)
		}
		if err := l.Verify(); err != nil {
			return nil, fmt.Errorf("microvm launcher: %w", err)
		}
		s.vms = l
		return l, nil
	default:
		l, err := daemon.NewProcessLauncher(cfg.Binary, daemon.NewWorkerDirectoryProvider(cfg.WorkDir), logger)
		if err != nil {
			return nil, fmt.Errorf("process launcher: %w", err)
		}
		return l, nil
	}
}

// Abort stops accepting work. Submitted work still runs; Close tears the
// session down once it has.
func (s *Session) Abort() {
	s.Executor.Close()
}

// Close stops the queue once in-flight work has finished, then shuts down
// the daemon pool, the service registry and the store. Every failure is
// reported.
func (s *Session) Close(ctx context.Context) error {
	s.Executor.Close()

	var result *multierror.Error

	drained := make(chan struct{})
	go func() {
		s.Queue.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("drain queue: %w", ctx.Err()))
	}

	if err := s.Pool.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("daemon pool: %w", err))
	}
	if s.vms != nil {
		s.vms.Shutdown(ctx)
	}
	if err := s.Services.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("services: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store: %w", err))
	}
	if err := s.Tracing.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracing: %w", err))
	}

	s.Logger.Info("session closed")
	return result.ErrorOrNil()
}

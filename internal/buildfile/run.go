package buildfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/service"
	"github.com/seantiz/anvil/internal/tracing"
)

// Env is what a build run needs from its session.
type Env struct {
	Services *service.Registry
	Executor *executor.Executor
	Tracer   trace.Tracer
	Logger   *slog.Logger
	// MaxParallelTasks caps concurrently running tasks. Zero means every
	// task runs at once.
	MaxParallelTasks int
}

// Report is the outcome of a build run.
type Report struct {
	Tasks []TaskResult `json:"tasks"`
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Name        string       `json:"name"`
	OperationID string       `json:"operation_id"`
	Items       []ItemResult `json:"items"`
	Err         error        `json:"-"`
	Error       string       `json:"error,omitempty"`
}

// ItemResult is the outcome of one unit of work.
type ItemResult struct {
	Work     string `json:"work"`
	ItemID   string `json:"item_id,omitempty"`
	Output   any    `json:"output,omitempty"`
	DaemonID string `json:"daemon_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run registers the file's services and runs every task concurrently. Each
// task acquires its services, submits its work under its own operation id,
// waits for all of it and releases the services. A failing task never
// stops its siblings; the returned error lists every failed task.
func Run(ctx context.Context, env Env, f *File) (*Report, error) {
	if env.Tracer == nil {
		env.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if env.Logger == nil {
		env.Logger = slog.New(slog.DiscardHandler)
	}
	regs, err := registerServices(env.Services, f.Services)
	if err != nil {
		return nil, err
	}
	for _, t := range f.Tasks {
		uses := make([]*service.Registration, 0, len(t.Uses))
		for _, name := range t.Uses {
			uses = append(uses, regs[name])
		}
		env.Services.DeclareUsage(t.Name, uses...)
	}

	report := &Report{Tasks: make([]TaskResult, len(f.Tasks))}
	var g errgroup.Group
	if env.MaxParallelTasks > 0 {
		g.SetLimit(env.MaxParallelTasks)
	}
	for i, t := range f.Tasks {
		g.Go(func() error {
			report.Tasks[i] = runTask(ctx, env, t)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, tr := range report.Tasks {
		if tr.Err != nil {
			result = multierror.Append(result, fmt.Errorf("task %q: %w", tr.Name, tr.Err))
		}
	}
	return report, result.ErrorOrNil()
}

func registerServices(reg *service.Registry, decls []Service) (map[string]*service.Registration, error) {
	out := make(map[string]*service.Registration, len(decls))
	for _, d := range decls {
		factory, err := builtin.ServiceFactory(d.Type)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", d.Name, err)
		}
		r, err := reg.Register(d.Name, service.Spec{
			Type:              d.Type,
			New:               factory,
			Parameters:        d.Parameters,
			MaxParallelUsages: d.MaxParallelUsages,
		})
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", d.Name, err)
		}
		out[d.Name] = r
	}
	return out, nil
}

func runTask(ctx context.Context, env Env, t Task) TaskResult {
	res := TaskResult{Name: t.Name, OperationID: uuid.NewString()}
	logger := env.Logger.With("task", t.Name, "operation_id", res.OperationID)

	ctx, span := env.Tracer.Start(ctx, tracing.SpanTaskRun, trace.WithAttributes(
		attribute.String(tracing.AttrTaskName, t.Name),
		attribute.String(tracing.AttrOperationID, res.OperationID),
	))
	defer span.End()

	fail := func(err error) TaskResult {
		res.Err = err
		res.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("task failed", "error", err)
		return res
	}

	leases, err := acquireAll(ctx, env.Services, t.Name)
	if err != nil {
		return fail(err)
	}
	defer releaseAll(leases, logger)

	type submitted struct {
		work   Work
		handle *executor.Handle
	}
	var (
		handles   []submitted
		submitErr []error
	)
	for _, w := range t.Work {
		h, err := env.Executor.Submit(ctx, res.OperationID, w.Spec, w.Isolation)
		if err != nil {
			res.Items = append(res.Items, ItemResult{Work: w.Name, Error: err.Error()})
			submitErr = append(submitErr, fmt.Errorf("work %q: %w", w.Name, err))
			continue
		}
		handles = append(handles, submitted{work: w, handle: h})
	}
	logger.Info("task submitted work", "items", len(handles))

	awaitErr := env.Executor.Await(ctx, res.OperationID)

	for _, s := range handles {
		out, err := s.handle.Wait(ctx)
		item := ItemResult{Work: s.work.Name, ItemID: s.handle.ItemID, Output: out.Output, DaemonID: out.DaemonID}
		if err != nil {
			item.Error = err.Error()
		} else {
			record(leases, t.Name+"/"+s.work.Name, out.Output, logger)
		}
		res.Items = append(res.Items, item)
	}

	if err := errors.Join(append(submitErr, awaitErr)...); err != nil {
		return fail(err)
	}
	logger.Info("task finished")
	return res
}

// acquireAll leases every service the task declared, in name order so that
// tasks sharing capped services cannot deadlock on each other.
func acquireAll(ctx context.Context, reg *service.Registry, task string) ([]*service.Lease, error) {
	uses := reg.UsagesOf(task)
	sort.Slice(uses, func(i, j int) bool { return uses[i].Name() < uses[j].Name() })

	leases := make([]*service.Lease, 0, len(uses))
	for _, r := range uses {
		l, err := reg.Acquire(ctx, r)
		if err != nil {
			releaseAll(leases, nil)
			return nil, fmt.Errorf("acquire service %q: %w", r.Name(), err)
		}
		leases = append(leases, l)
	}
	return leases, nil
}

func releaseAll(leases []*service.Lease, logger *slog.Logger) {
	for _, l := range leases {
		if err := l.Release(); err != nil && logger != nil {
			logger.Error("release service", "service", l.Registration().Name(), "error", err)
		}
	}
}

// record hands a work output to every leased service that collects results.
func record(leases []*service.Lease, key string, value any, logger *slog.Logger) {
	for _, l := range leases {
		rec, ok := l.Instance().(builtin.Recorder)
		if !ok {
			continue
		}
		if err := rec.Record(key, value); err != nil {
			logger.Warn("record result", "service", l.Registration().Name(), "key", key, "error", err)
		}
	}
}

// Package executor dispatches units of work to the runner for their
// isolation mode and records every outcome.
//
// Submit validates and isolates parameters synchronously, persists a
// pending record, registers the item with the operation's tracker entry and
// enqueues it. A queue worker then moves the record to running, executes
// it, and stores the outcome before reporting completion to the tracker.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/queue"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/tracing"
	"github.com/seantiz/anvil/internal/tracker"
)

// ErrExecutorClosed is returned by Submit once the executor stopped
// accepting work.
var ErrExecutorClosed = errors.New("executor closed")

// WorkSpec describes one unit of work to submit.
type WorkSpec struct {
	Action     string            `json:"action"`
	Parameters any               `json:"parameters,omitempty"`
	Classpath  []string          `json:"classpath,omitempty"`
	Fork       model.ForkOptions `json:"fork"`
}

// Executor is the top-level work dispatcher.
type Executor struct {
	factory *action.SpecFactory
	runners *runner.Registry
	queue   *queue.Queue
	tracker *tracker.Tracker
	store   store.Store
	broker  *LogBroker
	tracer  trace.Tracer
	logger  *slog.Logger

	closed atomic.Bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an executor. All dependencies are required.
func New(factory *action.SpecFactory, runners *runner.Registry, q *queue.Queue, tr *tracker.Tracker, s store.Store, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		factory: factory,
		runners: runners,
		queue:   q,
		tracker: tr,
		store:   s,
		broker:  NewLogBroker(),
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the broker streaming live work output.
func (e *Executor) Broker() *LogBroker {
	return e.broker
}

// Close stops accepting submissions. Work already submitted still runs.
func (e *Executor) Close() {
	e.closed.Store(true)
}

// Accepting reports whether Submit still takes new work.
func (e *Executor) Accepting() bool {
	return !e.closed.Load()
}

// Handle refers to one submitted work item.
type Handle struct {
	ItemID      string
	OperationID string
	Action      string
	Isolation   model.IsolationMode

	future *queue.Future
}

// Done is closed once the item has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.future.Done()
}

// Wait blocks until the item finishes and returns its own result. Called
// from inside another work item, the caller's worker slot is lent out for
// the duration of the wait.
func (h *Handle) Wait(ctx context.Context) (runner.Result, error) {
	v, err := h.future.Wait(ctx)
	res, _ := v.(runner.Result)
	return res, err
}

// Submit dispatches ws under operationID in the given isolation mode and
// returns without waiting for it to run. Unknown actions, classpaths that
// do not provide the action, and parameters that cannot be isolated fail
// here.
func (e *Executor) Submit(ctx context.Context, operationID string, ws WorkSpec, mode model.IsolationMode) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}

	ctx, span := e.tracer.Start(ctx, tracing.SpanWorkSubmit, trace.WithAttributes(
		attribute.String(tracing.AttrOperationID, operationID),
		attribute.String(tracing.AttrAction, ws.Action),
		attribute.String(tracing.AttrIsolation, mode.String()),
	))
	defer span.End()

	req := model.WorkerRequirement{Classpath: ws.Classpath, Fork: ws.Fork, Isolation: mode}
	spec, err := e.factory.New(operationID, ws.Action, ws.Parameters, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.AttrItemID, spec.ItemID))

	rec := &model.WorkRecord{
		ID:          spec.ItemID,
		OperationID: operationID,
		Action:      spec.Action,
		Isolation:   mode,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateWork(ctx, rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create work record: %w", err)
	}
	if err := e.tracker.Track(operationID, spec.ItemID, spec.Action); err != nil {
		e.finishFailed(spec.ItemID, nil, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	future, err := e.queue.Submit(ctx, spec.Action, func(qctx context.Context) (any, error) {
		return e.execute(qctx, spec)
	})
	if err != nil {
		e.finishFailed(spec.ItemID, nil, err.Error())
		e.complete(spec, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	workSubmitted.WithLabelValues(mode.String()).Inc()
	e.logger.Debug("work submitted", "operation_id", operationID, "item_id", spec.ItemID, "action", spec.Action, "isolation", mode)

	return &Handle{
		ItemID:      spec.ItemID,
		OperationID: operationID,
		Action:      spec.Action,
		Isolation:   mode,
		future:      future,
	}, nil
}

// Await blocks until every item submitted under operationID has finished.
// It returns a *tracker.OperationFailure listing each failed item.
func (e *Executor) Await(ctx context.Context, operationID string) error {
	return e.tracker.WaitForCompletion(ctx, operationID)
}

// execute runs one item on a queue worker: pending→running→completed/failed.
func (e *Executor) execute(ctx context.Context, spec action.Spec) (runner.Result, error) {
	defer e.broker.Close(spec.ItemID)

	mode := spec.Isolation()
	ctx, span := e.tracer.Start(ctx, tracing.SpanWorkExecute, trace.WithAttributes(
		attribute.String(tracing.AttrOperationID, spec.OperationID),
		attribute.String(tracing.AttrItemID, spec.ItemID),
		attribute.String(tracing.AttrAction, spec.Action),
		attribute.String(tracing.AttrIsolation, mode.String()),
	))
	defer span.End()

	logger := e.logger.With("operation_id", spec.OperationID, "item_id", spec.ItemID, "action", spec.Action)

	if err := e.store.UpdateWorkStatus(ctx, spec.ItemID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		err = fmt.Errorf("start work: %w", err)
		e.finishFailed(spec.ItemID, nil, err.Error())
		e.complete(spec, err)
		span.SetStatus(codes.Error, err.Error())
		return runner.Result{}, err
	}
	start := time.Now()

	res, err := e.run(e.withOutput(ctx, spec.ItemID, logger), spec)
	elapsed := time.Since(start)
	workDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	if res.DurationMS == 0 {
		res.DurationMS = int(elapsed.Milliseconds())
	}
	if res.DaemonID != "" {
		span.SetAttributes(attribute.String(tracing.AttrDaemonID, res.DaemonID))
	}

	if err != nil {
		logger.Info("work failed", "error", err, "duration_ms", res.DurationMS)
		e.finish(&model.WorkRecord{
			ID:         spec.ItemID,
			Status:     model.StatusFailed,
			Error:      err.Error(),
			DaemonID:   res.DaemonID,
			DurationMS: &res.DurationMS,
			StartedAt:  &start,
		})
		e.complete(spec, err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	out, encErr := json.Marshal(res.Output)
	if encErr != nil {
		logger.Error("failed to encode work output", "error", encErr)
		out = nil
	}
	e.finish(&model.WorkRecord{
		ID:         spec.ItemID,
		Status:     model.StatusCompleted,
		Output:     out,
		DaemonID:   res.DaemonID,
		DurationMS: &res.DurationMS,
		StartedAt:  &start,
	})
	e.complete(spec, nil)
	span.SetStatus(codes.Ok, "")
	logger.Debug("work completed", "duration_ms", res.DurationMS, "daemon_id", res.DaemonID)
	return res, nil
}

// run resolves the runner for the spec's mode and executes it. Panics in
// actions become errors.
func (e *Executor) run(ctx context.Context, spec action.Spec) (res runner.Result, err error) {
	r, err := e.runners.Resolve(spec.Isolation())
	if err != nil {
		return runner.Result{}, err
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("action panicked", "item_id", spec.ItemID, "action", spec.Action, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("action %s panicked: %v", spec.Action, p)
		}
	}()
	return r.Run(ctx, spec)
}

// withOutput attaches a sink that persists each output line and publishes
// it to live subscribers.
func (e *Executor) withOutput(ctx context.Context, itemID string, logger *slog.Logger) context.Context {
	var (
		mu  sync.Mutex
		seq int
	)
	return action.WithOutput(ctx, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		line := Line{Seq: seq, Text: text}
		seq++
		if err := e.store.InsertLogLine(context.WithoutCancel(ctx), itemID, line.Seq, text); err != nil {
			logger.Error("failed to persist log line", "seq", line.Seq, "error", err)
		}
		e.broker.Publish(itemID, line)
	})
}

// finish stores a terminal record. FinishedAt is filled in here.
func (e *Executor) finish(r *model.WorkRecord) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	if err := e.store.UpdateWork(context.Background(), r); err != nil {
		e.logger.Error("failed to store work outcome", "item_id", r.ID, "status", r.Status, "error", err)
	}
}

// finishFailed marks an item failed. startedAt is nil if it never ran.
func (e *Executor) finishFailed(id string, startedAt *time.Time, msg string) {
	e.finish(&model.WorkRecord{ID: id, Status: model.StatusFailed, Error: msg, StartedAt: startedAt})
}

// complete reports the outcome to the tracker and metrics.
func (e *Executor) complete(spec action.Spec, err error) {
	status := model.StatusCompleted
	if err != nil {
		status = model.StatusFailed
	}
	workFinished.WithLabelValues(spec.Isolation().String(), status).Inc()
	if terr := e.tracker.Completed(spec.ItemID, err); terr != nil {
		e.logger.Error("failed to report work completion", "item_id", spec.ItemID, "error", terr)
	}
}

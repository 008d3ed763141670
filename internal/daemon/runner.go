package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runner"
)

// RemoteError is an action failure reported by a healthy daemon.
type RemoteError struct {
	WorkerID string
	Action   string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed in worker %s: %s", e.Action, e.WorkerID, e.Message)
}

// Runner executes work in pooled daemons.
type Runner struct {
	pool   *Pool
	logger *slog.Logger
}

var _ runner.Runner = (*Runner)(nil)

// NewRunner creates a runner dispatching to pool.
func NewRunner(pool *Pool, logger *slog.Logger) *Runner {
	return &Runner{pool: pool, logger: logger}
}

// Run acquires a compatible daemon, executes spec on it and releases it.
func (r *Runner) Run(ctx context.Context, spec action.Spec) (runner.Result, error) {
	params := spec.Encoded
	if params == nil {
		encoded, err := spec.Parameters.Encode()
		if err != nil {
			return runner.Result{}, err
		}
		params = encoded
	}

	c, err := r.pool.GetOrCreate(ctx, spec.Requirement)
	if err != nil {
		return runner.Result{}, err
	}
	defer r.pool.Release(c)

	logger := r.logger.With("worker_id", c.ID(), "item_id", spec.ItemID, "action", spec.Action)
	sink := action.Output(ctx)
	start := time.Now()
	res, err := c.Execute(ctx, ExecuteRequest{
		ItemID:      spec.ItemID,
		OperationID: spec.OperationID,
		Action:      spec.Action,
		Parameters:  params,
	}, func(line string) {
		logger.Info("worker output", "line", line)
		if sink != nil {
			sink(line)
		}
	})
	daemonRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return runner.Result{DaemonID: c.ID()}, err
	}
	if res.Error != "" {
		return runner.Result{DaemonID: c.ID()}, &RemoteError{WorkerID: c.ID(), Action: spec.Action, Message: res.Error}
	}

	out, err := isolation.FromEncoded(res.Output)
	if err != nil {
		return runner.Result{DaemonID: c.ID()}, fmt.Errorf("worker %s: %w", c.ID(), err)
	}
	return runner.Result{
		Output:     out.Get(),
		DaemonID:   c.ID(),
		DurationMS: res.DurationMS,
	}, nil
}

// Capabilities reports what this runner provides.
func (r *Runner) Capabilities() runner.Capabilities {
	return runner.Capabilities{
		Name:      "daemon",
		Isolation: model.IsolationProcess,
		Guarantee: "separate reusable worker process per requirement",
	}
}

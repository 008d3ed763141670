package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
)

// InProcess runs work directly in the host process, sharing one namespace
// with every other in-process item.
type InProcess struct {
	catalog   *action.Catalog
	namespace *action.Namespace
	logger    *slog.Logger
}

// NewInProcess creates an in-process runner resolving actions from catalog.
func NewInProcess(catalog *action.Catalog, logger *slog.Logger) *InProcess {
	return &InProcess{
		catalog:   catalog,
		namespace: action.NewNamespace("host"),
		logger:    logger,
	}
}

// Namespace returns the host namespace shared by in-process work.
func (p *InProcess) Namespace() *action.Namespace {
	return p.namespace
}

// Run executes spec in the calling goroutine.
func (p *InProcess) Run(ctx context.Context, spec action.Spec) (Result, error) {
	start := time.Now()
	ctx = action.WithNamespace(ctx, p.namespace)
	ctx = action.WithLogger(ctx, action.OutputLogger(ctx, p.logger.With("item_id", spec.ItemID, "action", spec.Action)))

	out, err := p.catalog.Invoke(ctx, spec.Action, spec.Parameters)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, DurationMS: int(time.Since(start).Milliseconds())}, nil
}

// Capabilities reports what this runner provides.
func (p *InProcess) Capabilities() Capabilities {
	return Capabilities{
		Name:      "in-process",
		Isolation: model.IsolationNone,
		Guarantee: "none: shares the host process and namespace",
	}
}

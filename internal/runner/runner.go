package runner

import (
	"context"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
)

// Runner executes work specs in one kind of execution context.
type Runner interface {
	// Run executes spec and returns its result. Failures of the action
	// itself and failures of the execution context are both returned as
	// errors.
	Run(ctx context.Context, spec action.Spec) (Result, error)

	// Capabilities reports what this runner provides.
	Capabilities() Capabilities
}

// Result holds what a runner produced for one spec.
type Result struct {
	Output     any    `json:"output"`
	DaemonID   string `json:"daemon_id,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

// Capabilities describes a runner.
type Capabilities struct {
	Name      string              `json:"name"`
	Isolation model.IsolationMode `json:"isolation"`
	// Guarantee is a short human-readable statement of what the runner
	// isolates.
	Guarantee string `json:"guarantee"`
}

package runner_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// counter increments a namespace-scoped counter and returns the new value.
func counter() action.Action {
	return action.Func(func(ctx context.Context, _ isolation.Value) (any, error) {
		return action.NamespaceFrom(ctx).Update("count", func(old any) any {
			n, _ := old.(int)
			return n + 1
		}), nil
	})
}

func testCatalog() *action.Catalog {
	c := action.NewCatalog()
	c.MustRegister(
		action.Definition{Name: "count", Module: "core", New: counter},
		action.Definition{Name: "text.count", Module: "text", New: counter},
	)
	return c
}

func spec(name string, mode model.IsolationMode, classpath ...string) action.Spec {
	return action.Spec{
		ItemID:      model.NewID(),
		Action:      name,
		Requirement: model.WorkerRequirement{Isolation: mode, Classpath: classpath},
	}
}

func TestInProcessSharesNamespace(t *testing.T) {
	r := runner.NewInProcess(testCatalog(), discardLogger())
	for i := 1; i <= 3; i++ {
		res, err := r.Run(context.Background(), spec("count", model.IsolationNone))
		require.NoError(t, err)
		assert.Equal(t, i, res.Output)
	}
	assert.Equal(t, model.IsolationNone, r.Capabilities().Isolation)
}

func TestSandboxPerClasspath(t *testing.T) {
	r := runner.NewSandboxed(testCatalog(), time.Minute, discardLogger())

	res, err := r.Run(context.Background(), spec("count", model.IsolationClassloader, "core"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output)

	// Same classpath in a different order reuses the sandbox.
	res, err = r.Run(context.Background(), spec("count", model.IsolationClassloader, "core", "core"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output)

	// A different classpath gets a fresh namespace.
	res, err = r.Run(context.Background(), spec("count", model.IsolationClassloader, "text", "core"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output)
	assert.Equal(t, 2, r.Len())
}

func TestSandboxHidesModulesOffClasspath(t *testing.T) {
	r := runner.NewSandboxed(testCatalog(), time.Minute, discardLogger())
	_, err := r.Run(context.Background(), spec("text.count", model.IsolationClassloader, "core"))
	require.ErrorIs(t, err, action.ErrUnknownAction)
}

func TestSandboxIsolatedFromHost(t *testing.T) {
	cat := testCatalog()
	host := runner.NewInProcess(cat, discardLogger())
	sandboxed := runner.NewSandboxed(cat, time.Minute, discardLogger())

	_, err := host.Run(context.Background(), spec("count", model.IsolationNone))
	require.NoError(t, err)

	res, err := sandboxed.Run(context.Background(), spec("count", model.IsolationClassloader, "core"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output, "sandbox must not observe host namespace state")
}

func TestSandboxExpiresWhenIdle(t *testing.T) {
	r := runner.NewSandboxed(testCatalog(), 20*time.Millisecond, discardLogger())
	first := r.Sandbox([]string{"core"})
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	second := r.Sandbox([]string{"core"})
	assert.NotEqual(t, first.ID, second.ID)
}

package buildfile_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seantiz/anvil/internal/buildfile"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/service"
	"github.com/seantiz/anvil/internal/session"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/tracing"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.Launcher = config.LauncherInline
	cfg.Store.Path = ":memory:"
	cfg.Queue.MaxWorkers = 4

	s, err := session.New(cfg, session.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func envFor(s *session.Session) buildfile.Env {
	return buildfile.Env{
		Services: s.Services,
		Executor: s.Executor,
		Tracer:   s.Tracing.Tracer(),
		Logger:   s.Logger,
	}
}

func mustParse(t *testing.T, src string) *buildfile.File {
	t.Helper()
	f, err := buildfile.Parse("build.hcl", []byte(src))
	require.NoError(t, err)
	return f
}

func TestRunRecordsResults(t *testing.T) {
	s := newSession(t)
	ctx := context.Background()

	f := mustParse(t, `
service "results" { type = "kvstore" }

task "shout" {
  uses = ["results"]
  work "a" {
    action     = "upper"
    parameters = { text = "one" }
  }
  work "b" {
    action     = "upper"
    isolation  = "process"
    parameters = { text = "two" }
  }
  work "c" {
    action     = "upper"
    isolation  = "classloader"
    parameters = { text = "three" }
  }
}
`)
	report, err := buildfile.Run(ctx, envFor(s), f)
	require.NoError(t, err)
	require.Len(t, report.Tasks, 1)

	tr := report.Tasks[0]
	assert.Equal(t, "shout", tr.Name)
	assert.NotEmpty(t, tr.OperationID)
	assert.Empty(t, tr.Error)
	require.Len(t, tr.Items, 3)
	for _, item := range tr.Items {
		assert.Empty(t, item.Error, item.Work)
		assert.NotEmpty(t, item.ItemID)
	}

	reg, err := s.Services.Lookup("results")
	require.NoError(t, err)
	lease, err := s.Services.Acquire(ctx, reg)
	require.NoError(t, err)
	defer lease.Release()
	kv, err := service.As[*builtin.KVStore](lease)
	require.NoError(t, err)

	assert.Equal(t, []string{"shout/a", "shout/b", "shout/c"}, kv.Keys())
	v, _ := kv.Get("shout/b")
	assert.Equal(t, "TWO", v)

	records, total, err := s.Store.ListWork(ctx, store.Filter{OperationID: tr.OperationID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, records, 3)
}

func TestRunFailingTaskDoesNotStopSiblings(t *testing.T) {
	s := newSession(t)

	f := mustParse(t, `
service "tally" { type = "counter" }

task "broken" {
  work "ok" {
    action = "echo"
    parameters = { v = 1 }
  }
  work "boom" {
    action     = "fail"
    parameters = { message = "kaput" }
  }
}

task "healthy" {
  uses = ["tally"]
  work "slow" {
    action     = "sleep"
    parameters = { ms = 20 }
  }
  work "echo" {
    action     = "echo"
    parameters = { v = 2 }
  }
}
`)
	report, err := buildfile.Run(context.Background(), envFor(s), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `task "broken"`)
	assert.Contains(t, err.Error(), "kaput")
	assert.NotContains(t, err.Error(), `task "healthy"`)

	require.Len(t, report.Tasks, 2)
	broken, healthy := report.Tasks[0], report.Tasks[1]

	assert.Error(t, broken.Err)
	require.Len(t, broken.Items, 2)
	assert.Empty(t, broken.Items[0].Error)
	assert.Contains(t, broken.Items[1].Error, "kaput")

	assert.NoError(t, healthy.Err)
	assert.Len(t, healthy.Items, 2)

	reg, err := s.Services.Lookup("tally")
	require.NoError(t, err)
	lease, err := s.Services.Acquire(context.Background(), reg)
	require.NoError(t, err)
	defer lease.Release()
	c, err := service.As[*builtin.Counter](lease)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Value())
}

func TestRunSubmitErrorIsReported(t *testing.T) {
	s := newSession(t)

	f := mustParse(t, `
task "t" {
  work "missing" { action = "nope" }
  work "fine" { action = "echo" }
}
`)
	report, err := buildfile.Run(context.Background(), envFor(s), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `work "missing"`)

	items := report.Tasks[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, "missing", items[0].Work)
	assert.Empty(t, items[0].ItemID)
	assert.NotEmpty(t, items[0].Error)
	assert.Equal(t, "fine", items[1].Work)
	assert.Empty(t, items[1].Error)
}

func TestRunSerializesCappedService(t *testing.T) {
	s := newSession(t)

	src := `
service "lock" {
  type                = "counter"
  max_parallel_usages = 1
}
service "other" { type = "kvstore" }
`
	for _, name := range []string{"a", "b", "c", "d"} {
		src += `
task "` + name + `" {
  uses = ["other", "lock"]
  work "nap" {
    action     = "sleep"
    parameters = { ms = 30 }
  }
}
`
	}
	f := mustParse(t, src)

	start := time.Now()
	report, err := buildfile.Run(context.Background(), envFor(s), f)
	require.NoError(t, err)
	assert.Len(t, report.Tasks, 4)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond, "tasks sharing a capped service must not overlap")

	for _, info := range s.Services.List() {
		assert.Zero(t, info.InUse, info.Name)
	}
}

func TestRunUnknownServiceType(t *testing.T) {
	s := newSession(t)

	f := mustParse(t, `service "x" { type = "postgres" }`)
	_, err := buildfile.Run(context.Background(), envFor(s), f)
	assert.ErrorIs(t, err, builtin.ErrUnknownServiceType)
}

func TestRunMaxParallelTasks(t *testing.T) {
	s := newSession(t)

	src := ""
	for _, name := range []string{"a", "b", "c"} {
		src += `
task "` + name + `" {
  work "nap" {
    action     = "sleep"
    parameters = { ms = 30 }
  }
}
`
	}
	env := envFor(s)
	env.MaxParallelTasks = 1

	start := time.Now()
	_, err := buildfile.Run(context.Background(), env, mustParse(t, src))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRunTaskSpans(t *testing.T) {
	s := newSession(t)
	exporter := tracetest.NewInMemoryExporter()
	tp := tracing.NewProviderWithExporter(tracing.Config{Enabled: true, SampleRate: 1, ServiceName: "test"}, exporter)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	env := envFor(s)
	env.Tracer = tp.Tracer()
	_, err := buildfile.Run(context.Background(), env, mustParse(t, `
task "one" { work "w" { action = "echo" } }
task "two" { work "w" { action = "echo" } }
`))
	require.NoError(t, err)

	var names []string
	for _, span := range exporter.GetSpans() {
		if span.Name == tracing.SpanTaskRun {
			for _, kv := range span.Attributes {
				if string(kv.Key) == tracing.AttrTaskName {
					names = append(names, kv.Value.AsString())
				}
			}
		}
	}
	assert.ElementsMatch(t, []string{"one", "two"}, names)
}

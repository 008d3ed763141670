package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/isolation"
)

func testCatalog() *action.Catalog {
	c := action.NewCatalog()
	c.MustRegister(
		action.Definition{Name: "echo", Module: "core", New: func() action.Action {
			return action.Func(func(_ context.Context, p isolation.Value) (any, error) {
				return p.Get(), nil
			})
		}},
		action.Definition{Name: "count", Module: "core", New: func() action.Action {
			return action.Func(func(ctx context.Context, _ isolation.Value) (any, error) {
				n := action.NamespaceFrom(ctx).Update("n", func(old any) any {
					v, _ := old.(int)
					return v + 1
				})
				return n, nil
			})
		}},
		action.Definition{Name: "chatty", Module: "core", New: func() action.Action {
			return action.Func(func(ctx context.Context, _ isolation.Value) (any, error) {
				action.Logger(ctx).Info("first")
				action.Logger(ctx).Info("second")
				return "done", nil
			})
		}},
		action.Definition{Name: "fail", Module: "core", New: func() action.Action {
			return action.Func(func(context.Context, isolation.Value) (any, error) {
				return nil, errors.New("boom")
			})
		}},
		action.Definition{Name: "upper", Module: "text", New: func() action.Action {
			return action.Func(func(context.Context, isolation.Value) (any, error) {
				return "UPPER", nil
			})
		}},
	)
	return c
}

// startSession runs ServeConn on one end of a pipe and completes the
// handshake on the other.
func startSession(t *testing.T, classpath ...string) (net.Conn, daemon.Hello, <-chan error) {
	t.Helper()
	host, guest := net.Pipe()
	t.Cleanup(func() { host.Close() })

	a := New(testCatalog(), slog.New(slog.DiscardHandler), WithPID(42))
	done := make(chan error, 1)
	go func() {
		done <- a.ServeConn(context.Background(), guest)
		guest.Close()
	}()

	init := daemon.Envelope{Type: daemon.MsgInit, Init: &daemon.InitRequest{WorkerID: "w1", Classpath: classpath}}
	require.NoError(t, daemon.WriteMessage(host, &init))
	var hello daemon.Envelope
	require.NoError(t, daemon.ReadMessage(host, &hello))
	require.Equal(t, daemon.MsgHello, hello.Type)
	require.NotNil(t, hello.Hello)
	return host, *hello.Hello, done
}

func execute(t *testing.T, conn net.Conn, name string, params any) (daemon.ExecuteResult, []string) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := daemon.Envelope{Type: daemon.MsgExecute, Request: &daemon.ExecuteRequest{ItemID: "i1", Action: name, Parameters: raw}}
	require.NoError(t, daemon.WriteMessage(conn, &req))

	var logs []string
	for {
		var msg daemon.Envelope
		require.NoError(t, daemon.ReadMessage(conn, &msg))
		switch msg.Type {
		case daemon.MsgLog:
			logs = append(logs, msg.Line)
		case daemon.MsgResult:
			require.NotNil(t, msg.Result)
			return *msg.Result, logs
		default:
			t.Fatalf("unexpected message %q", msg.Type)
		}
	}
}

func TestHandshakeReportsClasspathModules(t *testing.T) {
	_, hello, _ := startSession(t, "core")
	assert.Equal(t, "w1", hello.WorkerID)
	assert.Equal(t, 42, hello.PID)
	assert.Equal(t, []string{"core"}, hello.Modules)
}

func TestExecuteEcho(t *testing.T) {
	conn, _, _ := startSession(t, "core")
	res, _ := execute(t, conn, "echo", map[string]any{"k": "v"})
	assert.Empty(t, res.Error)
	assert.Equal(t, "i1", res.ItemID)
	assert.JSONEq(t, `{"k":"v"}`, string(res.Output))
}

func TestNamespacePersistsAcrossRequests(t *testing.T) {
	conn, _, _ := startSession(t, "core")
	for want := 1; want <= 3; want++ {
		res, _ := execute(t, conn, "count", nil)
		require.Empty(t, res.Error)
		assert.JSONEq(t, string(mustJSON(t, want)), string(res.Output))
	}
}

func TestActionOutsideClasspathIsUnknown(t *testing.T) {
	conn, _, _ := startSession(t, "core")
	res, _ := execute(t, conn, "upper", nil)
	assert.Contains(t, res.Error, "unknown action")
}

func TestActionErrorIsReported(t *testing.T) {
	conn, _, _ := startSession(t, "core")
	res, _ := execute(t, conn, "fail", nil)
	assert.Equal(t, "boom", res.Error)

	// The session survives a failed action.
	res, _ = execute(t, conn, "echo", "still here")
	assert.Empty(t, res.Error)
}

func TestLogsAreStreamed(t *testing.T) {
	conn, _, _ := startSession(t, "core")
	res, logs := execute(t, conn, "chatty", nil)
	require.Empty(t, res.Error)
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0], "msg=first")
	assert.Contains(t, logs[1], "msg=second")
	assert.Contains(t, logs[0], "item_id=i1")
}

func TestStopEndsSession(t *testing.T) {
	conn, _, done := startSession(t, "core")
	require.NoError(t, daemon.WriteMessage(conn, &daemon.Envelope{Type: daemon.MsgStop}))
	assert.NoError(t, <-done)
}

func TestHostCloseEndsSession(t *testing.T) {
	conn, _, done := startSession(t, "core")
	conn.Close()
	assert.NoError(t, <-done)
}

func TestRejectsMissingInit(t *testing.T) {
	host, guest := net.Pipe()
	defer host.Close()
	a := New(testCatalog(), slog.New(slog.DiscardHandler))
	done := make(chan error, 1)
	go func() { done <- a.ServeConn(context.Background(), guest) }()

	require.NoError(t, daemon.WriteMessage(host, &daemon.Envelope{Type: daemon.MsgStop}))
	assert.ErrorContains(t, <-done, "expected init")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

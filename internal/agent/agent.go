// Package agent implements the worker side of the daemon protocol. It runs
// inside a daemon process (or a microVM guest), restricts the action catalog
// to the daemon's classpath and executes requests one at a time.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/isolation"
)

// Agent serves daemon sessions.
type Agent struct {
	catalog *action.Catalog
	logger  *slog.Logger
	exit    func(code int)
	pid     int
}

// Option configures an Agent.
type Option func(*Agent)

// WithExitFunc sets the function actions reach through action.Exit. The
// default terminates the process.
func WithExitFunc(fn func(code int)) Option {
	return func(a *Agent) { a.exit = fn }
}

// WithPID overrides the process id reported in the handshake.
func WithPID(pid int) Option {
	return func(a *Agent) { a.pid = pid }
}

// New creates an agent serving actions from catalog.
func New(catalog *action.Catalog, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		catalog: catalog,
		logger:  logger,
		exit:    os.Exit,
		pid:     os.Getpid(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// session is the state of one host connection.
type session struct {
	workerID  string
	catalog   *action.Catalog
	namespace *action.Namespace

	writeMu sync.Mutex
	conn    io.ReadWriter
}

func (s *session) send(env *daemon.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return daemon.WriteMessage(s.conn, env)
}

// ServeConn runs one session on rw: it answers the init frame, then executes
// requests until the host sends stop or closes the channel.
func (a *Agent) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	var first daemon.Envelope
	if err := daemon.ReadMessage(rw, &first); err != nil {
		return fmt.Errorf("read init: %w", err)
	}
	if first.Type != daemon.MsgInit || first.Init == nil {
		return fmt.Errorf("expected init, got %q", first.Type)
	}

	catalog := a.catalog.Restrict(first.Init.Classpath)
	s := &session{
		workerID:  first.Init.WorkerID,
		catalog:   catalog,
		namespace: action.NewNamespace("worker-" + first.Init.WorkerID),
		conn:      rw,
	}
	logger := a.logger.With("worker_id", s.workerID)

	hello := daemon.Hello{WorkerID: s.workerID, PID: a.pid, Modules: catalog.Modules()}
	if err := s.send(&daemon.Envelope{Type: daemon.MsgHello, Hello: &hello}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	logger.Info("worker ready", "classpath", first.Init.Classpath, "modules", hello.Modules)

	for {
		var msg daemon.Envelope
		if err := daemon.ReadMessage(rw, &msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				logger.Info("host closed channel")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		switch msg.Type {
		case daemon.MsgStop:
			logger.Info("stop requested")
			return nil
		case daemon.MsgExecute:
			if msg.Request == nil {
				return fmt.Errorf("execute message without request")
			}
			res := a.execute(ctx, s, msg.Request)
			if err := s.send(&daemon.Envelope{Type: daemon.MsgResult, Result: &res}); err != nil {
				return fmt.Errorf("send result: %w", err)
			}
		default:
			return fmt.Errorf("unexpected message type %q", msg.Type)
		}
	}
}

// execute runs one request, streaming whatever the action logs back to the
// host as log frames.
func (a *Agent) execute(ctx context.Context, s *session, req *daemon.ExecuteRequest) daemon.ExecuteResult {
	res := daemon.ExecuteResult{ItemID: req.ItemID}
	start := time.Now()
	defer func() {
		res.DurationMS = int(time.Since(start).Milliseconds())
	}()

	params, err := isolation.FromEncoded(req.Parameters)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	actionLogger := slog.New(slog.NewTextHandler(&frameWriter{s: s}, nil)).
		With("item_id", req.ItemID, "action", req.Action)
	actx := action.WithLogger(ctx, actionLogger)
	actx = action.WithNamespace(actx, s.namespace)
	actx = action.WithExit(actx, a.exit)

	out, err := s.catalog.Invoke(actx, req.Action, params)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	data, err := json.Marshal(out)
	if err != nil {
		res.Error = fmt.Sprintf("encode output: %v", err)
		return res
	}
	res.Output = data
	return res
}

// frameWriter turns each line written to it into a log frame.
type frameWriter struct {
	s *session
}

func (w *frameWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if err := w.s.send(&daemon.Envelope{Type: daemon.MsgLog, Line: string(line)}); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Serve accepts connections from l and serves each as a session. It blocks
// until the listener is closed.
func (a *Agent) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := a.ServeConn(ctx, conn); err != nil {
				a.logger.Error("session failed", "error", err)
			}
		}()
	}
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

var (
	// ErrDaemonStartupFailure is returned when a daemon cannot be launched
	// or does not complete its handshake.
	ErrDaemonStartupFailure = errors.New("worker daemon failed to start")

	// ErrDaemonCrashed is returned when a daemon's channel fails while it
	// is serving a request.
	ErrDaemonCrashed = errors.New("worker daemon crashed")

	// ErrPoolClosed is returned by GetOrCreate after Shutdown.
	ErrPoolClosed = errors.New("daemon pool closed")
)

// exitDrainTimeout bounds reading what an exited daemon left in its channel.
const exitDrainTimeout = time.Second

// State is the lifecycle state of a daemon.
type State int

// Daemon states.
const (
	StateIdle State = iota
	StateBusy
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Process is a launched daemon as seen by the pool.
type Process interface {
	// Conn is the message channel to the daemon.
	Conn() io.ReadWriter
	// PID identifies the process, or the VM, hosting the daemon.
	PID() int
	// Exited is closed once the daemon has terminated.
	Exited() <-chan struct{}
	// Kill terminates the daemon immediately and releases its resources.
	Kill() error
}

// Launcher starts daemon processes.
type Launcher interface {
	Launch(ctx context.Context, workerID string, req model.WorkerRequirement) (Process, error)
}

// Client is the host-side handle on one daemon.
type Client struct {
	id      string
	req     model.WorkerRequirement
	key     string
	proc    Process
	hello   Hello
	logger  *slog.Logger
	started time.Time

	mu       sync.Mutex
	state    State
	lastUsed time.Time
	executed int
	crashed  bool
}

// ID returns the daemon's worker id.
func (c *Client) ID() string { return c.id }

// Requirement returns the requirement the daemon was started for.
func (c *Client) Requirement() model.WorkerRequirement { return c.req }

// PID returns the daemon's process id.
func (c *Client) PID() int { return c.proc.PID() }

// Modules returns the modules the daemon reported in its handshake.
func (c *Client) Modules() []string { return c.hello.Modules }

// State returns the daemon's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) exited() bool {
	select {
	case <-c.proc.Exited():
		return true
	default:
		return false
	}
}

// handshake sends init and waits for hello.
func (c *Client) handshake(ctx context.Context) error {
	init := Envelope{Type: MsgInit, Init: &InitRequest{WorkerID: c.id, Classpath: c.req.NormalizedClasspath()}}
	if err := WriteMessage(c.proc.Conn(), &init); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	type reply struct {
		env Envelope
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var env Envelope
		err := ReadMessage(c.proc.Conn(), &env)
		ch <- reply{env, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("read hello: %w", r.err)
		}
		if r.env.Type != MsgHello || r.env.Hello == nil {
			return fmt.Errorf("expected hello, got %q", r.env.Type)
		}
		if r.env.Hello.WorkerID != c.id {
			return fmt.Errorf("hello from worker %q, want %q", r.env.Hello.WorkerID, c.id)
		}
		c.hello = *r.env.Hello
		return nil
	case <-c.proc.Exited():
		return fmt.Errorf("daemon exited during handshake")
	case <-ctx.Done():
		return fmt.Errorf("waiting for hello: %w", ctx.Err())
	}
}

// Execute sends req to the daemon and reads frames until the result. Log
// lines are passed to logLine as they arrive. A channel failure marks the
// daemon crashed and returns an error wrapping ErrDaemonCrashed; the caller
// must still Release the client so the pool can discard it.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, logLine func(string)) (ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecuteResult{}, err
	}

	env := Envelope{Type: MsgExecute, Request: &req}
	if err := WriteMessage(c.proc.Conn(), &env); err != nil {
		return ExecuteResult{}, c.crash(fmt.Errorf("send request: %w", err))
	}

	for {
		msg, err := c.readFrame()
		if err != nil {
			return ExecuteResult{}, c.crash(err)
		}

		switch msg.Type {
		case MsgLog:
			if logLine != nil {
				logLine(msg.Line)
			}
		case MsgResult:
			if msg.Result == nil {
				return ExecuteResult{}, c.crash(fmt.Errorf("received result message with nil payload"))
			}
			c.mu.Lock()
			c.executed++
			c.mu.Unlock()
			return *msg.Result, nil
		default:
			return ExecuteResult{}, c.crash(fmt.Errorf("unknown message type: %q", msg.Type))
		}
	}
}

// readFrame reads one frame, giving up when the daemon exits without
// closing its channel, e.g. because a grandchild inherited its stdout.
func (c *Client) readFrame() (Envelope, error) {
	type reply struct {
		env Envelope
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var env Envelope
		err := ReadMessage(c.proc.Conn(), &env)
		ch <- reply{env, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-c.proc.Exited():
		// Frames written just before exit are still in the channel.
		select {
		case r = <-ch:
		case <-time.After(exitDrainTimeout):
			return Envelope{}, fmt.Errorf("daemon exited while serving request")
		}
	}
	if r.err != nil {
		return Envelope{}, fmt.Errorf("read daemon message: %w", r.err)
	}
	return r.env, nil
}

func (c *Client) crash(cause error) error {
	c.mu.Lock()
	first := !c.crashed
	c.crashed = true
	c.mu.Unlock()
	if first {
		daemonCrashes.Inc()
		c.logger.Error("worker daemon crashed", "worker_id", c.id, "error", cause)
	}
	return fmt.Errorf("%w: worker %s: %v", ErrDaemonCrashed, c.id, cause)
}

// stop asks the daemon to exit, killing it if it does not within grace.
func (c *Client) stop(grace time.Duration) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	var err error
	if !c.exited() {
		if werr := WriteMessage(c.proc.Conn(), &Envelope{Type: MsgStop}); werr != nil {
			c.logger.Debug("send stop failed", "worker_id", c.id, "error", werr)
		}
		select {
		case <-c.proc.Exited():
		case <-time.After(grace):
			c.logger.Warn("worker daemon did not stop in time, killing", "worker_id", c.id)
		}
	}
	// Kill also releases resources of an already exited daemon.
	if kerr := c.proc.Kill(); kerr != nil {
		err = fmt.Errorf("kill worker %s: %w", c.id, kerr)
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return err
}

// Info is a point-in-time view of a daemon.
type Info struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	Isolation string    `json:"isolation"`
	Classpath []string  `json:"classpath"`
	Key       string    `json:"key"`
	Executed  int       `json:"executed"`
	StartedAt time.Time `json:"started_at"`
	LastUsed  time.Time `json:"last_used"`
}

func (c *Client) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:        c.id,
		PID:       c.proc.PID(),
		State:     c.state.String(),
		Isolation: c.req.Isolation.String(),
		Classpath: c.req.NormalizedClasspath(),
		Key:       c.key,
		Executed:  c.executed,
		StartedAt: c.started,
		LastUsed:  c.lastUsed,
	}
}

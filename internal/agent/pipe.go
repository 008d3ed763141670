package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/model"
)

// PipeLauncher runs daemons as goroutines connected over net.Pipe. Each
// launch gets its own agent session, so namespaces are not shared between
// daemons, but memory is. It backs tests and the inline launcher mode.
type PipeLauncher struct {
	catalog *action.Catalog
	logger  *slog.Logger

	nextPID  atomic.Int64
	launches atomic.Int64

	mu      sync.Mutex
	failing error
}

var _ daemon.Launcher = (*PipeLauncher)(nil)

// NewPipeLauncher creates a launcher serving actions from catalog.
func NewPipeLauncher(catalog *action.Catalog, logger *slog.Logger) *PipeLauncher {
	l := &PipeLauncher{catalog: catalog, logger: logger}
	l.nextPID.Store(10000)
	return l
}

// FailLaunches makes subsequent launches return err. A nil err restores
// normal behaviour.
func (l *PipeLauncher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = err
}

// Launches reports how many daemons were started.
func (l *PipeLauncher) Launches() int {
	return int(l.launches.Load())
}

// Launch starts a daemon session in a goroutine.
func (l *PipeLauncher) Launch(_ context.Context, workerID string, _ model.WorkerRequirement) (daemon.Process, error) {
	l.mu.Lock()
	failing := l.failing
	l.mu.Unlock()
	if failing != nil {
		return nil, fmt.Errorf("launch %s: %w", workerID, failing)
	}

	host, guest := net.Pipe()
	p := &pipeProcess{
		host:   host,
		guest:  guest,
		pid:    int(l.nextPID.Add(1)),
		exited: make(chan struct{}),
	}
	ag := New(l.catalog, l.logger, WithPID(p.pid), WithExitFunc(func(int) { p.closeConns() }))
	l.launches.Add(1)

	go func() {
		defer close(p.exited)
		defer p.closeConns()
		if err := ag.ServeConn(context.Background(), guest); err != nil {
			l.logger.Debug("pipe worker ended", "worker_id", workerID, "error", err)
		}
	}()
	return p, nil
}

type pipeProcess struct {
	host   net.Conn
	guest  net.Conn
	pid    int
	exited chan struct{}

	closeOnce sync.Once
}

func (p *pipeProcess) Conn() io.ReadWriter     { return p.host }
func (p *pipeProcess) PID() int                { return p.pid }
func (p *pipeProcess) Exited() <-chan struct{} { return p.exited }

func (p *pipeProcess) closeConns() {
	p.closeOnce.Do(func() {
		p.host.Close()
		p.guest.Close()
	})
}

func (p *pipeProcess) Kill() error {
	p.closeConns()
	select {
	case <-p.exited:
		return nil
	case <-time.After(killTimeout):
		return fmt.Errorf("pipe worker %d did not exit", p.pid)
	}
}

const killTimeout = 5 * time.Second

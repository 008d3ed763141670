package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// DaemonCommand is the subcommand that puts the anvil binary in daemon mode.
const DaemonCommand = "daemon"

// EnvWorkerID carries the worker id into a daemon process.
const EnvWorkerID = "ANVIL_WORKER_ID"

const (
	killWaitTimeout = 3 * time.Second
	// stderrDrainTimeout bounds the wait for a dead daemon's last stderr lines.
	stderrDrainTimeout = time.Second
	startupLinesKept   = 20
)

// ProcessLauncher starts daemons as child processes of the host, talking to
// them over their stdin and stdout.
type ProcessLauncher struct {
	binary string
	args   []string
	dirs   *WorkerDirectoryProvider
	logger *slog.Logger
}

// NewProcessLauncher creates a launcher running binary with the daemon
// subcommand. An empty binary selects the running executable.
func NewProcessLauncher(binary string, dirs *WorkerDirectoryProvider, logger *slog.Logger) (*ProcessLauncher, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve daemon binary: %w", err)
		}
		binary = exe
	}
	return &ProcessLauncher{
		binary: binary,
		args:   []string{DaemonCommand},
		dirs:   dirs,
		logger: logger,
	}, nil
}

// WithArgs replaces the arguments placed before the requirement's own
// arguments. The default is the daemon subcommand. Requirement arguments
// always follow a "--" separator, so the daemon never parses them as flags.
func (l *ProcessLauncher) WithArgs(args ...string) *ProcessLauncher {
	l.args = args
	return l
}

// Launch starts a daemon process for req.
func (l *ProcessLauncher) Launch(_ context.Context, workerID string, req model.WorkerRequirement) (Process, error) {
	dir := req.Fork.WorkingDir
	ownDir := false
	if dir == "" && l.dirs != nil {
		d, err := l.dirs.Dir(workerID)
		if err != nil {
			return nil, err
		}
		dir, ownDir = d, true
	}

	args := append([]string{}, l.args...)
	if len(req.Fork.Args) > 0 {
		args = append(args, "--")
		args = append(args, req.Fork.Args...)
	}
	cmd := exec.Command(l.binary, args...)
	cmd.Dir = dir
	cmd.Env = daemonEnv(os.Environ(), workerID, req.Fork)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	childIn, hostOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	hostIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		hostOut.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(childIn, hostOut, hostIn, childOut)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(childIn, hostOut, hostIn, childOut, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", l.binary, err)
	}
	// The child holds its own copies now.
	closeAll(childIn, childOut, stderrW)

	p := &osProcess{
		cmd:        cmd,
		in:         hostOut,
		out:        hostIn,
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
		workerID:   workerID,
		logger:     l.logger.With("worker_id", workerID),
	}
	if ownDir {
		p.dirs = l.dirs
	}

	go p.forwardStderr(stderrR)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// daemonEnv overlays the fork options on the host environment.
func daemonEnv(base []string, workerID string, fork model.ForkOptions) []string {
	env := append([]string{}, base...)
	env = append(env, EnvWorkerID+"="+workerID)
	if fork.MaxHeapMB > 0 {
		env = append(env, fmt.Sprintf("GOMEMLIMIT=%dMiB", fork.MaxHeapMB))
	}
	keys := make([]string, 0, len(fork.Env))
	for k := range fork.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+fork.Env[k])
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// osProcess is a daemon running as a child process.
type osProcess struct {
	cmd      *exec.Cmd
	in       *os.File // host writes
	out      *os.File // host reads
	exited   chan struct{}
	waitErr  error
	workerID string
	dirs     *WorkerDirectoryProvider
	logger   *slog.Logger
	killOnce sync.Once
	killErr  error

	stderrDone chan struct{}
	mu         sync.Mutex
	ready      bool
	startup    []string // stderr lines seen before Ready
}

type pipeConn struct {
	io.Reader
	io.Writer
}

func (p *osProcess) Conn() io.ReadWriter {
	return pipeConn{Reader: p.out, Writer: p.in}
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Exited() <-chan struct{} {
	return p.exited
}

// Kill terminates the daemon's process group, closes the pipes and removes
// the worker directory the launcher created.
func (p *osProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
				p.killErr = fmt.Errorf("kill process group %d: %w", p.cmd.Process.Pid, err)
			}
			select {
			case <-p.exited:
			case <-time.After(killWaitTimeout):
				p.killErr = fmt.Errorf("process %d did not exit after kill", p.cmd.Process.Pid)
			}
		}
		closeAll(p.in, p.out)
		if p.dirs != nil {
			if err := p.dirs.Remove(p.workerID); err != nil {
				p.logger.Warn("remove worker directory", "error", err)
			}
		}
	})
	return p.killErr
}

// forwardStderr relays the daemon's stderr into the host log and keeps the
// lines written before the handshake completes.
func (p *osProcess) forwardStderr(r io.ReadCloser) {
	defer close(p.stderrDone)
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("worker stderr", "line", line)

		p.mu.Lock()
		if !p.ready {
			if len(p.startup) == startupLinesKept {
				p.startup = p.startup[1:]
			}
			p.startup = append(p.startup, line)
		}
		p.mu.Unlock()
	}
}

// Ready marks the handshake complete and drops the captured startup output.
func (p *osProcess) Ready() {
	p.mu.Lock()
	p.ready = true
	p.startup = nil
	p.mu.Unlock()
}

// StartupOutput returns the stderr lines written before the handshake
// completed. Call it after Kill so the stream is drained first.
func (p *osProcess) StartupOutput() []string {
	select {
	case <-p.stderrDone:
	case <-time.After(stderrDrainTimeout):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.startup...)
}

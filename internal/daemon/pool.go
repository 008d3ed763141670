package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/model"
)

// Pool defaults.
const (
	DefaultIdleTimeout    = 3 * time.Minute
	DefaultSweepInterval  = 10 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// Eviction reasons used in logs and metrics.
const (
	reasonIdle     = "idle_timeout"
	reasonMemory   = "memory_pressure"
	reasonShutdown = "shutdown"
	reasonCrash    = "crash"
)

// MemoryStatus reports how much memory the host has available.
type MemoryStatus interface {
	FreeMemoryMB() (int, error)
}

// Config controls pool behaviour.
type Config struct {
	// IdleTimeout is how long a daemon may stay idle before it is stopped.
	IdleTimeout time.Duration
	// SweepInterval is how often idle and memory checks run. Zero disables
	// the background sweeper; Sweep can still be called directly.
	SweepInterval time.Duration
	// StartupTimeout bounds launch plus handshake.
	StartupTimeout time.Duration
	// StopTimeout is how long a daemon gets to exit after a stop request.
	StopTimeout time.Duration
	// MinFreeMemoryMB is the free memory below which idle daemons are
	// stopped. Zero disables memory-pressure eviction.
	MinFreeMemoryMB int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Pool matches work requirements to reusable daemons.
type Pool struct {
	launcher Launcher
	memory   MemoryStatus
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
	live    sync.WaitGroup

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewPool creates a pool and, when cfg.SweepInterval is positive, starts
// its background sweeper. memory may be nil.
func NewPool(launcher Launcher, memory MemoryStatus, cfg Config, logger *slog.Logger) *Pool {
	p := &Pool{
		launcher:  launcher,
		memory:    memory,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		clients:   make(map[string]*Client),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if p.cfg.SweepInterval > 0 {
		go p.sweepLoop()
	} else {
		close(p.sweepDone)
	}
	return p
}

// GetOrCreate returns a busy daemon compatible with req. An idle daemon with
// an equal requirement is reused, most recently used first; otherwise a new
// daemon is launched. Launch failures wrap ErrDaemonStartupFailure and are
// not retried.
func (p *Pool) GetOrCreate(ctx context.Context, req model.WorkerRequirement) (*Client, error) {
	key := req.Key()

	if c := p.claimMatching(key); c != nil {
		daemonsReused.Inc()
		p.updateStateGauge()
		p.logger.Debug("reusing worker daemon", "worker_id", c.id)
		return c, nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	c, err := p.start(ctx, req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.stop(p.cfg.StopTimeout)
		return nil, ErrPoolClosed
	}
	p.clients[c.id] = c
	p.live.Add(1)
	p.mu.Unlock()

	go p.watch(c)
	p.updateStateGauge()
	return c, nil
}

// claimMatching marks the most recently used idle daemon with the given
// requirement key busy and returns it, or returns nil.
func (p *Pool) claimMatching(key string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	var (
		best     *Client
		bestUsed time.Time
	)
	for _, c := range p.clients {
		if c.key != key || c.exited() {
			continue
		}
		c.mu.Lock()
		usable := c.state == StateIdle && !c.crashed
		lastUsed := c.lastUsed
		c.mu.Unlock()
		if usable && (best == nil || lastUsed.After(bestUsed)) {
			best, bestUsed = c, lastUsed
		}
	}
	if best == nil {
		return nil
	}

	best.mu.Lock()
	defer best.mu.Unlock()
	// A concurrent sweep may have claimed it for stopping.
	if best.state != StateIdle {
		return nil
	}
	best.state = StateBusy
	return best
}

// startupReporter is implemented by processes that capture what the daemon
// wrote to stderr before its handshake.
type startupReporter interface {
	Ready()
	StartupOutput() []string
}

func (p *Pool) start(ctx context.Context, req model.WorkerRequirement) (*Client, error) {
	id := model.NewID()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	proc, err := p.launcher.Launch(ctx, id, req)
	if err != nil {
		daemonStarts.WithLabelValues(statusFailed).Inc()
		return nil, fmt.Errorf("%w: launch worker %s: %v", ErrDaemonStartupFailure, id, err)
	}

	c := &Client{
		id:       id,
		req:      req,
		key:      req.Key(),
		proc:     proc,
		logger:   p.logger.With("worker_id", id),
		started:  start,
		state:    StateBusy,
		lastUsed: start,
	}
	if err := c.handshake(ctx); err != nil {
		daemonStarts.WithLabelValues(statusFailed).Inc()
		if kerr := proc.Kill(); kerr != nil {
			p.logger.Debug("kill after failed handshake", "worker_id", id, "error", kerr)
		}
		if sr, ok := proc.(startupReporter); ok {
			lines := sr.StartupOutput()
			for _, line := range lines {
				p.logger.Warn("worker stderr during startup", "worker_id", id, "line", line)
			}
			if len(lines) > 0 {
				err = fmt.Errorf("%w (stderr: %s)", err, lines[len(lines)-1])
			}
		}
		return nil, fmt.Errorf("%w: worker %s: %v", ErrDaemonStartupFailure, id, err)
	}
	if sr, ok := proc.(startupReporter); ok {
		sr.Ready()
	}

	daemonStarts.WithLabelValues(statusStarted).Inc()
	daemonStartupDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("worker daemon started",
		"worker_id", id,
		"pid", proc.PID(),
		"classpath", req.NormalizedClasspath(),
		"startup_ms", time.Since(start).Milliseconds(),
	)
	return c, nil
}

// watch removes a daemon that exits while idle.
func (p *Pool) watch(c *Client) {
	<-c.proc.Exited()

	c.mu.Lock()
	state := c.state
	unexpected := state == StateIdle || state == StateBusy
	if unexpected {
		c.crashed = true
	}
	if state == StateIdle {
		c.state = StateStopped
	}
	c.mu.Unlock()

	if state == StateIdle {
		daemonCrashes.Inc()
		daemonEvictions.WithLabelValues(reasonCrash).Inc()
		p.logger.Warn("idle worker daemon exited", "worker_id", c.id)
		_ = c.proc.Kill()
		p.remove(c)
	}
}

// Release returns a daemon obtained from GetOrCreate. Crashed daemons are
// discarded instead of becoming idle.
func (p *Pool) Release(c *Client) {
	c.mu.Lock()
	if c.state != StateBusy {
		c.mu.Unlock()
		return
	}
	if c.crashed || c.exited() {
		c.crashed = true
		c.state = StateStopping
		c.mu.Unlock()
		daemonEvictions.WithLabelValues(reasonCrash).Inc()
		if err := c.stop(p.cfg.StopTimeout); err != nil {
			p.logger.Debug("discard crashed worker", "worker_id", c.id, "error", err)
		}
		p.remove(c)
		return
	}
	c.state = StateIdle
	c.lastUsed = time.Now()
	c.mu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		if p.claimIdle(c) {
			p.evict(c, reasonShutdown)
		}
		return
	}
	p.updateStateGauge()
}

// claimIdle moves c from idle to stopping. It reports false if c was not
// idle.
func (p *Pool) claimIdle(c *Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateStopping
	return true
}

// evict stops a daemon already claimed with claimIdle and removes it.
func (p *Pool) evict(c *Client, reason string) {
	daemonEvictions.WithLabelValues(reason).Inc()
	p.logger.Info("stopping worker daemon", "worker_id", c.id, "reason", reason)
	if err := c.stop(p.cfg.StopTimeout); err != nil {
		p.logger.Warn("stop worker daemon", "worker_id", c.id, "error", err)
	}
	p.remove(c)
}

func (p *Pool) remove(c *Client) {
	p.mu.Lock()
	_, ok := p.clients[c.id]
	delete(p.clients, c.id)
	p.mu.Unlock()
	if ok {
		p.live.Done()
	}
	p.updateStateGauge()
}

// Sweep stops daemons that have been idle longer than the idle timeout and,
// while the host is under memory pressure, stops further idle daemons in
// least-recently-used order. Busy daemons are never stopped.
func (p *Pool) Sweep(now time.Time) {
	for _, c := range p.idleLRU() {
		c.mu.Lock()
		expired := c.state == StateIdle && now.Sub(c.lastUsed) > p.cfg.IdleTimeout
		c.mu.Unlock()
		if expired && p.claimIdle(c) {
			p.evict(c, reasonIdle)
		}
	}

	if p.memory == nil || p.cfg.MinFreeMemoryMB <= 0 {
		return
	}
	for {
		free, err := p.memory.FreeMemoryMB()
		if err != nil {
			p.logger.Warn("read free memory", "error", err)
			return
		}
		if free >= p.cfg.MinFreeMemoryMB {
			return
		}
		victim := p.claimOldestIdle()
		if victim == nil {
			p.logger.Debug("memory pressure with no idle worker daemons", "free_mb", free)
			return
		}
		p.logger.Info("memory pressure", "free_mb", free, "min_free_mb", p.cfg.MinFreeMemoryMB)
		p.evict(victim, reasonMemory)
	}
}

// idleLRU returns idle daemons, least recently used first.
func (p *Pool) idleLRU() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	type entry struct {
		c        *Client
		lastUsed time.Time
	}
	var idle []entry
	for _, c := range p.clients {
		c.mu.Lock()
		if c.state == StateIdle {
			idle = append(idle, entry{c, c.lastUsed})
		}
		c.mu.Unlock()
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastUsed.Before(idle[j].lastUsed)
	})
	out := make([]*Client, len(idle))
	for i, e := range idle {
		out[i] = e.c
	}
	return out
}

func (p *Pool) claimOldestIdle() *Client {
	for _, c := range p.idleLRU() {
		if p.claimIdle(c) {
			return c
		}
	}
	return nil
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.Sweep(now)
		case <-p.stopSweep:
			return
		}
	}
}

// Shutdown rejects further requests, stops every idle daemon concurrently,
// and waits until busy daemons have been released and stopped or ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopSweep)
	})
	<-p.sweepDone

	g, _ := errgroup.WithContext(ctx)
	for _, c := range p.idleLRU() {
		if !p.claimIdle(c) {
			continue
		}
		g.Go(func() error {
			daemonEvictions.WithLabelValues(reasonShutdown).Inc()
			err := c.stop(p.cfg.StopTimeout)
			p.remove(c)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown daemon pool: %w", err)
	}

	done := make(chan struct{})
	go func() {
		p.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("daemon pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown daemon pool: waiting for busy daemons: %w", ctx.Err())
	}
}

// List returns a snapshot of every daemon, sorted by start time.
func (p *Pool) List() []Info {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

func (p *Pool) updateStateGauge() {
	counts := map[State]int{}
	p.mu.Lock()
	for _, c := range p.clients {
		counts[c.State()]++
	}
	p.mu.Unlock()
	for _, s := range []State{StateIdle, StateBusy, StateStopping} {
		daemonsByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

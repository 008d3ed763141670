// Package queue runs executions with bounded parallelism in FIFO order.
//
// An execution that waits on the result of another execution from the same
// queue gives up its slot for the duration of the wait, so recursive
// submission cannot exhaust the pool and deadlock.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrQueueStopped is returned by Submit once Stop has been called.
var ErrQueueStopped = errors.New("execution queue stopped")

// Executable is a unit of execution submitted to the queue.
type Executable func(ctx context.Context) (any, error)

type item struct {
	name   string
	ctx    context.Context
	exec   Executable
	future *Future
}

// Queue is a bounded-parallelism FIFO execution queue.
type Queue struct {
	limit  int
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	pending []*item
	stopped bool
	wake    chan struct{}

	running    sync.WaitGroup
	dispatched chan struct{}
	stopOnce   sync.Once
}

// New creates a queue running at most maxWorkers executions at once and
// starts its dispatcher. A non-positive maxWorkers selects runtime.NumCPU().
func New(maxWorkers int, logger *slog.Logger) *Queue {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	q := &Queue{
		limit:      maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		logger:     logger,
		wake:       make(chan struct{}, 1),
		dispatched: make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Limit returns the parallelism ceiling.
func (q *Queue) Limit() int {
	return q.limit
}

// Submit enqueues exec. The execution runs with a context that carries the
// values of ctx but is never cancelled by it.
func (q *Queue) Submit(ctx context.Context, name string, exec Executable) (*Future, error) {
	f := &Future{queue: q, name: name, done: make(chan struct{})}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, fmt.Errorf("submit %s: %w", name, ErrQueueStopped)
	}
	q.pending = append(q.pending, &item{name: name, ctx: context.WithoutCancel(ctx), exec: exec, future: f})
	queueDepth.Inc()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return f, nil
}

// Pending returns the number of queued executions that have not started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// next blocks until an item is available. It returns nil once the queue is
// stopped and drained.
func (q *Queue) next() *item {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			it := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			queueDepth.Dec()
			q.mu.Unlock()
			return it
		}
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return nil
		}
		<-q.wake
	}
}

func (q *Queue) dispatch() {
	defer close(q.dispatched)
	for {
		it := q.next()
		if it == nil {
			return
		}
		// Background: a slot always frees up eventually because running
		// executions either finish or suspend their lease while waiting.
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			it.future.complete(nil, err)
			continue
		}
		l := &lease{queue: q, held: true}
		q.running.Add(1)
		runningExecutions.Inc()
		go q.run(it, l)
	}
}

func (q *Queue) run(it *item, l *lease) {
	defer q.running.Done()
	defer runningExecutions.Dec()
	defer l.finish()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("execution panicked", "execution", it.name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("execution %s panicked: %v", it.name, r)
			}
		}()
		result, err = it.exec(context.WithValue(it.ctx, leaseKey{}, l))
	}()
	it.future.complete(result, err)
}

// Stop stops accepting submissions, lets every queued and running execution
// finish, and returns once the queue is drained. It must not be called from
// inside an execution.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	})
	<-q.dispatched
	q.running.Wait()
}

type leaseKey struct{}

// lease is the slot held by a running execution.
type lease struct {
	queue *Queue

	mu      sync.Mutex
	held    bool
	waiters int
	done    bool
}

// suspend gives the slot back while the execution waits.
func (l *lease) suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiters++
	if l.waiters == 1 && l.held {
		l.held = false
		l.queue.sem.Release(1)
	}
}

// resume takes a slot again once the last wait ends.
func (l *lease) resume() {
	l.mu.Lock()
	l.waiters--
	if l.waiters > 0 || l.held || l.done {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	_ = l.queue.sem.Acquire(context.Background(), 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiters > 0 || l.done {
		l.queue.sem.Release(1)
		return
	}
	l.held = true
}

func (l *lease) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	if l.held {
		l.held = false
		l.queue.sem.Release(1)
	}
}

// Future is the pending result of a submitted execution.
type Future struct {
	queue *Queue
	name  string
	done  chan struct{}

	result any
	err    error
}

func (f *Future) complete(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Name returns the name the execution was submitted under.
func (f *Future) Name() string { return f.name }

// Done is closed when the execution has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the execution finishes or ctx is done. When called from
// an execution running on the same queue, that execution's slot is released
// for the duration of the wait.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
	}

	if l, ok := ctx.Value(leaseKey{}).(*lease); ok && l.queue == f.queue {
		l.suspend()
		defer l.resume()
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Package tracker associates dispatched work with the build operation that
// issued it, so the operation is only reported complete once all of its
// work has finished.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultRetention is how long a drained operation nobody waits on keeps
// its entry and failures.
const DefaultRetention = 15 * time.Minute

var (
	// ErrConcurrentWait is returned when an operation is already being
	// waited on by another caller.
	ErrConcurrentWait = errors.New("operation already being waited on")

	// ErrUnknownWorkItem is returned when a completion is reported for an
	// item that was never tracked.
	ErrUnknownWorkItem = errors.New("unknown work item")

	// ErrDuplicateWorkItem is returned when an item id is tracked twice.
	ErrDuplicateWorkItem = errors.New("work item already tracked")
)

// WorkFailure is the failure of one work item.
type WorkFailure struct {
	ItemID string
	Action string
	Err    error
}

func (f *WorkFailure) Error() string {
	return fmt.Sprintf("work item %s (%s): %v", f.ItemID, f.Action, f.Err)
}

func (f *WorkFailure) Unwrap() error {
	return f.Err
}

// OperationFailure aggregates every failed work item of an operation in the
// order the failures were reported.
type OperationFailure struct {
	OperationID string
	Failures    []*WorkFailure
}

func (e *OperationFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "operation %s: %d work item(s) failed", e.OperationID, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n\t* ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *OperationFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

type entry struct {
	inflight map[string]string // item id -> action
	failures []*WorkFailure
	idle     chan struct{}
	drained  bool
	waiting  bool
	total    int
}

// OperationInfo is a point-in-time view of a tracked operation.
type OperationInfo struct {
	OperationID string `json:"operation_id"`
	InFlight    int    `json:"in_flight"`
	Total       int    `json:"total"`
	Failures    int    `json:"failures"`
}

// Tracker records in-flight work per operation.
type Tracker struct {
	logger    *slog.Logger
	retention time.Duration

	mu    sync.Mutex
	ops   map[string]*entry
	items map[string]string // item id -> operation id

	// drained holds operations waiting out their retention. Expiry evicts
	// the entry unless it was tracked again or is being waited on.
	drained *cache.Cache
}

// Option customizes New.
type Option func(*Tracker)

// WithRetention sets how long drained, unwaited operations are kept.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// New creates an empty tracker.
func New(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger:    logger,
		retention: DefaultRetention,
		ops:       make(map[string]*entry),
		items:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.drained = cache.New(t.retention, t.retention/2)
	t.drained.OnEvicted(func(opID string, v any) {
		t.evict(opID, v.(*entry))
	})
	return t
}

func (t *Tracker) evict(opID string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ops[opID] != e || !e.drained || e.waiting {
		return
	}
	delete(t.ops, opID)
	t.logger.Debug("evicted drained operation", "operation_id", opID, "total", e.total, "failures", len(e.failures))
}

// Track registers itemID as in flight for operationID.
func (t *Tracker) Track(operationID, itemID, action string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.items[itemID]; ok {
		return fmt.Errorf("track %s: %w", itemID, ErrDuplicateWorkItem)
	}

	e, ok := t.ops[operationID]
	if !ok {
		e = &entry{inflight: make(map[string]string), idle: make(chan struct{})}
		t.ops[operationID] = e
	}
	if e.drained {
		e.idle = make(chan struct{})
		e.drained = false
	}
	e.inflight[itemID] = action
	e.total++
	t.items[itemID] = operationID
	return nil
}

// Completed records the outcome of itemID. A nil err means success.
func (t *Tracker) Completed(itemID string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	opID, ok := t.items[itemID]
	if !ok {
		return fmt.Errorf("complete %s: %w", itemID, ErrUnknownWorkItem)
	}
	delete(t.items, itemID)

	e := t.ops[opID]
	action := e.inflight[itemID]
	delete(e.inflight, itemID)

	if err != nil {
		e.failures = append(e.failures, &WorkFailure{ItemID: itemID, Action: action, Err: err})
		t.logger.Debug("work item failed", "operation_id", opID, "item_id", itemID, "action", action, "error", err)
	}

	if len(e.inflight) == 0 && !e.drained {
		e.drained = true
		close(e.idle)
		// The cache's own lock is independent of t.mu; eviction runs from
		// its janitor goroutine.
		t.drained.SetDefault(opID, e)
	}
	return nil
}

// WaitForCompletion blocks until every item tracked for operationID has
// completed. It returns nil immediately when nothing was dispatched, an
// *OperationFailure when any item failed, and ctx.Err() if ctx ends first.
// Completions are never blocked by a waiter. An operation that drained and
// was not awaited within the retention is forgotten and reports nil.
func (t *Tracker) WaitForCompletion(ctx context.Context, operationID string) error {
	t.mu.Lock()
	e, ok := t.ops[operationID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if e.waiting {
		t.mu.Unlock()
		return fmt.Errorf("wait for %s: %w", operationID, ErrConcurrentWait)
	}
	e.waiting = true

	for len(e.inflight) > 0 {
		idle := e.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			t.mu.Lock()
			e.waiting = false
			t.mu.Unlock()
			return ctx.Err()
		}

		t.mu.Lock()
	}

	delete(t.ops, operationID)
	failures := e.failures
	t.mu.Unlock()

	if len(failures) > 0 {
		return &OperationFailure{OperationID: operationID, Failures: failures}
	}
	return nil
}

// InFlight returns the number of unfinished items for operationID.
func (t *Tracker) InFlight(operationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.ops[operationID]; ok {
		return len(e.inflight)
	}
	return 0
}

// Operation returns a view of operationID, if it is tracked.
func (t *Tracker) Operation(operationID string) (OperationInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[operationID]
	if !ok {
		return OperationInfo{}, false
	}
	return OperationInfo{
		OperationID: operationID,
		InFlight:    len(e.inflight),
		Total:       e.total,
		Failures:    len(e.failures),
	}, true
}

// Operations returns a view of every tracked operation, sorted by id.
func (t *Tracker) Operations() []OperationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OperationInfo, 0, len(t.ops))
	for id, e := range t.ops {
		out = append(out, OperationInfo{
			OperationID: id,
			InFlight:    len(e.inflight),
			Total:       e.total,
			Failures:    len(e.failures),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

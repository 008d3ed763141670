package action

import (
	"context"
	"log/slog"
	"sync"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	namespaceKey
	exitKey
)

// WithLogger returns a context carrying logger for actions to use.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the logger carried by ctx, or a discarding logger.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// Namespace is the mutable state visible to actions running in one
// execution context. Actions running in different sandboxes or daemons see
// different namespaces.
type Namespace struct {
	name string

	mu     sync.Mutex
	values map[string]any
}

// NewNamespace creates an empty namespace.
func NewNamespace(name string) *Namespace {
	return &Namespace{name: name, values: make(map[string]any)}
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Load returns the value stored under key.
func (n *Namespace) Load(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.values[key]
	return v, ok
}

// Store sets key to v.
func (n *Namespace) Store(key string, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[key] = v
}

// Update atomically replaces the value under key with fn(old) and returns it.
func (n *Namespace) Update(key string, fn func(old any) any) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := fn(n.values[key])
	n.values[key] = v
	return v
}

// WithNamespace returns a context carrying ns.
func WithNamespace(ctx context.Context, ns *Namespace) context.Context {
	return context.WithValue(ctx, namespaceKey, ns)
}

// NamespaceFrom returns the namespace carried by ctx. A context without one
// gets a fresh namespace that is discarded afterwards.
func NamespaceFrom(ctx context.Context) *Namespace {
	if ns, ok := ctx.Value(namespaceKey).(*Namespace); ok && ns != nil {
		return ns
	}
	return NewNamespace("ephemeral")
}

// WithExit returns a context carrying fn, which terminates the worker
// process hosting the action.
func WithExit(ctx context.Context, fn func(code int)) context.Context {
	return context.WithValue(ctx, exitKey, fn)
}

// Exit terminates the hosting worker with code. It reports false, and does
// nothing, when the action is not running inside a worker daemon.
func Exit(ctx context.Context, code int) bool {
	fn, ok := ctx.Value(exitKey).(func(int))
	if !ok || fn == nil {
		return false
	}
	fn(code)
	return true
}

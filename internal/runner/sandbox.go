package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
)

// DefaultSandboxTTL is how long an unused sandbox is kept.
const DefaultSandboxTTL = 10 * time.Minute

// Sandbox is an in-process execution context scoped to a classpath. Only
// actions from modules on the classpath resolve inside it, and it has its
// own namespace. It does not isolate memory: Go has no per-module loaders,
// so an action can still reach process globals through package state.
type Sandbox struct {
	ID        string
	Classpath []string
	catalog   *action.Catalog
	namespace *action.Namespace
}

// Namespace returns the sandbox's private namespace.
func (s *Sandbox) Namespace() *action.Namespace {
	return s.namespace
}

// Sandboxed runs work inside classpath-scoped sandboxes, reusing a sandbox
// for every item with the same classpath until it has been idle for the
// configured TTL.
type Sandboxed struct {
	catalog *action.Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	sandboxes *cache.Cache
}

// NewSandboxed creates a sandboxing runner. A non-positive ttl selects
// DefaultSandboxTTL.
func NewSandboxed(catalog *action.Catalog, ttl time.Duration, logger *slog.Logger) *Sandboxed {
	if ttl <= 0 {
		ttl = DefaultSandboxTTL
	}
	c := cache.New(ttl, ttl/2)
	c.OnEvicted(func(key string, _ any) {
		logger.Debug("sandbox evicted", "classpath", key)
	})
	return &Sandboxed{
		catalog:   catalog,
		logger:    logger,
		sandboxes: c,
	}
}

// Sandbox returns the sandbox for classpath, creating it if needed. Using a
// sandbox resets its idle timer.
func (s *Sandboxed) Sandbox(classpath []string) *Sandbox {
	cp := model.WorkerRequirement{Classpath: classpath}.NormalizedClasspath()
	key := strings.Join(cp, ":")

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.sandboxes.Get(key); ok {
		sb := v.(*Sandbox)
		s.sandboxes.SetDefault(key, sb)
		return sb
	}
	sb := &Sandbox{
		ID:        model.NewID(),
		Classpath: cp,
		catalog:   s.catalog.Restrict(cp),
		namespace: action.NewNamespace("sandbox:" + key),
	}
	s.sandboxes.SetDefault(key, sb)
	s.logger.Debug("sandbox created", "sandbox_id", sb.ID, "classpath", key)
	return sb
}

// Len returns the number of live sandboxes.
func (s *Sandboxed) Len() int {
	return s.sandboxes.ItemCount()
}

// Run executes spec inside the sandbox for its classpath.
func (s *Sandboxed) Run(ctx context.Context, spec action.Spec) (Result, error) {
	start := time.Now()
	sb := s.Sandbox(spec.Requirement.Classpath)

	ctx = action.WithNamespace(ctx, sb.namespace)
	logger := s.logger.With("item_id", spec.ItemID, "action", spec.Action, "sandbox_id", sb.ID)
	ctx = action.WithLogger(ctx, action.OutputLogger(ctx, logger))

	out, err := sb.catalog.Invoke(ctx, spec.Action, spec.Parameters)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox %s: %w", sb.ID, err)
	}
	return Result{Output: out, DurationMS: int(time.Since(start).Milliseconds())}, nil
}

// Capabilities reports what this runner provides.
func (s *Sandboxed) Capabilities() Capabilities {
	return Capabilities{
		Name:      "sandbox",
		Isolation: model.IsolationClassloader,
		Guarantee: "classpath-scoped action resolution and a private namespace; shares process memory",
	}
}

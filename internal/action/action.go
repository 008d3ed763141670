// Package action defines units of work and the catalog they are resolved from.
package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/isolation"
)

// ErrUnknownAction is returned when an action name cannot be resolved.
var ErrUnknownAction = errors.New("unknown action")

// ErrNotOnClasspath is returned when an action's module is missing from
// the classpath of the work that names it.
var ErrNotOnClasspath = errors.New("module not on classpath")

// ErrActionPanicked wraps a panic raised by an action.
var ErrActionPanicked = errors.New("action panicked")

// Action is a unit of work. Implementations receive an isolated copy of
// their parameters and must not retain it after Execute returns.
type Action interface {
	Execute(ctx context.Context, params isolation.Value) (any, error)
}

// Func adapts an ordinary function to the Action interface.
type Func func(ctx context.Context, params isolation.Value) (any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, params isolation.Value) (any, error) {
	return f(ctx, params)
}

// Definition names an action and the module that provides it.
type Definition struct {
	Name   string
	Module string
	New    func() Action
}

// Catalog maps action names to their definitions.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]Definition)}
}

// Register adds def to the catalog. Names must be unique.
func (c *Catalog) Register(def Definition) error {
	if def.Name == "" || def.Module == "" || def.New == nil {
		return fmt.Errorf("register action: name, module and constructor are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.Name]; ok {
		return fmt.Errorf("register action %q: already registered", def.Name)
	}
	c.defs[def.Name] = def
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Catalog) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves an action by name.
func (c *Catalog) Lookup(name string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return def, nil
}

// Restrict returns a catalog that only contains actions from the given
// modules.
func (c *Catalog) Restrict(modules []string) *Catalog {
	out := NewCatalog()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, def := range c.defs {
		if slices.Contains(modules, def.Module) {
			out.defs[name] = def
		}
	}
	return out
}

// List returns every definition sorted by name.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Modules returns the distinct module names in the catalog, sorted.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, def := range c.defs {
		if !seen[def.Module] {
			seen[def.Module] = true
			out = append(out, def.Module)
		}
	}
	sort.Strings(out)
	return out
}

// Invoke resolves name and executes it, converting a panic into an error
// wrapping ErrActionPanicked.
func (c *Catalog) Invoke(ctx context.Context, name string, params isolation.Value) (result any, err error) {
	def, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			Logger(ctx).Error("action panicked", "action", name, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("%w: %s: %v", ErrActionPanicked, name, r)
		}
	}()
	return def.New().Execute(ctx, params)
}

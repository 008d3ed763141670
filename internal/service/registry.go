// Package service manages shared build services: long-lived, stateful
// objects that many tasks use concurrently. A service is created lazily on
// its first acquisition, cached by name for the lifetime of the registry,
// gated by an optional concurrency cap, and closed when the registry shuts
// down.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/anvil/internal/isolation"
)

var (
	// ErrConfigurationConflict is returned when a name is registered twice
	// with incompatible service types.
	ErrConfigurationConflict = errors.New("service configuration conflict")

	// ErrRegistryClosed is returned by Acquire once shutdown has begun.
	ErrRegistryClosed = errors.New("service registry closed")

	// ErrAlreadyReleased is returned when a lease is released more than once.
	ErrAlreadyReleased = errors.New("service lease already released")

	// ErrNotFound is returned by Lookup for an unknown service name.
	ErrNotFound = errors.New("service not found")
)

// Factory constructs a service instance from its isolated parameters.
type Factory func(ctx context.Context, params isolation.Value) (any, error)

// Spec describes a service to register.
type Spec struct {
	// Type identifies the service implementation. Registering an existing
	// name with a different Type is a conflict.
	Type string

	// New constructs the instance on first acquisition.
	New Factory

	// Parameters are isolated at registration time.
	Parameters any

	// MaxParallelUsages caps concurrent leases. Zero means unlimited.
	MaxParallelUsages int
}

// Registration is a named service registered with a Registry.
type Registration struct {
	name        string
	serviceType string
	factory     Factory
	params      isolation.Value
	maxParallel int
	sem         *semaphore.Weighted

	mu       sync.Mutex
	instance any
	created  bool
	inUse    int
}

// Name returns the registration's unique name.
func (r *Registration) Name() string { return r.name }

// Type returns the registered service type.
func (r *Registration) Type() string { return r.serviceType }

// MaxParallelUsages returns the concurrency cap, zero meaning unlimited.
func (r *Registration) MaxParallelUsages() int { return r.maxParallel }

// Info is a point-in-time view of a registration.
type Info struct {
	Name              string `json:"name"`
	Type              string `json:"type"`
	MaxParallelUsages int    `json:"max_parallel_usages"`
	InUse             int    `json:"in_use"`
	Created           bool   `json:"created"`
}

// Registry holds service registrations and their instances.
type Registry struct {
	isolator *isolation.Isolator
	logger   *slog.Logger

	mu            sync.Mutex
	registrations map[string]*Registration
	usages        map[string][]*Registration
	closed        bool
	outstanding   sync.WaitGroup
	// closeDone is closed once every lease is released and the close pass
	// has produced closeErr.
	closeDone chan struct{}
	closeErr  error
}

// NewRegistry creates an empty registry.
func NewRegistry(iso *isolation.Isolator, logger *slog.Logger) *Registry {
	return &Registry{
		isolator:      iso,
		logger:        logger,
		registrations: make(map[string]*Registration),
		usages:        make(map[string][]*Registration),
	}
}

// Register adds a service under name. Registering the same name again with
// the same Type returns the existing registration; the first configuration
// wins. A different Type fails with ErrConfigurationConflict.
func (r *Registry) Register(name string, spec Spec) (*Registration, error) {
	if name == "" {
		return nil, fmt.Errorf("register service: name is required")
	}
	if spec.MaxParallelUsages < 0 {
		return nil, fmt.Errorf("register service %q: max parallel usages must not be negative, got %d", name, spec.MaxParallelUsages)
	}
	if spec.New == nil {
		return nil, fmt.Errorf("register service %q: factory is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("register service %q: %w", name, ErrRegistryClosed)
	}

	if existing, ok := r.registrations[name]; ok {
		if existing.serviceType != spec.Type {
			return nil, fmt.Errorf("register service %q as %q: already registered as %q: %w",
				name, spec.Type, existing.serviceType, ErrConfigurationConflict)
		}
		if existing.maxParallel != spec.MaxParallelUsages {
			r.logger.Warn("service re-registered with different max parallel usages, keeping first",
				"service", name, "kept", existing.maxParallel, "ignored", spec.MaxParallelUsages)
		}
		return existing, nil
	}

	params, err := r.isolator.Isolate(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("register service %q: parameters: %w", name, err)
	}

	reg := &Registration{
		name:        name,
		serviceType: spec.Type,
		factory:     spec.New,
		params:      params,
		maxParallel: spec.MaxParallelUsages,
	}
	if spec.MaxParallelUsages > 0 {
		reg.sem = semaphore.NewWeighted(int64(spec.MaxParallelUsages))
	}
	r.registrations[name] = reg

	r.logger.Debug("service registered", "service", name, "type", spec.Type, "max_parallel_usages", spec.MaxParallelUsages)
	return reg, nil
}

// Lookup returns the registration with the given name.
func (r *Registry) Lookup(name string) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[name]
	if !ok {
		return nil, fmt.Errorf("lookup service %q: %w", name, ErrNotFound)
	}
	return reg, nil
}

// DeclareUsage records that task uses the given services so an external
// scheduler can avoid running more such tasks than the caps allow.
func (r *Registry) DeclareUsage(task string, regs ...*Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range regs {
		dup := false
		for _, have := range r.usages[task] {
			if have == reg {
				dup = true
				break
			}
		}
		if !dup {
			r.usages[task] = append(r.usages[task], reg)
		}
	}
}

// UsagesOf returns the services declared for task.
func (r *Registry) UsagesOf(task string) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Registration, len(r.usages[task]))
	copy(out, r.usages[task])
	return out
}

// Acquire obtains a lease on reg's instance, creating the instance on first
// use. When the registration has a cap and all permits are taken, Acquire
// blocks until one is released or ctx is done. Waiters are served in FIFO
// order.
func (r *Registry) Acquire(ctx context.Context, reg *Registration) (*Lease, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire service %q: %w", reg.name, ErrRegistryClosed)
	}
	r.outstanding.Add(1)
	r.mu.Unlock()

	if reg.sem != nil {
		if err := reg.sem.Acquire(ctx, 1); err != nil {
			r.outstanding.Done()
			return nil, fmt.Errorf("acquire service %q: %w", reg.name, err)
		}
	}

	instance, err := r.instance(ctx, reg)
	if err != nil {
		if reg.sem != nil {
			reg.sem.Release(1)
		}
		r.outstanding.Done()
		return nil, err
	}

	reg.mu.Lock()
	reg.inUse++
	reg.mu.Unlock()

	return &Lease{registry: r, reg: reg, instance: instance}, nil
}

// instance returns reg's instance, constructing it exactly once. A failed
// construction is reported to the caller and retried on the next Acquire.
func (r *Registry) instance(ctx context.Context, reg *Registration) (any, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.created {
		return reg.instance, nil
	}

	inst, err := reg.factory(ctx, reg.params)
	if err != nil {
		return nil, fmt.Errorf("create service %q: %w", reg.name, err)
	}
	reg.instance = inst
	reg.created = true
	r.logger.Info("service created", "service", reg.name, "type", reg.serviceType)
	return inst, nil
}

// List returns a snapshot of every registration, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(regs))
	for _, reg := range regs {
		reg.mu.Lock()
		infos = append(infos, Info{
			Name:              reg.name,
			Type:              reg.serviceType,
			MaxParallelUsages: reg.maxParallel,
			InUse:             reg.inUse,
			Created:           reg.created,
		})
		reg.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Shutdown stops accepting acquisitions, waits for every outstanding lease
// to be released or for ctx to end, then closes every created instance that
// implements io.Closer. Close failures are aggregated; each names its
// service.
//
// If ctx ends first, the instances are still closed as soon as the last
// lease is released, and a later Shutdown waits for that close pass. Every
// call after it has run returns its result.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	if r.closeDone == nil {
		r.closeDone = make(chan struct{})
		go r.closeWhenDrained()
	}
	done := r.closeDone
	r.mu.Unlock()

	select {
	case <-done:
		return r.closeErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown service registry: waiting for outstanding leases: %w", ctx.Err())
	}
}

func (r *Registry) closeWhenDrained() {
	defer close(r.closeDone)
	r.outstanding.Wait()

	r.mu.Lock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].name < regs[j].name
	})

	var result *multierror.Error
	for _, reg := range regs {
		reg.mu.Lock()
		inst, created := reg.instance, reg.created
		reg.mu.Unlock()
		if !created {
			continue
		}
		closer, ok := inst.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			r.logger.Error("service close failed", "service", reg.name, "error", err)
			result = multierror.Append(result, fmt.Errorf("close service %q: %w", reg.name, err))
			continue
		}
		r.logger.Debug("service closed", "service", reg.name)
	}
	r.closeErr = result.ErrorOrNil()
}

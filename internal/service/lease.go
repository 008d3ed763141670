package service

import (
	"fmt"
	"sync/atomic"
)

// Lease grants use of a service instance until it is released.
type Lease struct {
	registry *Registry
	reg      *Registration
	instance any
	released atomic.Bool
}

// Instance returns the leased service instance.
func (l *Lease) Instance() any {
	return l.instance
}

// Registration returns the registration the lease was taken from.
func (l *Lease) Registration() *Registration {
	return l.reg
}

// Release returns the lease's permit. Releasing twice returns
// ErrAlreadyReleased and leaves the permit count untouched.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		l.registry.logger.Error("service lease released twice", "service", l.reg.name)
		return fmt.Errorf("release service %q: %w", l.reg.name, ErrAlreadyReleased)
	}

	l.reg.mu.Lock()
	l.reg.inUse--
	l.reg.mu.Unlock()

	if l.reg.sem != nil {
		l.reg.sem.Release(1)
	}
	l.registry.outstanding.Done()
	return nil
}

// As returns the leased instance as T.
func As[T any](l *Lease) (T, error) {
	v, ok := l.instance.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("service %q is %T, not %T", l.reg.name, l.instance, zero)
	}
	return v, nil
}

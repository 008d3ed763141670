package builtin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/service"
)

// Service types.
const (
	ServiceKVStore = "kvstore"
	ServiceCounter = "counter"
)

// ErrUnknownServiceType is returned for a type with no built-in factory.
var ErrUnknownServiceType = errors.New("unknown service type")

// ErrStoreClosed is returned by a KVStore used after Close.
var ErrStoreClosed = errors.New("kvstore closed")

// Recorder is implemented by services that collect task results.
type Recorder interface {
	Record(key string, value any) error
}

// ServiceFactory returns the factory for a built-in service type.
func ServiceFactory(serviceType string) (service.Factory, error) {
	switch serviceType {
	case ServiceKVStore:
		return newKVStore, nil
	case ServiceCounter:
		return newCounter, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownServiceType, serviceType)
}

// ServiceTypes lists the built-in service types.
func ServiceTypes() []string {
	return []string{ServiceCounter, ServiceKVStore}
}

// KVStore is an in-memory key/value service.
type KVStore struct {
	mu     sync.RWMutex
	data   map[string]any
	closed bool
}

type kvParams struct {
	Initial map[string]any `json:"initial"`
}

func newKVStore(_ context.Context, p isolation.Value) (any, error) {
	var params kvParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	data := make(map[string]any, len(params.Initial))
	maps.Copy(data, params.Initial)
	return &KVStore{data: data}, nil
}

// Get returns the value under key.
func (s *KVStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key.
func (s *KVStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[key] = value
	return nil
}

// Record implements Recorder.
func (s *KVStore) Record(key string, value any) error {
	return s.Set(key, value)
}

// Keys returns every key in sorted order.
func (s *KVStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close drops the contents. Later writes fail.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	s.data = nil
	return nil
}

// Counter counts recorded results.
type Counter struct {
	mu    sync.Mutex
	start int
	n     int
}

type counterServiceParams struct {
	Start int `json:"start"`
}

func newCounter(_ context.Context, p isolation.Value) (any, error) {
	var params counterServiceParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("counter: %w", err)
	}
	return &Counter{start: params.Start, n: params.Start}, nil
}

// Add increments the counter and returns the new value.
func (c *Counter) Add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
	return c.n
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Record implements Recorder by counting one result.
func (c *Counter) Record(string, any) error {
	c.Add(1)
	return nil
}

package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// Info pairs a mode with the capabilities of its runner.
type Info struct {
	Isolation    model.IsolationMode `json:"isolation"`
	Capabilities Capabilities        `json:"capabilities"`
}

// Registry maps isolation modes to runners. Resolution is exact: a mode
// without a runner is an error, never a fallback to another mode.
type Registry struct {
	mu      sync.RWMutex
	runners map[model.IsolationMode]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[model.IsolationMode]Runner),
	}
}

// Register sets the runner for mode.
func (r *Registry) Register(mode model.IsolationMode, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[mode] = rn
}

// Resolve returns the runner for mode.
func (r *Registry) Resolve(mode model.IsolationMode) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[mode]
	if !ok {
		return nil, fmt.Errorf("no runner registered for isolation mode %q", mode)
	}
	return rn, nil
}

// List returns every registered runner, sorted by mode.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.runners))
	for mode, rn := range r.runners {
		infos = append(infos, Info{
			Isolation:    mode,
			Capabilities: rn.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Isolation < infos[j].Isolation
	})
	return infos
}

package action

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/model"
)

// Spec is a dispatchable unit of work: an action, its isolated parameters,
// and the execution context it requires.
type Spec struct {
	ItemID      string                  `json:"item_id"`
	OperationID string                  `json:"operation_id"`
	Action      string                  `json:"action"`
	Module      string                  `json:"module"`
	Parameters  isolation.Value         `json:"-"`
	Encoded     json.RawMessage         `json:"parameters,omitempty"`
	Requirement model.WorkerRequirement `json:"requirement"`
}

// Isolation returns the mode the spec must run in.
func (s Spec) Isolation() model.IsolationMode {
	return s.Requirement.Isolation
}

// SpecFactory builds Specs, isolating parameters on the way.
type SpecFactory struct {
	catalog  *Catalog
	isolator *isolation.Isolator
}

// NewSpecFactory creates a factory resolving actions from catalog.
func NewSpecFactory(catalog *Catalog, iso *isolation.Isolator) *SpecFactory {
	return &SpecFactory{catalog: catalog, isolator: iso}
}

// New builds a spec. The action must exist and, outside IsolationNone, its
// module must be on the classpath; an empty classpath defaults to the
// action's own module. Parameters that cannot be isolated fail here,
// before anything is dispatched. Process-isolated specs also carry the
// encoded parameters.
func (f *SpecFactory) New(operationID, name string, params any, req model.WorkerRequirement) (Spec, error) {
	def, err := f.catalog.Lookup(name)
	if err != nil {
		return Spec{}, err
	}

	if req.Isolation != model.IsolationNone {
		if len(req.Classpath) == 0 {
			req.Classpath = []string{def.Module}
		}
		if !slices.Contains(req.Classpath, def.Module) {
			return Spec{}, fmt.Errorf("action %q: %w: %q not in %v", name, ErrNotOnClasspath, def.Module, req.Classpath)
		}
	}

	isolated, err := f.isolator.Isolate(params)
	if err != nil {
		return Spec{}, fmt.Errorf("action %q: parameters: %w", name, err)
	}

	spec := Spec{
		ItemID:      model.NewID(),
		OperationID: operationID,
		Action:      name,
		Module:      def.Module,
		Parameters:  isolated,
		Requirement: req,
	}

	if req.Isolation == model.IsolationProcess {
		encoded, err := isolated.Encode()
		if err != nil {
			return Spec{}, fmt.Errorf("action %q: parameters: %w", name, err)
		}
		spec.Encoded = encoded
	}
	return spec, nil
}

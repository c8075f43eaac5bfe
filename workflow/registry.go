package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownWorkflow is returned by Select for an unregistered id.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Registry is a process-local workflow catalog. Registration normally
// happens at startup, but the registry is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. Re-registering an id replaces
// the previous definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("nil workflow definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Select returns the definition for id.
func (r *Registry) Select(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return def, nil
}

// IDs returns the registered workflow ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

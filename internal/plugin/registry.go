package plugin

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds plugin definitions indexed by id, remembering insertion order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]*Definition
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Definition),
	}
}

// Register inserts or replaces the definition for def.ID. It reports whether
// the id was seen for the first time.
func (r *Registry) Register(def *Definition) (bool, error) {
	if def == nil {
		return false, errors.New("plugin definition is nil")
	}
	if def.ID == "" {
		return false, errors.New("plugin id is empty")
	}
	if def.Handler == nil {
		return false, fmt.Errorf("plugin %q has no handler", def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.plugins[def.ID]
	if !exists {
		r.order = append(r.order, def.ID)
	}
	r.plugins[def.ID] = def
	return !exists, nil
}

// Get retrieves a plugin by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[id]
	return d, ok
}

// List returns all definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

package connectors

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds connector implementations keyed by type. It is
// populated at startup and sealed before the engine starts; lookups
// after sealing are lock-free reads.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	byType map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Connector)}
}

// Register adds an implementation. Registering after Seal or
// registering a duplicate type is a programming error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("connector registry is sealed")
	}
	key := c.Type()
	if key == "" {
		return fmt.Errorf("connector type must not be empty")
	}
	if _, exists := r.byType[key]; exists {
		return fmt.Errorf("connector type %q already registered", key)
	}
	r.byType[key] = c
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns the implementation for a type.
func (r *Registry) Get(connectorType string) (Connector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byType[connectorType]
	return c, ok
}

// Types lists registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byType))
	for key := range r.byType {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

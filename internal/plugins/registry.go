package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh plugin instance. Pipelines never share
// instances, so plugin struct fields are session-private.
type Factory func() Plugin

// Registry maps plugin names to factories. Registration is explicit at
// construction time; there are no import-side-effect globals.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Duplicate and empty names are
// rejected.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("plugin %q: factory must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Resolve builds a new instance of the named plugin.
func (r *Registry) Resolve(name string) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (registered: %v)", name, r.Names())
	}
	return factory(), nil
}

// Names lists registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

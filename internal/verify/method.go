// Package verify implements domain ownership verification. Each way of
// publishing a proof is a Method; a Registry resolves the method named in an
// exchange request.
package verify

import (
	"context"
	"sort"
	"sync"
)

// Method checks that domain publishes the proof for tempKey.
type Method interface {
	Name() string
	Verify(ctx context.Context, domain, tempKey string) (bool, error)
}

// Registry maps method names to implementations.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

func NewRegistry(methods ...Method) *Registry {
	r := &Registry{methods: make(map[string]Method)}
	for _, m := range methods {
		r.Register(m)
	}
	return r
}

// Register adds m, replacing any method with the same name.
func (r *Registry) Register(m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m.Name()] = m
}

func (r *Registry) Lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

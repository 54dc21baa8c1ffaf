package worker

import (
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/collection"
)

// Registry resolves collections by case-insensitive name.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*collection.Collection
	order []*collection.Collection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*collection.Collection)}
}

// Add registers c. A second collection with the same name is rejected.
func (r *Registry) Add(c *collection.Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(c.Name())
	if _, ok := r.byKey[key]; ok {
		return fsmap.Errorf(fsmap.ErrConfig, "collection %q is registered twice", c.Name())
	}
	r.byKey[key] = c
	r.order = append(r.order, c)
	return nil
}

// Get returns the collection named name.
func (r *Registry) Get(name string) (*collection.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byKey[strings.ToLower(name)]
	if !ok {
		return nil, fsmap.Errorf(fsmap.ErrProtocol, "collection %q is absent", name)
	}
	return c, nil
}

// All returns the collections in registration order.
func (r *Registry) All() []*collection.Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*collection.Collection(nil), r.order...)
}

// Len returns the number of registered collections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

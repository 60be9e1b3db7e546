package restock

import (
	"sort"
	"sync"
)

// Registry tracks the live containers by id.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*Container
}

func NewRegistry() *Registry {
	return &Registry{containers: make(map[string]*Container)}
}

// Insert adds c, replacing any container with the same id. It returns the
// replaced container, if any.
func (r *Registry) Insert(c *Container) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.containers[c.id]
	r.containers[c.id] = c
	return prev
}

func (r *Registry) Get(id string) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	return c, ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[id]
	delete(r.containers, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

// All returns the registered containers sorted by id. The slice is a
// snapshot; later inserts and removals do not affect it.
func (r *Registry) All() []*Container {
	r.mu.RLock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

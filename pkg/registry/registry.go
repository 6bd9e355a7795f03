// Package registry is the process-local index of jobs used for fast status reads.
package registry

import (
	"errors"
	"sync"
)

// ErrNotRegistered is returned by Update for unknown IDs
var ErrNotRegistered = errors.New("job not registered")

// Cloneable is satisfied by job pointer types that can deep-copy themselves.
type Cloneable[T any] interface {
	Clone() T
}

// Registry maps job IDs to jobs. Values are cloned on the way in and out;
// the lock covers map access and in-memory mutation only, never I/O.
type Registry[T Cloneable[T]] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty registry
func New[T Cloneable[T]]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Put stores a copy of item under id, replacing any existing entry
func (r *Registry[T]) Put(id string, item T) {
	c := item.Clone()
	r.mu.Lock()
	r.items[id] = c
	r.mu.Unlock()
}

// Get returns a copy of the entry for id
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	item, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return item.Clone(), true
}

// Update applies fn to the stored entry under the write lock and returns a
// copy of the result. If fn returns an error the entry is left untouched.
func (r *Registry[T]) Update(id string, fn func(T) error) (T, error) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return zero, ErrNotRegistered
	}
	work := item.Clone()
	if err := fn(work); err != nil {
		return zero, err
	}
	r.items[id] = work
	return work.Clone(), nil
}

// Remove drops the entry for id
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// Len returns the number of registered jobs
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

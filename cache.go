package traitable

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// instanceCache maps identities to the single live Object representing them
// within a process.
//
// instanceCache is safe for concurrent use.
type instanceCache struct {
	mu      sync.Mutex
	objects map[Identity]*Object
	// fetches collapses concurrent store reads of the same identity.
	fetches singleflight.Group
}

func newInstanceCache() *instanceCache {
	return &instanceCache{objects: make(map[Identity]*Object)}
}

// GetOrCreate returns the Object registered under id. When none is registered
// yet, candidate is registered and returned. The second result reports whether
// the returned Object was already cached.
func (c *instanceCache) GetOrCreate(id Identity, candidate *Object) (o *Object, cached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.objects[id]; ok {
		return existing, true
	}
	c.objects[id] = candidate
	candidate.registered.Store(true)
	return candidate, false
}

// Existing returns the Object registered under id, or ErrNotFound.
func (c *instanceCache) Existing(id Identity) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[id]
	if !ok {
		return nil, fmt.Errorf("existing %v: %w", id, ErrNotFound)
	}
	return o, nil
}

// Evict unregisters the Object cached under id, returning it if there was one.
func (c *instanceCache) Evict(id Identity) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[id]
	if !ok {
		return nil
	}
	delete(c.objects, id)
	o.registered.Store(false)
	return o
}

// Clear unregisters every cached Object.
func (c *instanceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.objects {
		o.registered.Store(false)
	}
	clear(c.objects)
}

// Len returns the number of cached objects.
func (c *instanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// fetch reads the live document of id through the store, sharing the result
// between concurrent callers asking for the same identity. The shared read does
// not inherit the cancellation of whichever caller started it; each caller
// stops waiting when its own ctx is done.
func (c *instanceCache) fetch(ctx context.Context, store DocumentStore, id Identity) (Document, error) {
	shared := context.WithoutCancel(ctx)
	results := c.fetches.DoChan(id.String(), func() (any, error) {
		return store.FindByID(shared, id.Collection, id.Key)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %v: %w", id, context.Cause(ctx))
	case r := <-results:
		if r.Err != nil {
			return nil, r.Err
		}
		// Each caller gets its own copy; documents are applied to objects field
		// by field and must not alias between callers.
		return r.Val.(Document).Clone(), nil
	}
}

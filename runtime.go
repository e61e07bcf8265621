package traitable

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Runtime is the process-scoped state shared by every Session: the instance
// cache, the dependency graph, the class registry and the document store.
//
// A Runtime is safe for concurrent use. Its lifecycle is explicit: it is ready
// once New returns and is cleared by Close.
type Runtime struct {
	store     DocumentStore
	config    Config
	clock     func() time.Time
	feed      *Feed
	revisions *RevisionMap

	cache *instanceCache
	graph *graph
	stats stats

	mu      sync.RWMutex
	classes map[string]*Class

	sessions atomic.Uint64
}

// An Option configures a Runtime.
type Option func(*Runtime)

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return func(rt *Runtime) { rt.config = c }
}

// WithClock replaces time.Now as the source of history timestamps.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.clock = now }
}

// WithFeed publishes a RevisionCommitted event on f after every successful
// save.
func WithFeed(f *Feed) Option {
	return func(rt *Runtime) { rt.feed = f }
}

// WithRevisionMap lets Stale compare cached objects against the revisions
// tracked by m (see TrackRevisions).
func WithRevisionMap(m *RevisionMap) Option {
	return func(rt *Runtime) { rt.revisions = m }
}

// WithClasses registers classes as if by Register.
func WithClasses(classes ...*Class) Option {
	return func(rt *Runtime) {
		for _, c := range classes {
			rt.classes[c.name] = c
		}
	}
}

// New returns a Runtime persisting through store. A nil store is allowed for
// purely in-memory use; persistence operations then fail.
func New(store DocumentStore, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		store:   store,
		config:  DefaultConfig(),
		clock:   time.Now,
		cache:   newInstanceCache(),
		graph:   newGraph(),
		classes: make(map[string]*Class),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if err := rt.config.Validate(); err != nil {
		return nil, fmt.Errorf("traitable: %w", err)
	}
	return rt, nil
}

// Register makes classes resolvable by name, which following references
// requires. Registering a different class under a taken name fails.
func (rt *Runtime) Register(classes ...*Class) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, c := range classes {
		if existing, ok := rt.classes[c.name]; ok && existing != c {
			return fmt.Errorf("traitable: register %s: another class is registered under that name", c.name)
		}
		rt.classes[c.name] = c
	}
	return nil
}

// Class returns the class registered under name, or an error wrapping
// ErrUnknownClass.
func (rt *Runtime) Class(name string) (*Class, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c, ok := rt.classes[name]
	if !ok {
		return nil, fmt.Errorf("class %q: %w", name, ErrUnknownClass)
	}
	return c, nil
}

// Config returns the configuration of the runtime.
func (rt *Runtime) Config() Config { return rt.config }

// Stats returns the cumulative counters of the runtime.
func (rt *Runtime) Stats() Stats { return rt.stats.snapshot() }

// Cached returns the number of registered objects.
func (rt *Runtime) Cached() int { return rt.cache.Len() }

// Stale reports whether a newer revision of o was committed than the one o
// holds, according to the RevisionMap given to WithRevisionMap. Without one,
// Stale always reports false.
func (rt *Runtime) Stale(o *Object) bool {
	if rt.revisions == nil {
		return false
	}
	ev, ok := rt.revisions.Find(o.Identity())
	return ok && ev.Rev > o.Revision()
}

// Close unregisters every cached object and drops the dependency graph. Objects
// held by callers keep their values but are no longer the live instance of
// their identity.
func (rt *Runtime) Close() error {
	rt.cache.Clear()
	rt.graph.reset()
	return nil
}

var errNoStore = errors.New("traitable: runtime has no document store")

func (rt *Runtime) documentStore() (DocumentStore, error) {
	if rt.store == nil {
		return nil, errNoStore
	}
	return rt.store, nil
}

func (rt *Runtime) now() time.Time { return rt.clock().UTC() }

func (rt *Runtime) nextSessionID() string {
	return strconv.FormatUint(rt.sessions.Add(1), 10)
}

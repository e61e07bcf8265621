package traitable

import (
	"sync"
)

// nodeKey addresses one (object, trait) pair of the dependency graph.
type nodeKey struct {
	obj   *Object
	trait string
}

func (k nodeKey) String() string {
	return k.obj.class.name + "." + k.trait + "@" + k.obj.describe()
}

// node is the shared state of a computed (object, trait) pair. A pair with no
// node, or with cached == false, is Unset. The Computing state is held by the
// evaluating Session.
type node struct {
	cached   bool
	value    Value
	evalOnce bool
	// sources are the pairs read by the last evaluation.
	sources map[nodeKey]struct{}
}

// graph records dependency edges between (object, trait) pairs, memoizes
// computed values and propagates invalidation.
//
// Every pair that is written or invalidated also carries a version counter. An
// evaluation remembers the version of each source as it reads it and only
// caches its result when none of them moved in the meantime, so a write racing
// with an evaluation never leaves a stale value cached.
//
// graph is safe for concurrent use. Getters never run while its lock is held.
type graph struct {
	mu       sync.Mutex
	nodes    map[nodeKey]*node
	rdeps    map[nodeKey]map[nodeKey]struct{}
	versions map[nodeKey]uint64
}

func newGraph() *graph {
	return &graph{
		nodes:    make(map[nodeKey]*node),
		rdeps:    make(map[nodeKey]map[nodeKey]struct{}),
		versions: make(map[nodeKey]uint64),
	}
}

// lookup returns the memoized value of k, if cached.
func (g *graph) lookup(k nodeKey) (Value, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[k]
	if !ok || !n.cached {
		return Value{}, false
	}
	return n.value, true
}

// version returns the current version of k.
func (g *graph) version(k nodeKey) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.versions[k]
}

// commit memoizes the outcome of an evaluation of k that read the given sources
// at the given versions. The edges of k are replaced by the new sources even
// when the value is not cached, so that later writes still reach k. commit
// reports whether the value was cached.
func (g *graph) commit(k nodeKey, v Value, evalOnce bool, start uint64, sources map[nodeKey]uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[k]
	if !ok {
		n = &node{}
		g.nodes[k] = n
	}
	for src := range n.sources {
		if dependents := g.rdeps[src]; dependents != nil {
			delete(dependents, k)
			if len(dependents) == 0 {
				delete(g.rdeps, src)
			}
		}
	}
	n.sources = make(map[nodeKey]struct{}, len(sources))
	for src := range sources {
		n.sources[src] = struct{}{}
		dependents, ok := g.rdeps[src]
		if !ok {
			dependents = make(map[nodeKey]struct{})
			g.rdeps[src] = dependents
		}
		dependents[k] = struct{}{}
	}

	fresh := g.versions[k] == start
	for src, seen := range sources {
		if g.versions[src] != seen {
			fresh = false
			break
		}
	}
	n.evalOnce = evalOnce
	if fresh {
		n.cached = true
		n.value = v
	} else {
		n.cached = false
		n.value = Value{}
	}
	return fresh
}

// touch bumps the version of a written pair and invalidates its dependents. It
// returns the number of pairs invalidated.
func (g *graph) touch(k nodeKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.versions[k]++
	return g.cascade(k)
}

// invalidate forces k Unset, regardless of EvalOnce, and invalidates its
// dependents. It returns the number of pairs invalidated, including k when it
// was cached.
func (g *graph) invalidate(k nodeKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.versions[k]++
	count := 0
	if n, ok := g.nodes[k]; ok && n.cached {
		n.cached = false
		n.value = Value{}
		count++
	}
	return count + g.cascade(k)
}

// cascade walks the dependents of src breadth-first. Each dependent is visited
// at most once per walk; cached EvalOnce pairs keep their value and stop the
// walk. The caller must hold g.mu.
func (g *graph) cascade(src nodeKey) int {
	visited := map[nodeKey]struct{}{src: {}}
	queue := []nodeKey{src}
	count := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for dependent := range g.rdeps[next] {
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}
			n := g.nodes[dependent]
			if n != nil && n.cached && n.evalOnce {
				continue
			}
			g.versions[dependent]++
			if n != nil && n.cached {
				n.cached = false
				n.value = Value{}
				count++
			}
			queue = append(queue, dependent)
		}
	}
	return count
}

// forget invalidates the dependents of every pair of o, then drops the nodes,
// edges and versions belonging to o.
func (g *graph) forget(o *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var owned []nodeKey
	for k := range g.versions {
		if k.obj == o {
			owned = append(owned, k)
		}
	}
	for k := range g.rdeps {
		if k.obj == o {
			owned = append(owned, k)
		}
	}
	for _, k := range owned {
		g.cascade(k)
	}
	for k, n := range g.nodes {
		if k.obj != o {
			continue
		}
		for src := range n.sources {
			if dependents := g.rdeps[src]; dependents != nil {
				delete(dependents, k)
				if len(dependents) == 0 {
					delete(g.rdeps, src)
				}
			}
		}
		delete(g.nodes, k)
	}
	for _, k := range owned {
		delete(g.rdeps, k)
		delete(g.versions, k)
	}
}

// dependents returns the pairs whose last evaluation read k.
func (g *graph) dependents(k nodeKey) []nodeKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]nodeKey, 0, len(g.rdeps[k]))
	for d := range g.rdeps[k] {
		out = append(out, d)
	}
	return out
}

// reset drops the whole graph.
func (g *graph) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.nodes)
	clear(g.rdeps)
	clear(g.versions)
}

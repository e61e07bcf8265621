package traitable

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// RevisionMap correlates identities with the latest revision committed for
// them, as announced on a Feed. A Runtime consults it to tell whether a cached
// object fell behind its store (see Runtime.Stale).
//
// RevisionMap is safe for concurrent use.
type RevisionMap struct {
	mu sync.Mutex
	m  map[Identity]RevisionCommitted
}

// NewRevisionMap returns an empty RevisionMap.
func NewRevisionMap() *RevisionMap {
	return &RevisionMap{m: make(map[Identity]RevisionCommitted)}
}

// Find returns the latest known commit of id. If no commit of id was observed,
// Find indicates that by returning ok == false.
func (r *RevisionMap) Find(id Identity) (ev RevisionCommitted, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok = r.m[id]
	return ev, ok
}

// Update records ev unless a commit of a later revision of the same identity
// is already known; feeds deliver at least once and not necessarily in order.
// Update reports whether ev was recorded.
func (r *RevisionMap) Update(ev RevisionCommitted) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.m[ev.Identity]; ok && prev.Rev >= ev.Rev {
		return false
	}
	r.m[ev.Identity] = ev
	return true
}

// Forget drops whatever is known about id.
func (r *RevisionMap) Forget(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// Iter applies fn to every tracked identity and its latest commit until fn
// returns false. Iter works on a copy, so fn may call back into r.
func (r *RevisionMap) Iter(fn func(id Identity, ev RevisionCommitted) bool) {
	r.mu.Lock()
	m := maps.Clone(r.m)
	r.mu.Unlock()
	for id, ev := range m {
		if !fn(id, ev) {
			break
		}
	}
}

// Len returns the number of tracked identities.
func (r *RevisionMap) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// TrackRevisions returns a component.Proc that consumes RevisionCommitted
// events from source and keeps m up to date, one event at a time. It stops when
// its context is cancelled.
func TrackRevisions(m *RevisionMap, source *pubsub.Subscription) component.Proc {
	events := GobEventSource[RevisionCommitted](source)
	return events.Stream(func(ctx context.Context, msg any) error {
		ev, ok := msg.(RevisionCommitted)
		if !ok {
			return fmt.Errorf("unexpected event %T", msg)
		}
		if m.Update(ev) {
			component.Logger(ctx).DebugContext(ctx, "Observed committed revision",
				"traitable.identity", ev.Identity.String(),
				"traitable.rev", ev.Rev,
				"traitable.who", ev.Who,
			)
		}
		return nil
	})
}

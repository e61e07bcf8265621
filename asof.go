package traitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// latestAt returns the entry a load of key resolves to as of at, or a
// *HistoricalDataUnavailableError.
func (s *Session) latestAt(ctx context.Context, c *Class, key string, at time.Time) (*HistoryEntry, error) {
	entry, err := s.LatestRevision(ctx, c, key, at)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &HistoricalDataUnavailableError{Identity: Identity{Collection: c.name, Key: key}, AsOf: at}
	}
	return entry, nil
}

// detach builds the historical snapshot of entry as seen from an AsOf context at
// the given time. The snapshot is never registered in the instance cache, and
// it can only be accessed again inside an equivalent AsOf context.
func (s *Session) detach(c *Class, entry *HistoryEntry, at time.Time) (*Object, error) {
	id := Identity{Collection: c.name, Key: entry.TraitableID}
	data, err := c.decodeSnapshot(entry.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("load %v as of %s: %w", id, at.Format(time.RFC3339Nano), err)
	}
	o := s.rt.newObject(c)
	o.id = id
	o.data = data
	o.rev = entry.TraitableRev
	o.dirty = false
	o.origin = &origin{at: at, rev: entry.TraitableRev}
	return o, nil
}

// Restore reverts the live object of class c stored under key to the values of
// its latest history entry at or before at (the most recent entry when at is
// zero). Restore reports false, and changes nothing, when there is no such
// entry.
//
// The reverted values are applied to the live object in any case. With save,
// they are also persisted as a brand-new revision; the revision counter never
// moves backwards. Without save, the stored document is left unchanged and the
// object stays dirty.
func (s *Session) Restore(ctx context.Context, c *Class, key string, at time.Time, save bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "Restore", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
		attribute.Bool("traitable.save", save),
	))
	defer span.End()

	entry, err := s.LatestRevision(ctx, c, key, at)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	data, err := c.decodeSnapshot(entry.Snapshot)
	if err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", c.name, key, err)
	}

	o, err := s.live(ctx, c, key)
	if err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", c.name, key, err)
	}
	o.revert(data)
	if !save {
		return true, nil
	}
	if err := s.Save(ctx, o); err != nil {
		return true, fmt.Errorf("restore %s/%s: %w", c.name, key, err)
	}
	return true, nil
}

// live returns the registered object of key regardless of AsOf contexts: the
// cached one, else the stored one, else a new object of that identity (as when
// the live document was deleted but its history remains).
func (s *Session) live(ctx context.Context, c *Class, key string) (*Object, error) {
	id := Identity{Collection: c.name, Key: key}
	if o, err := s.rt.cache.Existing(id); err == nil {
		return o, nil
	}
	o, err := s.loadLive(ctx, c, key)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	candidate := s.rt.newObject(c)
	candidate.id = id
	o, _ = s.rt.cache.GetOrCreate(id, candidate)
	return o, nil
}

// Follow resolves the reference trait name of o to the object it references,
// or nil when the reference is Null or Unset.
//
// When o is a historical snapshot, the referenced object resolves as of the
// same time if its class keeps history. Otherwise Follow returns the cached
// live object, loading it when it is not cached yet, unless an active AsOf
// context covers the referenced class.
func (s *Session) Follow(ctx context.Context, o *Object, name string) (*Object, error) {
	d, err := o.class.Resolve(name)
	if err != nil {
		return nil, err
	}
	if d.Kind != ReferenceTrait {
		return nil, fmt.Errorf("follow %s.%s: %s trait is not a reference", o.class.name, name, d.Kind)
	}
	v, err := o.Lookup(s, name)
	if err != nil {
		return nil, err
	}
	x, ok := v.Get()
	if !ok {
		return nil, nil
	}
	id, ok := x.(Identity)
	if !ok {
		return nil, fmt.Errorf("follow %s.%s: holds %T, not an Identity", o.class.name, name, x)
	}
	target, err := s.rt.Class(id.Collection)
	if err != nil {
		return nil, fmt.Errorf("follow %s.%s: %w", o.class.name, name, err)
	}

	if o.origin != nil && target.KeepsHistory() {
		if at, ok := s.asOfFor(target); !ok || !at.Equal(o.origin.at) {
			defer s.AsOf(o.origin.at, target)()
		}
		return s.Load(ctx, target, id.Key)
	}
	if _, ok := s.asOfFor(target); !ok {
		if cached, err := s.rt.cache.Existing(id); err == nil {
			return cached, nil
		}
	}
	return s.Load(ctx, target, id.Key)
}

package traitable

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Create returns the live object of class c identified by the identity traits
// among values. When that identity is already cached, the cached object is
// returned with the remaining values applied to it; otherwise a new object is
// registered. Values are written with Set, under the session's flags.
//
// Instances of classes without identity traits are never cached: each call
// returns a new anonymous object.
func (s *Session) Create(c *Class, values map[string]any) (*Object, error) {
	for name := range values {
		if _, err := c.Resolve(name); err != nil {
			return nil, err
		}
	}

	candidate := s.rt.newObject(c)
	for _, d := range c.identity {
		v, ok := values[d.Name]
		if !ok {
			continue
		}
		if err := candidate.Set(s, d.Name, v); err != nil {
			return nil, err
		}
	}

	o := candidate
	if c.Identifiable() {
		id, err := c.identityOf(candidate.data)
		if err != nil {
			return nil, err
		}
		candidate.id = id
		o, _ = s.rt.cache.GetOrCreate(id, candidate)
	}

	// Declaration order keeps setters that read earlier traits deterministic.
	for _, d := range c.traits {
		v, ok := values[d.Name]
		if !ok || d.Flags.Has(IsIdentity) {
			continue
		}
		if err := o.Set(s, d.Name, v); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Existing returns the cached object of class c stored under key, or an error
// wrapping ErrNotFound. It never touches the store.
func (s *Session) Existing(c *Class, key string) (*Object, error) {
	if err := c.storable(); err != nil {
		return nil, err
	}
	return s.rt.cache.Existing(Identity{Collection: c.name, Key: key})
}

// Save persists the stored traits of o as a new revision.
//
// For a class that keeps history, Save first appends a HistoryEntry tagged with
// the revision being committed, then writes the document guarded by the
// revision o holds, and finally bumps the revision of o. A guard failure
// returns a *WriteConflictError; o keeps its unsaved values until Reload. A
// history entry left behind by a failed document write is harmless: a later
// save skips over it to the next free revision. So does recreating a deleted
// identity whose history remains.
//
// Saving a handle that left the instance cache, as after Delete, registers it
// again. It fails with ErrIdentityHeld when another object was registered under
// the same identity in the meantime.
//
// A class without history is immutable once stored: saving an object that was
// already persisted fails with ErrWriteRejected and the stored document keeps
// its first values.
func (s *Session) Save(ctx context.Context, o *Object) error {
	c := o.class
	ctx, span := tracer.Start(ctx, "Save", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
	))
	defer span.End()

	if o.origin != nil {
		return fmt.Errorf("save %s: %w", o.describe(), ErrHistoricalSnapshot)
	}
	if err := c.storable(); err != nil {
		return err
	}
	store, err := s.rt.documentStore()
	if err != nil {
		return err
	}

	id, rev := o.Identity(), o.Revision()
	if !o.registered.Load() {
		if held, _ := s.rt.cache.GetOrCreate(id, o); held != o {
			return fmt.Errorf("save %v: %w", id, ErrIdentityHeld)
		}
	}

	began := time.Now()
	snapshot, writes := o.snapshot()

	if !c.KeepsHistory() {
		if rev > 0 {
			return fmt.Errorf("save %v: already stored at revision %d: %w", id, rev, ErrWriteRejected)
		}
		err := store.SaveDocument(ctx, c.name, document(id, 1, snapshot), 0)
		if errors.Is(err, ErrWriteConflict) {
			return fmt.Errorf("save %v: %w: %w", id, ErrWriteRejected, err)
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("save %v: %w", id, err)
		}
		o.committed(1, writes)
		measureSave(ctx, c.name, time.Since(began))
		s.publish(ctx, RevisionCommitted{Identity: id, Rev: 1, At: s.rt.now(), Who: s.who})
		return nil
	}

	digest, err := DigestSnapshot(c.name, snapshot)
	if err != nil {
		return fmt.Errorf("save %v: digest: %w", id, err)
	}
	history := store.HistoryFor(c.name)
	at := s.rt.now()
	next := rev + 1
	for attempt := 1; ; attempt++ {
		err := history.Append(ctx, HistoryEntry{
			Collection:   c.name,
			TraitableID:  id.Key,
			TraitableRev: next,
			Who:          s.who,
			At:           at,
			Digest:       digest,
			Snapshot:     snapshot,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrHistoryExists) {
			span.RecordError(err)
			return fmt.Errorf("save %v: append history: %w", id, err)
		}
		// Either another writer committed revision next, or a failed save left
		// an orphaned entry behind. Only the stored document tells them apart.
		stored, err := s.storedRevision(ctx, store, id)
		if err != nil {
			return fmt.Errorf("save %v: %w", id, err)
		}
		if stored != rev {
			s.rt.measureConflict(ctx, c.name)
			return &WriteConflictError{Identity: id, Expected: rev, Err: fmt.Errorf("stored revision is %d: %w", stored, ErrWriteConflict)}
		}
		if attempt >= s.rt.config.SaveAttempts {
			return fmt.Errorf("save %v: gave up after %d attempts past revision %d: %w", id, attempt, rev, ErrHistoryExists)
		}
		// Skip past every recorded revision at once: a deleted identity being
		// recreated may have a long history ahead of its stored revision.
		latest, err := s.latestRecorded(ctx, history, id.Key)
		if err != nil {
			return fmt.Errorf("save %v: %w", id, err)
		}
		s.logger.Warn("Skipping orphaned history entries", "identity", id.String(), "from", next, "to", latest)
		next = max(next, latest) + 1
	}

	if err := store.SaveDocument(ctx, c.name, document(id, next, snapshot), rev); err != nil {
		if errors.Is(err, ErrWriteConflict) {
			s.rt.measureConflict(ctx, c.name)
			return &WriteConflictError{Identity: id, Expected: rev, Err: err}
		}
		span.RecordError(err)
		return fmt.Errorf("save %v: %w", id, err)
	}
	o.committed(next, writes)
	measureSave(ctx, c.name, time.Since(began))
	s.publish(ctx, RevisionCommitted{Identity: id, Rev: next, At: at, Who: s.who, Digest: digest})
	return nil
}

// latestRecorded returns the highest revision recorded in the history of key.
func (s *Session) latestRecorded(ctx context.Context, history HistoryCollection, key string) (int64, error) {
	entries, err := history.Entries(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read history: %w", err)
	}
	var latest int64
	for _, e := range entries {
		latest = max(latest, e.TraitableRev)
	}
	return latest, nil
}

// document returns the wire shape of a snapshot stored under id at rev.
func document(id Identity, rev int64, snapshot map[string]any) Document {
	doc := make(Document, len(snapshot)+2)
	maps.Copy(doc, snapshot)
	doc[FieldID] = id.Key
	doc[FieldRev] = rev
	return doc
}

// storedRevision returns the revision of the live document of id, or zero when
// there is none.
func (s *Session) storedRevision(ctx context.Context, store DocumentStore, id Identity) (int64, error) {
	doc, err := store.FindByID(ctx, id.Collection, id.Key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find stored revision: %w", err)
	}
	return doc.Rev()
}

// publish announces a committed revision on the runtime's feed. The revision is
// already durable, so a failure is logged and counted rather than returned.
func (s *Session) publish(ctx context.Context, ev RevisionCommitted) {
	if s.rt.feed == nil {
		return
	}
	if err := s.rt.feed.Publish(ctx, ev); err != nil {
		s.rt.measureFeedFailure(ctx)
		s.logger.WarnContext(ctx, "Failed to publish committed revision",
			"identity", ev.Identity.String(),
			"revision", ev.Rev,
			"error", err,
		)
	}
}

// Load returns the object of class c stored under key.
//
// Inside an AsOf context covering c, Load returns a detached historical
// snapshot instead (see AsOf). Otherwise the live document is read and applied
// in place to the cached object of that identity, which every handle observes;
// when none is cached, a new object is registered.
func (s *Session) Load(ctx context.Context, c *Class, key string) (*Object, error) {
	ctx, span := tracer.Start(ctx, "Load", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
	))
	defer span.End()

	if err := c.storable(); err != nil {
		return nil, err
	}
	if at, ok := s.asOfFor(c); ok {
		entry, err := s.latestAt(ctx, c, key, at)
		if err != nil {
			return nil, err
		}
		return s.detach(c, entry, at)
	}
	return s.loadLive(ctx, c, key)
}

func (s *Session) loadLive(ctx context.Context, c *Class, key string) (*Object, error) {
	store, err := s.rt.documentStore()
	if err != nil {
		return nil, err
	}
	id := Identity{Collection: c.name, Key: key}
	doc, err := s.rt.cache.fetch(ctx, store, id)
	if err != nil {
		return nil, fmt.Errorf("load %v: %w", id, err)
	}
	return s.adopt(c, id, doc)
}

// adopt applies a fetched document to the cached object of id, registering a
// new object when none is cached.
func (s *Session) adopt(c *Class, id Identity, doc Document) (*Object, error) {
	rev, err := doc.Rev()
	if err != nil {
		return nil, fmt.Errorf("load %v: %w", id, err)
	}
	data, err := c.decodeSnapshot(doc.Fields())
	if err != nil {
		return nil, fmt.Errorf("load %v: %w", id, err)
	}

	candidate := s.rt.newObject(c)
	candidate.id = id
	candidate.data = data
	candidate.rev = rev
	candidate.dirty = false
	o, cached := s.rt.cache.GetOrCreate(id, candidate)
	if cached {
		o.replace(data, rev)
	}
	return o, nil
}

// LoadMany loads the objects of class c stored under keys, in order. Store reads
// run concurrently, at most Config.LoadConcurrency at a time; results are
// applied to the cache in the order of keys. The first failure cancels the
// remaining reads.
func (s *Session) LoadMany(ctx context.Context, c *Class, keys ...string) ([]*Object, error) {
	ctx, span := tracer.Start(ctx, "LoadMany", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
		attribute.Int("traitable.keys", len(keys)),
	))
	defer span.End()

	if err := c.storable(); err != nil {
		return nil, err
	}
	store, err := s.rt.documentStore()
	if err != nil {
		return nil, err
	}
	at, historical := s.asOfFor(c)

	docs := make([]Document, len(keys))
	entries := make([]*HistoryEntry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.rt.config.LoadConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			if historical {
				entry, err := s.latestAt(gctx, c, key, at)
				entries[i] = entry
				return err
			}
			id := Identity{Collection: c.name, Key: key}
			doc, err := s.rt.cache.fetch(gctx, store, id)
			if err != nil {
				return fmt.Errorf("load %v: %w", id, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	objects := make([]*Object, len(keys))
	for i, key := range keys {
		var err error
		if historical {
			objects[i], err = s.detach(c, entries[i], at)
		} else {
			objects[i], err = s.adopt(c, Identity{Collection: c.name, Key: key}, docs[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return objects, nil
}

// Reload discards the unsaved values of o by re-reading its live document. All
// computed traits depending on o are invalidated.
func (s *Session) Reload(ctx context.Context, o *Object) error {
	ctx, span := tracer.Start(ctx, "Reload", trace.WithAttributes(
		attribute.String(traitableCollection, o.class.name),
	))
	defer span.End()

	if o.origin != nil {
		return fmt.Errorf("reload %s: %w", o.describe(), ErrHistoricalSnapshot)
	}
	if err := o.class.storable(); err != nil {
		return err
	}
	store, err := s.rt.documentStore()
	if err != nil {
		return err
	}
	id := o.Identity()
	doc, err := s.rt.cache.fetch(ctx, store, id)
	if err != nil {
		return fmt.Errorf("reload %v: %w", id, err)
	}
	rev, err := doc.Rev()
	if err != nil {
		return fmt.Errorf("reload %v: %w", id, err)
	}
	data, err := o.class.decodeSnapshot(doc.Fields())
	if err != nil {
		return fmt.Errorf("reload %v: %w", id, err)
	}
	o.replace(data, rev)
	return nil
}

// Delete removes the live document of o and evicts o from the instance cache.
// History entries are kept.
func (s *Session) Delete(ctx context.Context, o *Object) error {
	ctx, span := tracer.Start(ctx, "Delete", trace.WithAttributes(
		attribute.String(traitableCollection, o.class.name),
	))
	defer span.End()

	if o.origin != nil {
		return fmt.Errorf("delete %s: %w", o.describe(), ErrHistoricalSnapshot)
	}
	if err := o.class.storable(); err != nil {
		return err
	}
	store, err := s.rt.documentStore()
	if err != nil {
		return err
	}
	id := o.Identity()
	if err := store.DeleteDocument(ctx, id.Collection, id.Key); err != nil {
		return fmt.Errorf("delete %v: %w", id, err)
	}
	if evicted := s.rt.cache.Evict(id); evicted != nil {
		s.rt.graph.forget(evicted)
	}
	o.mu.Lock()
	o.rev = 0
	o.dirty = true
	o.mu.Unlock()
	return nil
}

// Count returns the number of stored documents of class c.
func (s *Session) Count(ctx context.Context, c *Class) (int64, error) {
	ctx, span := tracer.Start(ctx, "Count", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
	))
	defer span.End()

	store, err := s.rt.documentStore()
	if err != nil {
		return 0, err
	}
	n, err := store.CountDocuments(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

package traitable

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HistoryEntry is the immutable record of one saved revision of an object.
type HistoryEntry struct {
	Collection   string
	TraitableID  string
	TraitableRev int64
	Who          string
	At           time.Time
	// Digest is the content address of Snapshot (see DigestSnapshot).
	Digest Digest
	// Snapshot holds the stored traits in their wire form.
	Snapshot map[string]any
}

// Document returns the wire shape of e: the snapshot fields plus the reserved
// history fields.
func (e HistoryEntry) Document() Document {
	doc := make(Document, len(e.Snapshot)+6)
	maps.Copy(doc, e.Snapshot)
	doc[FieldCollection] = e.Collection
	doc[FieldTraitableID] = e.TraitableID
	doc[FieldTraitableRev] = e.TraitableRev
	doc[FieldWho] = e.Who
	doc[FieldAt] = e.At.UTC()
	if !e.Digest.IsZero() {
		doc[FieldDigest] = contentAddress(e.Digest).String()
	}
	return doc
}

// ParseHistoryEntry reads a HistoryEntry back from its wire shape. Numbers and
// timestamps are accepted in any representation a backend may return them in.
func ParseHistoryEntry(doc Document) (HistoryEntry, error) {
	rev, err := cast.ToInt64E(doc[FieldTraitableRev])
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("field %s: %w", FieldTraitableRev, err)
	}
	at, err := cast.ToTimeE(doc[FieldAt])
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("field %s: %w", FieldAt, err)
	}
	e := HistoryEntry{
		Collection:   cast.ToString(doc[FieldCollection]),
		TraitableID:  cast.ToString(doc[FieldTraitableID]),
		TraitableRev: rev,
		Who:          cast.ToString(doc[FieldWho]),
		At:           at.UTC(),
		Snapshot:     doc.Fields(),
	}
	if raw, ok := doc[FieldDigest].(string); ok && raw != "" {
		if err := e.Digest.UnmarshalText([]byte(raw)); err != nil {
			return HistoryEntry{}, fmt.Errorf("field %s: %w", FieldDigest, err)
		}
	}
	return e, nil
}

// Verify recomputes the content address of the snapshot and compares it with
// the recorded Digest.
func (e HistoryEntry) Verify() error {
	if e.Digest.IsZero() {
		return fmt.Errorf("verify %s@%d: no digest recorded", e.TraitableID, e.TraitableRev)
	}
	got, err := DigestSnapshot(e.Collection, e.Snapshot)
	if err != nil {
		return fmt.Errorf("verify %s@%d: %w", e.TraitableID, e.TraitableRev, err)
	}
	if got != e.Digest {
		return fmt.Errorf("verify %s@%d: %w: recorded %v, computed %v", e.TraitableID, e.TraitableRev, ErrDigestMismatch, e.Digest, got)
	}
	return nil
}

// History returns the history entries of the object of class c stored under
// key, oldest first (ascending revision). With atMost > 0 only the most recent
// atMost entries are returned, still oldest first.
func (s *Session) History(ctx context.Context, c *Class, key string, atMost int) ([]HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "History", trace.WithAttributes(
		attribute.String(traitableCollection, c.name),
	))
	defer span.End()

	entries, err := s.entries(ctx, c, key)
	if err != nil {
		return nil, err
	}
	if atMost > 0 && len(entries) > atMost {
		entries = entries[len(entries)-atMost:]
	}
	return entries, nil
}

// LatestRevision returns the most recent history entry of the object of class c
// stored under key whose At is not after at. A zero at selects the most recent
// entry. LatestRevision returns nil when there is no such entry.
func (s *Session) LatestRevision(ctx context.Context, c *Class, key string, at time.Time) (*HistoryEntry, error) {
	entries, err := s.entries(ctx, c, key)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if at.IsZero() || !entries[i].At.After(at) {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Session) entries(ctx context.Context, c *Class, key string) ([]HistoryEntry, error) {
	if err := c.storable(); err != nil {
		return nil, err
	}
	if !c.KeepsHistory() {
		return nil, &NotStorableError{Class: c.name, Reason: "class keeps no history"}
	}
	store, err := s.rt.documentStore()
	if err != nil {
		return nil, err
	}
	entries, err := store.HistoryFor(c.name).Entries(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("history of %s/%s: %w", c.name, key, err)
	}
	// Ascending revision order, whatever order the backend returned.
	slices.SortStableFunc(entries, func(a, b HistoryEntry) int {
		switch {
		case a.TraitableRev < b.TraitableRev:
			return -1
		case a.TraitableRev > b.TraitableRev:
			return 1
		default:
			return 0
		}
	})
	return entries, nil
}

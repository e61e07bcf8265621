// Package cloudstore implements traitable.DocumentStore on top of the portable
// gocloud.dev/docstore API, so any docstore driver (in-memory, MongoDB,
// Firestore, DynamoDB) can back a traitable Runtime.
//
// Every traitable collection maps to one docstore collection keyed by
// traitable.FieldID, and its history to a second docstore collection keyed by a
// synthetic "<id>@<rev>" field, which makes appends of the same revision
// collide on the driver's own uniqueness guarantee.
package cloudstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/docstore"
	"gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"

	"github.com/go-digitaltwin/go-traitable"
)

// fieldKey is the key field of history collections.
const fieldKey = "_key"

// historySuffix names the history collection of a traitable collection.
const historySuffix = "_history"

// An Opener opens the docstore collection called name, keyed by keyField.
type Opener func(ctx context.Context, name, keyField string) (*docstore.Collection, error)

// URLOpener returns an Opener resolving collections through docstore's URL
// multiplexer. The template is expanded by replacing "{collection}" with the
// collection name and "{key}" with its key field, for example
// "mem://{collection}/{key}" or
// "mongo://traitable/{collection}?id_field={key}".
func URLOpener(template string) Opener {
	return func(ctx context.Context, name, keyField string) (*docstore.Collection, error) {
		u := strings.NewReplacer("{collection}", name, "{key}", keyField).Replace(template)
		return docstore.OpenCollection(ctx, u)
	}
}

// MemOpener returns an Opener of in-process memdocstore collections.
func MemOpener() Opener {
	return func(_ context.Context, _, keyField string) (*docstore.Collection, error) {
		return memdocstore.OpenCollection(keyField, nil)
	}
}

// Store is a traitable.DocumentStore whose collections are opened lazily, once,
// with its Opener. Store is safe for concurrent use.
type Store struct {
	open Opener

	mu          sync.Mutex
	collections map[string]*docstore.Collection
}

// New returns a Store opening collections with open.
func New(open Opener) *Store {
	return &Store{open: open, collections: make(map[string]*docstore.Collection)}
}

// NewMem returns a Store of in-process collections, mostly useful in tests.
func NewMem() *Store { return New(MemOpener()) }

// Close closes every collection opened so far.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, coll := range s.collections {
		if err := coll.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	clear(s.collections)
	return errors.Join(errs...)
}

func (s *Store) collection(ctx context.Context, name, keyField string) (*docstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.collections[name]; ok {
		return coll, nil
	}
	coll, err := s.open(ctx, name, keyField)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	s.collections[name] = coll
	return coll, nil
}

// SaveDocument implements traitable.DocumentStore.
//
// Creation relies on docstore's Create failing for existing keys. Updates read
// the stored document first to compare its traitable revision, then replace it
// guarded by the docstore revision that read returned, so a writer slipping in
// between fails the replace instead of being overwritten.
func (s *Store) SaveDocument(ctx context.Context, collection string, doc traitable.Document, expectedRev int64) error {
	ctx, span := tracer.Start(ctx, "SaveDocument", trace.WithAttributes(
		attribute.String(attrCollection, collection),
		attribute.Int64("traitable.expected_rev", expectedRev),
	))
	defer span.End()

	coll, err := s.collection(ctx, collection, traitable.FieldID)
	if err != nil {
		return err
	}
	next := stripRevision(doc)

	if expectedRev == 0 {
		err := coll.Create(ctx, map[string]any(next))
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return fmt.Errorf("create %s: %w", doc.ID(), traitable.ErrWriteConflict)
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("create %s: %w", doc.ID(), err)
		}
		return nil
	}

	current := map[string]any{traitable.FieldID: doc.ID()}
	err = coll.Get(ctx, current)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("replace %s: no stored document: %w", doc.ID(), traitable.ErrWriteConflict)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("get %s: %w", doc.ID(), err)
	}
	stored, err := traitable.Document(current).Rev()
	if err != nil {
		return fmt.Errorf("get %s: %w", doc.ID(), err)
	}
	if stored != expectedRev {
		return fmt.Errorf("replace %s: stored revision %d, expected %d: %w", doc.ID(), stored, expectedRev, traitable.ErrWriteConflict)
	}

	next[docstore.DefaultRevisionField] = current[docstore.DefaultRevisionField]
	err = coll.Replace(ctx, map[string]any(next))
	switch gcerrors.Code(err) {
	case gcerrors.OK:
		return nil
	case gcerrors.FailedPrecondition, gcerrors.NotFound:
		return fmt.Errorf("replace %s: concurrent write: %w", doc.ID(), traitable.ErrWriteConflict)
	default:
		span.RecordError(err)
		return fmt.Errorf("replace %s: %w", doc.ID(), err)
	}
}

// FindByID implements traitable.DocumentStore.
func (s *Store) FindByID(ctx context.Context, collection, id string) (traitable.Document, error) {
	ctx, span := tracer.Start(ctx, "FindByID", trace.WithAttributes(
		attribute.String(attrCollection, collection),
	))
	defer span.End()

	coll, err := s.collection(ctx, collection, traitable.FieldID)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{traitable.FieldID: id}
	err = coll.Get(ctx, doc)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	return stripRevision(doc), nil
}

// DeleteDocument implements traitable.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	ctx, span := tracer.Start(ctx, "DeleteDocument", trace.WithAttributes(
		attribute.String(attrCollection, collection),
	))
	defer span.End()

	coll, err := s.collection(ctx, collection, traitable.FieldID)
	if err != nil {
		return err
	}
	// Drivers disagree on whether deleting a missing key is an error.
	doc := map[string]any{traitable.FieldID: id}
	err = coll.Get(ctx, doc, traitable.FieldID)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("delete %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	err = coll.Delete(ctx, map[string]any{traitable.FieldID: id})
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("delete %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// CountDocuments implements traitable.DocumentStore by walking the keys of the
// collection; docstore has no portable count.
func (s *Store) CountDocuments(ctx context.Context, collection string) (int64, error) {
	ctx, span := tracer.Start(ctx, "CountDocuments", trace.WithAttributes(
		attribute.String(attrCollection, collection),
	))
	defer span.End()

	coll, err := s.collection(ctx, collection, traitable.FieldID)
	if err != nil {
		return 0, err
	}
	iter := coll.Query().Get(ctx, traitable.FieldID)
	defer iter.Stop()
	var n int64
	for {
		err := iter.Next(ctx, map[string]any{})
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("count %s: %w", collection, err)
		}
		n++
	}
}

// HistoryFor implements traitable.DocumentStore.
func (s *Store) HistoryFor(collection string) traitable.HistoryCollection {
	return history{store: s, name: collection + historySuffix}
}

type history struct {
	store *Store
	name  string
}

func historyKey(id string, rev int64) string {
	return id + "@" + strconv.FormatInt(rev, 10)
}

func (h history) Append(ctx context.Context, entry traitable.HistoryEntry) error {
	ctx, span := tracer.Start(ctx, "AppendHistory", trace.WithAttributes(
		attribute.String(attrCollection, h.name),
		attribute.Int64("traitable.rev", entry.TraitableRev),
	))
	defer span.End()

	coll, err := h.store.collection(ctx, h.name, fieldKey)
	if err != nil {
		return err
	}
	doc := entry.Document()
	doc[fieldKey] = historyKey(entry.TraitableID, entry.TraitableRev)
	err = coll.Create(ctx, map[string]any(doc))
	if gcerrors.Code(err) == gcerrors.AlreadyExists {
		return fmt.Errorf("append %s: %w", doc[fieldKey], traitable.ErrHistoryExists)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append %s: %w", doc[fieldKey], err)
	}
	return nil
}

func (h history) Entries(ctx context.Context, traitableID string) ([]traitable.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "HistoryEntries", trace.WithAttributes(
		attribute.String(attrCollection, h.name),
	))
	defer span.End()

	coll, err := h.store.collection(ctx, h.name, fieldKey)
	if err != nil {
		return nil, err
	}
	iter := coll.Query().Where(traitable.FieldTraitableID, "=", traitableID).Get(ctx)
	defer iter.Stop()

	entries := []traitable.HistoryEntry{}
	for {
		doc := map[string]any{}
		err := iter.Next(ctx, doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("history of %s: %w", traitableID, err)
		}
		entry, err := traitable.ParseHistoryEntry(stripRevision(doc))
		if err != nil {
			component.Logger(ctx).ErrorContext(ctx, "Skipping malformed history entry",
				"collection", h.name,
				"key", cast.ToString(doc[fieldKey]),
				"error", err,
			)
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b traitable.HistoryEntry) int {
		return cmp.Compare(a.TraitableRev, b.TraitableRev)
	})
	return entries, nil
}

// stripRevision copies doc without the docstore revision field, which is a
// driver detail rather than a trait.
func stripRevision(doc map[string]any) traitable.Document {
	out := traitable.Document(doc).Clone()
	delete(out, docstore.DefaultRevisionField)
	return out
}

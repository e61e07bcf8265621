package traitable

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cast"
)

// Reserved document fields. Every other field of a Document holds a stored
// trait.
const (
	FieldID           = "_id"
	FieldRev          = "_rev"
	FieldCollection   = "_collection"
	FieldTraitableID  = "_traitable_id"
	FieldTraitableRev = "_traitable_rev"
	FieldWho          = "_who"
	FieldAt           = "_at"
	FieldDigest       = "_digest"
)

// Document is the wire shape of a persisted object: a mapping of field name to
// value, with the identity key under FieldID and the revision under FieldRev.
type Document map[string]any

// ID returns the identity key of the document.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the revision of the document. Backends may hand revisions back as
// any numeric type, or as a numeric string.
func (d Document) Rev() (int64, error) {
	raw, ok := d[FieldRev]
	if !ok {
		return 0, nil
	}
	rev, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", FieldRev, err)
	}
	return rev, nil
}

// Clone returns a shallow copy of d.
func (d Document) Clone() Document { return maps.Clone(d) }

// Fields returns the trait fields of d, leaving out the reserved fields.
func (d Document) Fields() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

// DocumentStore is the key-document database backing persistence. It is an
// external collaborator: implementations live in the cloudstore, neo4jstore and
// redisstore packages, and storetest checks their conformance.
//
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// SaveDocument writes doc under its FieldID in collection, guarded by the
	// revision the caller expects to replace. An expectedRev of zero creates
	// the document and fails if it exists; otherwise the stored document must
	// exist with FieldRev equal to expectedRev. A failed guard returns an
	// error wrapping ErrWriteConflict and leaves the store unchanged.
	SaveDocument(ctx context.Context, collection string, doc Document, expectedRev int64) error
	// FindByID returns the document stored under id, or an error wrapping
	// ErrNotFound.
	FindByID(ctx context.Context, collection, id string) (Document, error)
	// DeleteDocument removes the document stored under id, or returns an error
	// wrapping ErrNotFound.
	DeleteDocument(ctx context.Context, collection, id string) error
	// CountDocuments returns the number of documents in collection.
	CountDocuments(ctx context.Context, collection string) (int64, error)
	// HistoryFor returns the append-only history of collection.
	HistoryFor(collection string) HistoryCollection
}

// HistoryCollection is an append-only store of HistoryEntry records keyed by
// (TraitableID, TraitableRev).
type HistoryCollection interface {
	// Append records entry. An entry with the same TraitableID and
	// TraitableRev must not exist yet; if it does, Append returns an error
	// wrapping ErrHistoryExists and records nothing.
	Append(ctx context.Context, entry HistoryEntry) error
	// Entries returns every entry of traitableID in ascending TraitableRev
	// order; an empty slice when there are none.
	Entries(ctx context.Context, traitableID string) ([]HistoryEntry, error)
}

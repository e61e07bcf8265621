// Package redisstore implements traitable.DocumentStore on Redis.
//
// Documents are JSON strings under "<prefix>doc:<collection>:<id>", indexed by
// the set "<prefix>ids:<collection>" for counting. The history of an identity
// is the hash "<prefix>history:<collection>:<id>" with one field per revision,
// written with HSETNX so that a revision is recorded at most once. Guarded
// writes use optimistic transactions (WATCH/MULTI/EXEC).
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-traitable"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-traitable/redisstore")

// DefaultPrefix is the key prefix used unless WithPrefix says otherwise.
const DefaultPrefix = "traitable:"

// Store is a traitable.DocumentStore backed by a Redis client. Store is safe
// for concurrent use.
type Store struct {
	client *redis.Client
	prefix string
}

// An Option configures a Store.
type Option func(*Store)

// WithPrefix sets the prefix of every key the store touches.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New returns a Store using client. The caller keeps ownership of the client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) docKey(collection, id string) string {
	return s.prefix + "doc:" + collection + ":" + id
}

func (s *Store) idsKey(collection string) string {
	return s.prefix + "ids:" + collection
}

func (s *Store) historyKey(collection, id string) string {
	return s.prefix + "history:" + collection + ":" + id
}

// SaveDocument implements traitable.DocumentStore.
func (s *Store) SaveDocument(ctx context.Context, collection string, doc traitable.Document, expectedRev int64) error {
	ctx, span := tracer.Start(ctx, "SaveDocument", trace.WithAttributes(
		attribute.String("redis.collection", collection),
		attribute.Int64("traitable.expected_rev", expectedRev),
	))
	defer span.End()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", doc.ID(), err)
	}
	key := s.docKey(collection, doc.ID())

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedRev != 0 {
				return fmt.Errorf("replace %s: no stored document: %w", doc.ID(), traitable.ErrWriteConflict)
			}
		case err != nil:
			return fmt.Errorf("get %s: %w", doc.ID(), err)
		default:
			if expectedRev == 0 {
				return fmt.Errorf("create %s: %w", doc.ID(), traitable.ErrWriteConflict)
			}
			stored, err := decode(raw)
			if err != nil {
				return fmt.Errorf("get %s: %w", doc.ID(), err)
			}
			rev, err := stored.Rev()
			if err != nil {
				return fmt.Errorf("get %s: %w", doc.ID(), err)
			}
			if rev != expectedRev {
				return fmt.Errorf("replace %s: stored revision %d, expected %d: %w", doc.ID(), rev, expectedRev, traitable.ErrWriteConflict)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.idsKey(collection), doc.ID())
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("save %s: concurrent write: %w", doc.ID(), traitable.ErrWriteConflict)
	}
	if err != nil && !errors.Is(err, traitable.ErrWriteConflict) {
		span.RecordError(err)
	}
	return err
}

// FindByID implements traitable.DocumentStore.
func (s *Store) FindByID(ctx context.Context, collection, id string) (traitable.Document, error) {
	ctx, span := tracer.Start(ctx, "FindByID", trace.WithAttributes(
		attribute.String("redis.collection", collection),
	))
	defer span.End()

	raw, err := s.client.Get(ctx, s.docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// DeleteDocument implements traitable.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	ctx, span := tracer.Start(ctx, "DeleteDocument", trace.WithAttributes(
		attribute.String("redis.collection", collection),
	))
	defer span.End()

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.docKey(collection, id))
		pipe.SRem(ctx, s.idsKey(collection), id)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	return nil
}

// CountDocuments implements traitable.DocumentStore.
func (s *Store) CountDocuments(ctx context.Context, collection string) (int64, error) {
	n, err := s.client.SCard(ctx, s.idsKey(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// HistoryFor implements traitable.DocumentStore.
func (s *Store) HistoryFor(collection string) traitable.HistoryCollection {
	return history{store: s, collection: collection}
}

type history struct {
	store      *Store
	collection string
}

func (h history) Append(ctx context.Context, entry traitable.HistoryEntry) error {
	ctx, span := tracer.Start(ctx, "AppendHistory", trace.WithAttributes(
		attribute.String("redis.collection", h.collection),
		attribute.Int64("traitable.rev", entry.TraitableRev),
	))
	defer span.End()

	data, err := json.Marshal(entry.Document())
	if err != nil {
		return fmt.Errorf("marshal %s@%d: %w", entry.TraitableID, entry.TraitableRev, err)
	}
	key := h.store.historyKey(h.collection, entry.TraitableID)
	ok, err := h.store.client.HSetNX(ctx, key, strconv.FormatInt(entry.TraitableRev, 10), data).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append %s@%d: %w", entry.TraitableID, entry.TraitableRev, err)
	}
	if !ok {
		return fmt.Errorf("append %s@%d: %w", entry.TraitableID, entry.TraitableRev, traitable.ErrHistoryExists)
	}
	return nil
}

func (h history) Entries(ctx context.Context, traitableID string) ([]traitable.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "HistoryEntries", trace.WithAttributes(
		attribute.String("redis.collection", h.collection),
	))
	defer span.End()

	fields, err := h.store.client.HGetAll(ctx, h.store.historyKey(h.collection, traitableID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("history of %s: %w", traitableID, err)
	}
	entries := make([]traitable.HistoryEntry, 0, len(fields))
	for rev, raw := range fields {
		doc, err := decode([]byte(raw))
		if err == nil {
			err = parseTime(doc, traitable.FieldAt)
		}
		var entry traitable.HistoryEntry
		if err == nil {
			entry, err = traitable.ParseHistoryEntry(doc)
		}
		if err != nil {
			component.Logger(ctx).ErrorContext(ctx, "Skipping malformed history entry",
				"collection", h.collection,
				"key", traitableID,
				"revision", rev,
				"error", err,
			)
			continue
		}
		entries = append(entries, entry)
	}
	// Hash fields come back unordered.
	slices.SortFunc(entries, func(a, b traitable.HistoryEntry) int {
		return cmp.Compare(a.TraitableRev, b.TraitableRev)
	})
	return entries, nil
}

func decode(raw []byte) (traitable.Document, error) {
	var doc traitable.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return doc, nil
}

// parseTime restores the time.Time JSON flattened into a string.
func parseTime(doc traitable.Document, field string) error {
	s, ok := doc[field].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("field %s: %w", field, err)
	}
	doc[field] = t
	return nil
}

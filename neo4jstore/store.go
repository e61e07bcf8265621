// Package neo4jstore implements traitable.DocumentStore on Neo4j.
//
// A document is a node labelled DocumentLabel holding the collection, the
// identity key and the revision as properties, and the trait fields as a JSON
// body; Neo4j properties cannot hold nested maps. History entries are nodes
// labelled HistoryLabel, shaped the same way. Run BootstrapDatabase once before
// use: the store relies on its node key constraints for create-only writes.
package neo4jstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-traitable"
)

// Store is a traitable.DocumentStore on a Neo4j database. Every operation runs
// in its own session and transaction. Store is safe for concurrent use.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.
}

// New returns a Store using the given database, which BootstrapDatabase must
// have prepared. The caller keeps ownership of the driver.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// execute runs work in a managed transaction of the given access mode.
//
// The function panics when a developer changed a Cypher query, but missed some
// code that relied on that query. This is indicated by work returning
// errPropertyNotFound or unexpectedPropertyTypeError.
func (s *Store) execute(ctx context.Context, mode neo4j.AccessMode, work neo4j.ManagedTransactionWork) (any, error) {
	logger := component.Logger(ctx).With("neo4j.database", s.database)

	// Sessions are cheap and not safe for concurrent use; one per call.
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", mode)
		}
	}()

	var (
		result any
		err    error
	)
	if mode == neo4j.AccessModeWrite {
		result, err = session.ExecuteWrite(ctx, work)
	} else {
		result, err = session.ExecuteRead(ctx, work)
	}
	if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
		logger.Error("Cypher query out of sync with its reader", "error", err)
		panic(fmt.Errorf("neo4jstore: cypher query out of sync: %w", err))
	}
	return result, err
}

// single runs query in tx and returns the int64 column key of its only record.
func single(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any, key string) (int64, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return 0, fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("query single result: %w", err)
	}
	return getRecordProperty[int64](record, key)
}

// SaveDocument implements traitable.DocumentStore.
func (s *Store) SaveDocument(ctx context.Context, collection string, doc traitable.Document, expectedRev int64) error {
	ctx, span := tracer.Start(ctx, "SaveDocument", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("traitable.collection", collection),
		attribute.Int64("traitable.expected_rev", expectedRev),
	))
	defer span.End()

	rev, err := doc.Rev()
	if err != nil {
		return fmt.Errorf("save %s: %w", doc.ID(), err)
	}
	body, err := json.Marshal(doc.Fields())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", doc.ID(), err)
	}
	params := map[string]any{
		"collection": collection,
		"id":         doc.ID(),
		"rev":        rev,
		"expected":   expectedRev,
		"body":       string(body),
	}

	if expectedRev == 0 {
		_, err := s.execute(ctx, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
			return single(ctx, tx, `
				CREATE (d:`+DocumentLabel+` {_collection: $collection, _id: $id})
				SET d._rev = $rev, d._body = $body, d._created_at = datetime(), d._last_modified = datetime()
				RETURN count(d) AS docs
			`, params, "docs")
		})
		if isConstraintViolation(err) {
			constraintViolationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("neo4j.label", DocumentLabel)))
			return fmt.Errorf("create %s: %w", doc.ID(), traitable.ErrWriteConflict)
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("create %s: %w", doc.ID(), err)
		}
		return nil
	}

	// The first SET takes the node's write lock, so the revision compared below
	// is the latest committed one and no other writer can commit in between.
	docs, err := s.execute(ctx, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, `
			OPTIONAL MATCH (d:`+DocumentLabel+` {_collection: $collection, _id: $id})
			SET d._last_seen = datetime()
			WITH d WHERE d._rev = $expected
			SET d._rev = $rev, d._body = $body, d._last_modified = datetime()
			RETURN count(d) AS docs
		`, params, "docs")
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("replace %s: %w", doc.ID(), err)
	}
	if docs.(int64) != 1 {
		return fmt.Errorf("replace %s: no document at revision %d: %w", doc.ID(), expectedRev, traitable.ErrWriteConflict)
	}
	return nil
}

// FindByID implements traitable.DocumentStore.
func (s *Store) FindByID(ctx context.Context, collection, id string) (traitable.Document, error) {
	ctx, span := tracer.Start(ctx, "FindByID", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("traitable.collection", collection),
	))
	defer span.End()

	doc, err := s.execute(ctx, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (d:`+DocumentLabel+` {_collection: $collection, _id: $id})
			RETURN d._rev AS rev, d._body AS body
		`, map[string]any{"collection": collection, "id": id})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect: %w", err)
		}
		if len(records) == 0 {
			return nil, nil
		}
		rev, err := getRecordProperty[int64](records[0], "rev")
		if err != nil {
			return nil, fmt.Errorf("get rev: %w", err)
		}
		body, err := getRecordProperty[string](records[0], "body")
		if err != nil {
			return nil, fmt.Errorf("get body: %w", err)
		}
		doc, err := unmarshalBody(body)
		if err != nil {
			return nil, err
		}
		doc[traitable.FieldID] = id
		doc[traitable.FieldRev] = rev
		return doc, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("find %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	return doc.(traitable.Document), nil
}

// DeleteDocument implements traitable.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	ctx, span := tracer.Start(ctx, "DeleteDocument", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("traitable.collection", collection),
	))
	defer span.End()

	docs, err := s.execute(ctx, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, `
			MATCH (d:`+DocumentLabel+` {_collection: $collection, _id: $id})
			DELETE d
			RETURN count(d) AS docs
		`, map[string]any{"collection": collection, "id": id}, "docs")
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if docs.(int64) == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, traitable.ErrNotFound)
	}
	return nil
}

// CountDocuments implements traitable.DocumentStore.
func (s *Store) CountDocuments(ctx context.Context, collection string) (int64, error) {
	ctx, span := tracer.Start(ctx, "CountDocuments", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("traitable.collection", collection),
	))
	defer span.End()

	n, err := s.execute(ctx, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, `
			MATCH (d:`+DocumentLabel+` {_collection: $collection})
			RETURN count(d) AS docs
		`, map[string]any{"collection": collection}, "docs")
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n.(int64), nil
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
		attribute.String("neo4j.database", h.store.database),
		attribute.String("traitable.collection", h.collection),
		attribute.Int64("traitable.rev", entry.TraitableRev),
	))
	defer span.End()

	body, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal %s@%d: %w", entry.TraitableID, entry.TraitableRev, err)
	}
	var digest any
	if !entry.Digest.IsZero() {
		text, err := entry.Digest.MarshalText()
		if err != nil {
			return fmt.Errorf("marshal digest: %w", err)
		}
		digest = string(text)
	}
	_, err = h.store.execute(ctx, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, `
			CREATE (h:`+HistoryLabel+` {_collection: $collection, _traitable_id: $id, _traitable_rev: $rev})
			SET h._who = $who, h._at = $at, h._digest = $digest, h._body = $body
			RETURN count(h) AS entries
		`, map[string]any{
			"collection": h.collection,
			"id":         entry.TraitableID,
			"rev":        entry.TraitableRev,
			"who":        entry.Who,
			"at":         entry.At.UTC(),
			"digest":     digest,
			"body":       string(body),
		}, "entries")
	})
	if isConstraintViolation(err) {
		constraintViolationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("neo4j.label", HistoryLabel)))
		return fmt.Errorf("append %s@%d: %w", entry.TraitableID, entry.TraitableRev, traitable.ErrHistoryExists)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append %s@%d: %w", entry.TraitableID, entry.TraitableRev, err)
	}
	return nil
}

func (h history) Entries(ctx context.Context, traitableID string) ([]traitable.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "HistoryEntries", trace.WithAttributes(
		attribute.String("neo4j.database", h.store.database),
		attribute.String("traitable.collection", h.collection),
	))
	defer span.End()

	entries, err := h.store.execute(ctx, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (h:`+HistoryLabel+` {_collection: $collection, _traitable_id: $id})
			RETURN h._traitable_rev AS rev, h._who AS who, h._at AS at, h._digest AS digest, h._body AS body
			ORDER BY rev
		`, map[string]any{"collection": h.collection, "id": traitableID})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		entries := []traitable.HistoryEntry{}
		for result.Next(ctx) {
			entry, err := h.parseEntry(traitableID, result.Record())
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate results: %w", err)
		}
		return entries, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("history of %s: %w", traitableID, err)
	}
	return entries.([]traitable.HistoryEntry), nil
}

func (h history) parseEntry(traitableID string, record *neo4j.Record) (traitable.HistoryEntry, error) {
	rev, err := getRecordProperty[int64](record, "rev")
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("get rev: %w", err)
	}
	who, err := getRecordProperty[string](record, "who")
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("get who: %w", err)
	}
	at, err := getRecordProperty[time.Time](record, "at")
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("get at: %w", err)
	}
	digest, err := getOptionalProperty[string](record, "digest")
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("get digest: %w", err)
	}
	body, err := getRecordProperty[string](record, "body")
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("get body: %w", err)
	}
	doc, err := unmarshalBody(body)
	if err != nil {
		return traitable.HistoryEntry{}, err
	}
	doc[traitable.FieldCollection] = h.collection
	doc[traitable.FieldTraitableID] = traitableID
	doc[traitable.FieldTraitableRev] = rev
	doc[traitable.FieldWho] = who
	doc[traitable.FieldAt] = at
	if digest != "" {
		doc[traitable.FieldDigest] = digest
	}
	entry, err := traitable.ParseHistoryEntry(doc)
	if err != nil {
		return traitable.HistoryEntry{}, fmt.Errorf("parse %s@%d: %w", traitableID, rev, err)
	}
	return entry, nil
}

func unmarshalBody(body string) (traitable.Document, error) {
	doc := traitable.Document{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return doc, nil
}

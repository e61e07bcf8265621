package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Labels of the nodes the store writes.
const (
	DocumentLabel = "TraitableDocument"
	HistoryLabel  = "TraitableHistory"
)

// BootstrapDatabase creates the database called name, and the constraints the
// store relies on:
//
//   - a document is keyed by (_collection, _id), which both indexes lookups and
//     makes a second create of the same identity fail;
//   - a history entry is keyed by (_collection, _traitable_id, _traitable_rev),
//     which makes a second append of the same revision fail.
//
// Node keys are only available in the enterprise edition.
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	constraints := []string{
		`CREATE CONSTRAINT traitable_document_key IF NOT EXISTS
		FOR (d:` + DocumentLabel + `)
		REQUIRE (d._collection, d._id) IS NODE KEY`,
		`CREATE CONSTRAINT traitable_history_key IF NOT EXISTS
		FOR (h:` + HistoryLabel + `)
		REQUIRE (h._collection, h._traitable_id, h._traitable_rev) IS NODE KEY`,
	}
	for _, c := range constraints {
		// Schema changes cannot share a transaction with each other's index
		// population, so every constraint gets its own.
		_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, c, nil)
			return nil, err
		})
		if err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return s.Close(ctx)
}

// createDatabase panics on names neo4j reserves for itself.
func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	switch {
	case name == "":
		panic("neo4jstore: empty database name")
	case name == "neo4j", strings.HasPrefix(name, "system"), strings.HasPrefix(name, "_"):
		panic(fmt.Sprintf("neo4jstore: database name %q is reserved", name))
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()
	_, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS WAIT`, map[string]any{"name": name})
	return err
}

package neo4jstore

import (
	"context"
	"errors"
	"testing"

	"github.com/go-digitaltwin/go-traitable"
	"github.com/go-digitaltwin/go-traitable/internal/dbtest"
	"github.com/go-digitaltwin/go-traitable/storetest"
)

func TestStore(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapDatabase(ctx, driver, "traitable"); err != nil {
		t.Fatal("BootstrapDatabase:", err)
	}
	storetest.Run(t, New(driver, "traitable"))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	for range 2 {
		if err := BootstrapDatabase(ctx, driver, "twice"); err != nil {
			t.Fatal("BootstrapDatabase:", err)
		}
	}

	store := New(driver, "twice")
	doc := traitable.Document{traitable.FieldID: "k", traitable.FieldRev: int64(1), "nested": map[string]any{"a": 1.5}}
	if err := store.SaveDocument(ctx, "things", doc, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveDocument(ctx, "things", doc, 0); !errors.Is(err, traitable.ErrWriteConflict) {
		t.Errorf("second create error = %v, want ErrWriteConflict", err)
	}
	got, err := store.FindByID(ctx, "things", "k")
	if err != nil {
		t.Fatal(err)
	}
	nested, ok := got["nested"].(map[string]any)
	if !ok || nested["a"] != 1.5 {
		t.Errorf("FindByID() nested = %#v, want map[a:1.5]", got["nested"])
	}
}

func TestReservedDatabaseNamesPanic(t *testing.T) {
	for _, name := range []string{"", "neo4j", "system2", "_private"} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("createDatabase(%q) did not panic", name)
				}
			}()
			// The name is validated before the driver is touched.
			_ = createDatabase(context.Background(), nil, name)
		})
	}
}

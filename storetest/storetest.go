/*
Package storetest provides a suite of tests designed to assess implementations
of [traitable.DocumentStore] (e.g. in-memory docstore, neo4j, redis).

Call storetest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		store := NewStore(...) // Create the store under test, empty.
		storetest.Run(t, store)
	}

The test cases in this suite focus on the guarantees persistence relies on:

  - Creating documents exactly once, and replacing them only under a matching
    revision guard.
  - Finding, counting and deleting documents, with collections kept apart.
  - Appending history entries exactly once per revision, and reading them back
    in ascending revision order.

Specific stores are encouraged to perform additional tests which are specific to
the underlying database.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cast"

	"github.com/go-digitaltwin/go-traitable"
)

// Collections used by the suite. Stores must start without them.
const (
	People = "storetest_people"
	Others = "storetest_others"
)

// Instant is the timestamp of history entries written by the suite. It is
// rounded to milliseconds, the coarsest precision among supported stores.
var Instant = time.Date(2024, time.March, 1, 12, 30, 0, 0, time.UTC)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// step runs against the store and reports the first unexpected behaviour.
	step func(ctx context.Context, store traitable.DocumentStore) error
}

var cases = []testCase{
	{
		name:     "find-missing",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			_, err := store.FindByID(ctx, People, "ada")
			return wantErr("FindByID", err, traitable.ErrNotFound)
		},
	},
	{
		name:     "count-empty",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			return wantCount(ctx, store, People, 0)
		},
	},
	{
		name:     "create",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			return store.SaveDocument(ctx, People, person("ada", 1, "Ada", 36), 0)
		},
	},
	{
		name:     "create-existing",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			err := store.SaveDocument(ctx, People, person("ada", 1, "Eve", 20), 0)
			if err := wantErr("SaveDocument", err, traitable.ErrWriteConflict); err != nil {
				return err
			}
			return wantPerson(ctx, store, "ada", 1, "Ada", 36)
		},
	},
	{
		name:     "replace",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if err := store.SaveDocument(ctx, People, person("ada", 2, "Ada", 37), 1); err != nil {
				return err
			}
			return wantPerson(ctx, store, "ada", 2, "Ada", 37)
		},
	},
	{
		name:     "replace-stale",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			err := store.SaveDocument(ctx, People, person("ada", 3, "Ada", 99), 1)
			if err := wantErr("SaveDocument", err, traitable.ErrWriteConflict); err != nil {
				return err
			}
			return wantPerson(ctx, store, "ada", 2, "Ada", 37)
		},
	},
	{
		name:     "replace-missing",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			err := store.SaveDocument(ctx, People, person("bob", 2, "Bob", 40), 1)
			if err := wantErr("SaveDocument", err, traitable.ErrWriteConflict); err != nil {
				return err
			}
			_, err = store.FindByID(ctx, People, "bob")
			return wantErr("FindByID", err, traitable.ErrNotFound)
		},
	},
	{
		name:     "count",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if err := store.SaveDocument(ctx, People, person("bob", 1, "Bob", 40), 0); err != nil {
				return err
			}
			return wantCount(ctx, store, People, 2)
		},
	},
	{
		name:     "collections-are-disjoint",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if _, err := store.FindByID(ctx, Others, "ada"); !errors.Is(err, traitable.ErrNotFound) {
				return fmt.Errorf("FindByID(%s, ada) = %v, want ErrNotFound", Others, err)
			}
			if err := store.SaveDocument(ctx, Others, person("ada", 1, "Other Ada", 1), 0); err != nil {
				return err
			}
			if err := wantCount(ctx, store, Others, 1); err != nil {
				return err
			}
			return wantPerson(ctx, store, "ada", 2, "Ada", 37)
		},
	},
	{
		name:     "delete",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if err := store.DeleteDocument(ctx, People, "bob"); err != nil {
				return err
			}
			if err := wantCount(ctx, store, People, 1); err != nil {
				return err
			}
			_, err := store.FindByID(ctx, People, "bob")
			return wantErr("FindByID", err, traitable.ErrNotFound)
		},
	},
	{
		name:     "delete-missing",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			err := store.DeleteDocument(ctx, People, "bob")
			return wantErr("DeleteDocument", err, traitable.ErrNotFound)
		},
	},
	{
		name:     "recreate-after-delete",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if err := store.SaveDocument(ctx, People, person("bob", 1, "Bob", 41), 0); err != nil {
				return err
			}
			return wantPerson(ctx, store, "bob", 1, "Bob", 41)
		},
	},
	{
		name:     "history-empty",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			entries, err := store.HistoryFor(People).Entries(ctx, "ada")
			if err != nil {
				return err
			}
			if len(entries) != 0 {
				return fmt.Errorf("len(Entries(ada)) = %d, want 0", len(entries))
			}
			return nil
		},
	},
	{
		name:     "history-append",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			h := store.HistoryFor(People)
			// Out of order on purpose: Entries sorts by revision.
			for _, rev := range []int64{2, 1, 3} {
				if err := h.Append(ctx, entry("ada", rev)); err != nil {
					return fmt.Errorf("Append(ada@%d): %w", rev, err)
				}
			}
			if err := h.Append(ctx, entry("bob", 1)); err != nil {
				return fmt.Errorf("Append(bob@1): %w", err)
			}
			return wantHistory(ctx, h, "ada", 1, 2, 3)
		},
	},
	{
		name:     "history-append-existing",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			h := store.HistoryFor(People)
			changed := entry("ada", 2)
			changed.Who = "intruder"
			err := h.Append(ctx, changed)
			if err := wantErr("Append", err, traitable.ErrHistoryExists); err != nil {
				return err
			}
			entries, err := h.Entries(ctx, "ada")
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Who == "intruder" {
					return fmt.Errorf("Append of an existing revision overwrote ada@%d", e.TraitableRev)
				}
			}
			return nil
		},
	},
	{
		name:     "history-round-trip",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			entries, err := store.HistoryFor(People).Entries(ctx, "bob")
			if err != nil {
				return err
			}
			if len(entries) != 1 {
				return fmt.Errorf("len(Entries(bob)) = %d, want 1", len(entries))
			}
			want, got := entry("bob", 1), entries[0]
			if err := got.Verify(); err != nil {
				return fmt.Errorf("Verify(bob@1): %w", err)
			}
			// Numbers may come back widened; compare the snapshot separately.
			if diff := cmp.Diff(normalize(want.Snapshot), normalize(got.Snapshot)); diff != "" {
				return fmt.Errorf("snapshot mismatch (-want +got):\n%v", diff)
			}
			want.Snapshot, got.Snapshot = nil, nil
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Errorf("entry mismatch (-want +got):\n%v", diff)
			}
			return nil
		},
	},
	{
		name:     "history-is-kept-apart",
		location: locateSource(),
		step: func(ctx context.Context, store traitable.DocumentStore) error {
			if err := wantCount(ctx, store, People, 2); err != nil {
				return err
			}
			return wantHistory(ctx, store.HistoryFor(Others), "ada")
		},
	},
}

// Run executes the sequence of test cases on store, which must not hold any of
// the suite's collections yet.
//
// All test-cases run in-order, on the same store, because each case starts from
// the state the previous ones left behind. That is, a test case cannot run if
// the previous case had failed.
func Run(t *testing.T, store traitable.DocumentStore) {
	t.Helper()

	// We deliberately use the background context because this test-suite does not
	// check performance.
	ctx := context.Background()

	for _, c := range cases {
		// We encourage developers to read the source code directly, especially when
		// failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.step(ctx, store); err != nil {
			t.Fatalf("%v: %v", c.name, err)
		}
	}
}

func person(id string, rev int64, name string, age int) traitable.Document {
	return traitable.Document{
		traitable.FieldID:  id,
		traitable.FieldRev: rev,
		"name":             name,
		"age":              age,
		"tags":             []any{"a", "b"},
	}
}

func entry(id string, rev int64) traitable.HistoryEntry {
	snapshot := map[string]any{"name": id, "age": rev}
	digest, err := traitable.DigestSnapshot(People, snapshot)
	if err != nil {
		panic(err)
	}
	return traitable.HistoryEntry{
		Collection:   People,
		TraitableID:  id,
		TraitableRev: rev,
		Who:          "storetest",
		At:           Instant.Add(time.Duration(rev) * time.Minute),
		Digest:       digest,
		Snapshot:     snapshot,
	}
}

// normalize widens numbers so that values of any numeric type compare equal.
func normalize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			out[k] = cast.ToFloat64(v)
		default:
			out[k] = v
		}
	}
	return out
}

func wantErr(op string, got, want error) error {
	if !errors.Is(got, want) {
		return fmt.Errorf("%s() error = %v, want %v", op, got, want)
	}
	return nil
}

func wantCount(ctx context.Context, store traitable.DocumentStore, collection string, want int64) error {
	n, err := store.CountDocuments(ctx, collection)
	if err != nil {
		return fmt.Errorf("CountDocuments(%s): %w", collection, err)
	}
	if n != want {
		return fmt.Errorf("CountDocuments(%s) = %d, want %d", collection, n, want)
	}
	return nil
}

func wantPerson(ctx context.Context, store traitable.DocumentStore, id string, rev int64, name string, age int) error {
	doc, err := store.FindByID(ctx, People, id)
	if err != nil {
		return fmt.Errorf("FindByID(%s): %w", id, err)
	}
	gotRev, err := doc.Rev()
	if err != nil {
		return err
	}
	want := map[string]any{"_id": id, "_rev": rev, "name": name, "age": int64(age), "tags": []string{"a", "b"}}
	got := map[string]any{
		"_id":  doc.ID(),
		"_rev": gotRev,
		"name": cast.ToString(doc["name"]),
		"age":  cast.ToInt64(doc["age"]),
		"tags": cast.ToStringSlice(doc["tags"]),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return fmt.Errorf("FindByID(%s) mismatch (-want +got):\n%v", id, diff)
	}
	return nil
}

func wantHistory(ctx context.Context, h traitable.HistoryCollection, id string, revs ...int64) error {
	entries, err := h.Entries(ctx, id)
	if err != nil {
		return fmt.Errorf("Entries(%s): %w", id, err)
	}
	got := make([]int64, len(entries))
	for i, e := range entries {
		got[i] = e.TraitableRev
	}
	if revs == nil {
		revs = []int64{}
	}
	if diff := cmp.Diff(revs, got); diff != "" {
		return fmt.Errorf("Entries(%s) revisions mismatch (-want +got):\n%v", id, diff)
	}
	return nil
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of document stores to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}

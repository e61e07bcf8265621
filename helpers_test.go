package traitable_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-digitaltwin/go-traitable"
	"github.com/go-digitaltwin/go-traitable/cloudstore"
)

func isAdult(s *traitable.Session, o *traitable.Object) (any, error) {
	age, err := traitable.Get[int](s, o, "age")
	if err != nil {
		return nil, err
	}
	return age >= 18, nil
}

// person keeps history and is identified by "last|first".
var person = traitable.MustClass("person",
	traitable.Data("last", traitable.TypeOf[string](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("first", traitable.TypeOf[string](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("age", traitable.TypeOf[int](), traitable.WithDefault(0)),
	traitable.Reference("employer", "company"),
	traitable.Computed("is_adult", traitable.TypeOf[bool](), isAdult),
	traitable.KeepHistory(),
)

// company keeps history and is identified by its name.
var company = traitable.MustClass("company",
	traitable.Data("name", traitable.TypeOf[string](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("city", traitable.TypeOf[string]()),
	traitable.KeepHistory(),
)

// country keeps no history: it is immutable once stored.
var country = traitable.MustClass("country",
	traitable.Data("code", traitable.TypeOf[string](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("name", traitable.TypeOf[string]()),
)

// note has no identity traits and can never be stored.
var note = traitable.MustClass("note",
	traitable.Data("text", traitable.TypeOf[string]()),
)

// clock is a manual time source for history timestamps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	rt    *traitable.Runtime
	store *cloudstore.Store
	clock *clock
}

// newFixture returns a Runtime over a fresh in-memory store, with every test
// class registered and a manual clock.
func newFixture(t *testing.T, opts ...traitable.Option) fixture {
	t.Helper()
	f := fixture{store: cloudstore.NewMem(), clock: newClock()}
	t.Cleanup(func() { _ = f.store.Close() })
	opts = append([]traitable.Option{
		traitable.WithClock(f.clock.Now),
		traitable.WithClasses(person, company, country, note),
	}, opts...)
	rt, err := traitable.New(f.store, opts...)
	if err != nil {
		t.Fatal("New:", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	f.rt = rt
	return f
}

// session returns a new session with graph tracking on.
func (f fixture) session(t *testing.T) *traitable.Session {
	t.Helper()
	s := f.rt.NewSession(context.Background())
	s.Stack().Push(traitable.GraphOn)
	return s
}

func mustCreate(t *testing.T, s *traitable.Session, c *traitable.Class, values map[string]any) *traitable.Object {
	t.Helper()
	o, err := s.Create(c, values)
	if err != nil {
		t.Fatalf("Create(%s, %v): %v", c, values, err)
	}
	return o
}

func mustGet(t *testing.T, s *traitable.Session, o *traitable.Object, name string) any {
	t.Helper()
	v, err := o.Get(s, name)
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", o, name, err)
	}
	return v
}

func mustSet(t *testing.T, s *traitable.Session, o *traitable.Object, name string, v any) {
	t.Helper()
	if err := o.Set(s, name, v); err != nil {
		t.Fatalf("Set(%s, %s, %v): %v", o, name, v, err)
	}
}

func mustSave(t *testing.T, s *traitable.Session, o *traitable.Object) {
	t.Helper()
	if err := s.Save(context.Background(), o); err != nil {
		t.Fatalf("Save(%s): %v", o, err)
	}
}

package traitable_test

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-digitaltwin/go-traitable"
	"github.com/google/go-cmp/cmp"
)

type Celsius float64

type Address struct {
	Street string
	Zip    int
}

var sensor = traitable.MustClass("sensor",
	traitable.Data("serial", traitable.TypeOf[int](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("reading", traitable.TypeOf[Celsius]()),
	traitable.Data("installed", traitable.TypeOf[time.Time]()),
	traitable.Data("interval", traitable.TypeOf[time.Duration]()),
	traitable.Data("site", traitable.TypeOf[Address]()),
	traitable.Data("label", traitable.TypeOf[fmt.Stringer]()),
	traitable.Data("tags", traitable.TypeOf[[]string]()),
	traitable.Data("scale", traitable.TypeOf[int](),
		traitable.WithConverter(traitable.TypeOf[float64](), func(v any) (any, error) {
			return int(v.(float64) * 100), nil
		}),
	),
)

func TestSetChecksTypesInDebugMode(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})
	defer s.Enter(traitable.DebugOn)()

	err := p.Set(s, "age", "forty")
	var typeErr *traitable.TypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("Set() error = %v, want a TypeError", err)
	}
	if typeErr.Trait != "age" || typeErr.Want != traitable.TypeOf[int]() || typeErr.Got != traitable.TypeOf[string]() {
		t.Errorf("TypeError = %+v, want string written to int trait age", typeErr)
	}
	if got := mustGet(t, s, p, "age"); got != 0 {
		t.Errorf("age after a rejected write = %v, want the default 0", got)
	}
}

func TestSetStoresRawValuesOutsideDebugMode(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})

	mustSet(t, s, p, "age", "forty")
	if got := mustGet(t, s, p, "age"); got != "forty" {
		t.Errorf("age = %v, want the raw value", got)
	}
	// Typed reads still notice.
	var typeErr *traitable.TypeError
	if _, err := traitable.Get[int](s, p, "age"); !errors.As(err, &typeErr) {
		t.Errorf("Get[int]() error = %v, want a TypeError", err)
	}
}

func TestSetConverts(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	defer s.Enter(traitable.ConvertOn.With(traitable.DebugOn))()
	o := mustCreate(t, s, sensor, map[string]any{"serial": "17"})

	if got, want := o.Identity(), (traitable.Identity{Collection: "sensor", Key: "17"}); got != want {
		t.Errorf("Identity() = %v, want %v", got, want)
	}

	tests := []struct {
		trait string
		in    any
		want  any
	}{
		{"serial", 17.0, 17},
		{"reading", "21.5", Celsius(21.5)},
		{"reading", 20, Celsius(20)},
		{"installed", "2024-03-01T10:00:00Z", time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)},
		{"interval", "90s", 90 * time.Second},
		{"site", map[string]any{"street": "Main St", "zip": "1234"}, Address{Street: "Main St", Zip: 1234}},
		{"tags", []any{"a", "b"}, []string{"a", "b"}},
		{"scale", 1.5, 150},
		{"scale", "7", 7},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%v", tt.trait, tt.in), func(t *testing.T) {
			if err := o.Set(s, tt.trait, tt.in); err != nil {
				t.Fatal("Set:", err)
			}
			if diff := cmp.Diff(tt.want, mustGet(t, s, o, tt.trait)); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.trait, diff)
			}
		})
	}
}

func TestSetConversionFailures(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	defer s.Enter(traitable.ConvertOn)()
	o := mustCreate(t, s, sensor, map[string]any{"serial": 1})

	t.Run("debug", func(t *testing.T) {
		defer s.Enter(traitable.DebugOn)()

		err := o.Set(s, "reading", "warm")
		var convErr *traitable.ConversionError
		if !errors.As(err, &convErr) {
			t.Fatalf("Set(reading) error = %v, want a ConversionError", err)
		}
		var methodErr *traitable.TraitMethodError
		if !errors.As(err, &methodErr) || methodErr.Method != "converter" {
			t.Errorf("Set(reading) error = %v, want it to wrap the converter failure", err)
		}

		// Interfaces have no generic converter.
		err = o.Set(s, "label", 42)
		if !errors.As(err, &convErr) || convErr.Err != nil {
			t.Errorf("Set(label) error = %v, want a ConversionError without cause", err)
		}
	})

	t.Run("lenient", func(t *testing.T) {
		if err := o.Set(s, "reading", "warm"); err != nil {
			t.Fatal("Set:", err)
		}
		if got := mustGet(t, s, o, "reading"); got != "warm" {
			t.Errorf("reading = %v, want the raw value", got)
		}
	})
}

func TestSetNullAndUnset(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John", "age": 30})

	v, err := p.Lookup(s, "employer")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsUnset() {
		t.Errorf("employer = %v, want unset", v)
	}

	mustSet(t, s, p, "age", nil)
	v, err = p.Lookup(s, "age")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Errorf("age after writing nil = %v, want null", v)
	}
	if got, err := traitable.Get[int](s, p, "age"); err != nil || got != 0 {
		t.Errorf("Get[int](age) = %v, %v; want the zero value", got, err)
	}
}

func TestUnknownTrait(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})

	var unknown *traitable.UnknownTraitError
	if _, err := p.Get(s, "height"); !errors.As(err, &unknown) || unknown.Trait != "height" {
		t.Errorf("Get(height) error = %v, want an UnknownTraitError", err)
	}
	if err := p.Set(s, "height", 180); !errors.As(err, &unknown) {
		t.Errorf("Set(height) error = %v, want an UnknownTraitError", err)
	}
	if _, err := s.Create(person, map[string]any{"last": "Doe", "first": "Jim", "height": 180}); !errors.As(err, &unknown) {
		t.Errorf("Create() error = %v, want an UnknownTraitError", err)
	}
}

func TestCreateReturnsTheCachedInstance(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	first := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John", "age": 30})
	second := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John", "age": 31})

	if first != second {
		t.Fatalf("Create() returned %p then %p, want the same instance", first, second)
	}
	if got := mustGet(t, s, first, "age"); got != 31 {
		t.Errorf("age = %v, want 31", got)
	}
	if got := f.rt.Cached(); got != 1 {
		t.Errorf("Cached() = %d, want 1", got)
	}

	key, err := person.KeyOf("Doe", "John")
	if err != nil {
		t.Fatal(err)
	}
	existing, err := s.Existing(person, key)
	if err != nil || existing != first {
		t.Errorf("Existing(%q) = %v, %v; want the created instance", key, existing, err)
	}
	if _, err := s.Existing(person, "Doe|Nobody"); !errors.Is(err, traitable.ErrNotFound) {
		t.Errorf("Existing() of an unknown key error = %v, want ErrNotFound", err)
	}
}

func TestIdentityIsFrozenOnceRegistered(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})

	if err := p.Set(s, "first", "Johnny"); !errors.Is(err, traitable.ErrIdentityFrozen) {
		t.Errorf("Set(first) error = %v, want ErrIdentityFrozen", err)
	}
	// Rewriting the same value is not a change.
	mustSet(t, s, p, "first", "John")
	if got := p.Identity().Key; got != "Doe|John" {
		t.Errorf("Identity().Key = %q, want Doe|John", got)
	}
}

func TestCreateRequiresEveryIdentityTrait(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	if _, err := s.Create(person, map[string]any{"last": "Doe"}); err == nil || !strings.Contains(err.Error(), `"first"`) {
		t.Errorf("Create() error = %v, want it to name the missing identity trait", err)
	}
}

func TestAnonymousObjects(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	a := mustCreate(t, s, note, map[string]any{"text": "a"})
	b := mustCreate(t, s, note, map[string]any{"text": "a"})

	if a == b {
		t.Error("Create() of an anonymous class returned the same instance twice")
	}
	if !a.Identity().IsZero() {
		t.Errorf("Identity() = %v, want the zero Identity", a.Identity())
	}
	if got := a.String(); !strings.HasPrefix(got, "<anonymous note ") {
		t.Errorf("String() = %q, want an anonymous description", got)
	}
	if got := f.rt.Cached(); got != 0 {
		t.Errorf("Cached() = %d, want 0", got)
	}

	var notStorable *traitable.NotStorableError
	if err := s.Save(t.Context(), a); !errors.As(err, &notStorable) {
		t.Errorf("Save() error = %v, want a NotStorableError", err)
	}
	if _, err := s.Load(t.Context(), note, "a"); !errors.As(err, &notStorable) {
		t.Errorf("Load() error = %v, want a NotStorableError", err)
	}
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})
	if err := p.Set(s, "employer", a); !errors.As(err, &notStorable) {
		t.Errorf("Set(employer) to an anonymous object error = %v, want a NotStorableError", err)
	}
}

func TestReferences(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	acme := mustCreate(t, s, company, map[string]any{"name": "Acme"})
	p := mustCreate(t, s, person, map[string]any{"last": "Doe", "first": "John"})
	want := traitable.Identity{Collection: "company", Key: "Acme"}

	for _, ref := range []any{acme, want, "Acme"} {
		mustSet(t, s, p, "employer", ref)
		if got := mustGet(t, s, p, "employer"); got != want {
			t.Errorf("employer set from %T = %v, want %v", ref, got, want)
		}
	}

	err := p.Set(s, "employer", traitable.Identity{Collection: "country", Key: "NL"})
	if err == nil || !strings.Contains(err.Error(), "want collection company") {
		t.Errorf("Set(employer) to a country error = %v, want a collection mismatch", err)
	}

	snapshot, err := p.Snapshot(s)
	if err != nil {
		t.Fatal(err)
	}
	wantSnapshot := map[string]any{"last": "Doe", "first": "John", "age": 0, "employer": "company/Acme"}
	if diff := cmp.Diff(wantSnapshot, snapshot); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotOmitsUnsetAndKeepsNull(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	c := mustCreate(t, s, company, map[string]any{"name": "Initech", "city": nil})

	snapshot, err := c.Snapshot(s)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"name": "Initech", "city": nil}
	if diff := cmp.Diff(want, snapshot); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentityFormatter(t *testing.T) {
	ticket := traitable.MustClass("ticket",
		traitable.Data("number", traitable.TypeOf[int](),
			traitable.WithFlags(traitable.IsIdentity),
			traitable.WithFormatter(func(v any) string {
				n, _ := v.(int)
				return "T-" + strconv.Itoa(n)
			}),
		),
	)
	f := newFixture(t)
	s := f.session(t)
	o := mustCreate(t, s, ticket, map[string]any{"number": 42})
	if got := o.Identity().Key; got != "T-42" {
		t.Errorf("Identity().Key = %q, want T-42", got)
	}
}

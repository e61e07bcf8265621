package traitable_test

import (
	"strings"
	"testing"

	"github.com/go-digitaltwin/go-traitable"
	"github.com/google/go-cmp/cmp"
)

func TestNewClassRejectsInvalidSchemas(t *testing.T) {
	noop := func(*traitable.Session, *traitable.Object) (any, error) { return nil, nil }
	str := traitable.TypeOf[string]()

	tests := []struct {
		name    string
		class   string
		opts    []traitable.ClassOption
		wantErr string
	}{
		{name: "empty class name", class: "", wantErr: "class name must not be empty"},
		{name: "empty trait name", class: "c", opts: []traitable.ClassOption{traitable.Data("", str)}, wantErr: "trait name must not be empty"},
		{name: "reserved trait name", class: "c", opts: []traitable.ClassOption{traitable.Data("_rev", str)}, wantErr: "reserved"},
		{name: "duplicate trait", class: "c", opts: []traitable.ClassOption{traitable.Data("a", str), traitable.Data("a", str)}, wantErr: `duplicate trait "a"`},
		{name: "nil type", class: "c", opts: []traitable.ClassOption{traitable.Data("a", nil)}, wantErr: "type must not be nil"},
		{name: "computed without getter", class: "c", opts: []traitable.ClassOption{traitable.Computed("a", str, nil)}, wantErr: "requires a getter"},
		{name: "reference without target", class: "c", opts: []traitable.ClassOption{traitable.Reference("a", "")}, wantErr: "requires a target"},
		{
			name:    "computed identity",
			class:   "c",
			opts:    []traitable.ClassOption{traitable.Computed("a", str, noop, traitable.WithFlags(traitable.IsIdentity))},
			wantErr: "only data traits can be part of the identity",
		},
		{
			name:    "eval once data trait",
			class:   "c",
			opts:    []traitable.ClassOption{traitable.Data("a", str, traitable.WithFlags(traitable.EvalOnce))},
			wantErr: "only computed traits can be evaluated once",
		},
		{
			name:    "unconvertible default",
			class:   "c",
			opts:    []traitable.ClassOption{traitable.Data("a", traitable.TypeOf[int](), traitable.WithDefault("many"))},
			wantErr: `trait "a": default`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := traitable.NewClass(tt.class, tt.opts...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewClass() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMustClassPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustClass() of an invalid schema did not panic")
		}
	}()
	traitable.MustClass("")
}

func TestClassMetadata(t *testing.T) {
	if got := person.Name(); got != "person" {
		t.Errorf("Name() = %q, want person", got)
	}
	if !person.Identifiable() || !person.KeepsHistory() {
		t.Error("person should be identifiable and keep history")
	}
	if note.Identifiable() || country.KeepsHistory() {
		t.Error("note should not be identifiable, country should not keep history")
	}

	var names []string
	for _, d := range person.Traits() {
		names = append(names, d.Name+":"+d.Kind.String())
	}
	want := []string{"last:data", "first:data", "age:data", "employer:reference", "is_adult:computed"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Traits() mismatch (-want +got):\n%s", diff)
	}

	d, err := person.Resolve("is_adult")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Flags.Has(traitable.Derived) || d.Stored() {
		t.Errorf("is_adult flags = %v, stored = %t; want derived and not stored", d.Flags, d.Stored())
	}
	d, err = person.Resolve("employer")
	if err != nil {
		t.Fatal(err)
	}
	if d.Target != "company" || d.Type != traitable.TypeOf[traitable.Identity]() {
		t.Errorf("employer = %+v, want a reference to company", d)
	}
}

func TestDefaultIsConverted(t *testing.T) {
	c, err := traitable.NewClass("gadget", traitable.Data("count", traitable.TypeOf[int](), traitable.WithDefault("12")))
	if err != nil {
		t.Fatal(err)
	}
	d, err := c.Resolve("count")
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Default.Any(); got != 12 {
		t.Errorf("Default = %v (%T), want 12 (int)", got, got)
	}
}

package traitable_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-digitaltwin/go-traitable"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    traitable.Identity
		wantErr bool
	}{
		{in: "person/Doe|John", want: traitable.Identity{Collection: "person", Key: "Doe|John"}},
		{in: "files/a/b/c", want: traitable.Identity{Collection: "files", Key: "a/b/c"}},
		{in: "person", wantErr: true},
		{in: "/key", wantErr: true},
		{in: "person/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := traitable.ParseIdentity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIdentity(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIdentity(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != tt.in {
			t.Errorf("ParseIdentity(%q).String() = %q", tt.in, got.String())
		}
	}
}

func TestIdentityText(t *testing.T) {
	type ref struct {
		Of traitable.Identity `json:"of"`
	}
	in := ref{Of: traitable.Identity{Collection: "company", Key: "Acme"}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), `{"of":"company/Acme"}`; got != want {
		t.Errorf("json.Marshal() = %s, want %s", got, want)
	}
	var out ref
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip = %v, want %v", out, in)
	}
	if got := (traitable.Identity{}).String(); got != "<anonymous>" {
		t.Errorf("zero Identity String() = %q, want <anonymous>", got)
	}
}

func TestIdentityOf(t *testing.T) {
	id, err := person.IdentityOf(map[string]any{"first": "John", "last": "Doe", "age": 3})
	if err != nil {
		t.Fatal(err)
	}
	if want := (traitable.Identity{Collection: "person", Key: "Doe|John"}); id != want {
		t.Errorf("IdentityOf() = %v, want %v", id, want)
	}

	if _, err := person.IdentityOf(map[string]any{"last": "Doe", "first": nil}); err == nil {
		t.Error("IdentityOf() with a null identity trait succeeded")
	}

	var notStorable *traitable.NotStorableError
	if _, err := note.IdentityOf(map[string]any{"text": "x"}); !errors.As(err, &notStorable) {
		t.Errorf("IdentityOf() of an anonymous class error = %v, want a NotStorableError", err)
	}
}

func TestKeyOf(t *testing.T) {
	event := traitable.MustClass("event",
		traitable.Data("at", traitable.TypeOf[time.Time](), traitable.WithFlags(traitable.IsIdentity)),
		traitable.Data("seq", traitable.TypeOf[int](), traitable.WithFlags(traitable.IsIdentity)),
	)
	at := time.Date(2024, time.May, 4, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	key, err := event.KeyOf(at, 7)
	if err != nil {
		t.Fatal(err)
	}
	if want := "2024-05-04T10:00:00Z|7"; key != want {
		t.Errorf("KeyOf() = %q, want %q", key, want)
	}
	if _, err := event.KeyOf(at); err == nil {
		t.Error("KeyOf() with too few values succeeded")
	}
}

func TestIdentityRejectsAmbiguousKeys(t *testing.T) {
	for _, values := range []map[string]any{
		{"last": "Doe|Smith", "first": "John"},
		{"last": "Doe", "first": "Smith|John"},
	} {
		if _, err := person.IdentityOf(values); !errors.Is(err, traitable.ErrInvalidIdentity) {
			t.Errorf("IdentityOf(%v) error = %v, want ErrInvalidIdentity", values, err)
		}
	}
	if _, err := person.KeyOf("Doe", "Smith|John"); !errors.Is(err, traitable.ErrInvalidIdentity) {
		t.Errorf("KeyOf() error = %v, want ErrInvalidIdentity", err)
	}

	f := newFixture(t)
	s := f.session(t)
	if _, err := s.Create(person, map[string]any{"last": "Doe|Smith", "first": "John"}); !errors.Is(err, traitable.ErrInvalidIdentity) {
		t.Errorf("Create() error = %v, want ErrInvalidIdentity", err)
	}

	// A single identity trait cannot collide.
	id, err := company.IdentityOf(map[string]any{"name": "Smith|Wesson"})
	if err != nil || id.Key != "Smith|Wesson" {
		t.Errorf("IdentityOf() = %v, %v; want key Smith|Wesson", id, err)
	}
}

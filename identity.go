package traitable

import (
	"fmt"
	"strings"
)

// KeySeparator joins the formatted identity trait values of a multi-trait
// identity, e.g. "Doe|John".
const KeySeparator = "|"

// Identity is the stable key of a persisted object: the collection (class name)
// it belongs to and its identity value within that collection.
type Identity struct {
	Collection string
	Key        string
}

var identityType = TypeOf[Identity]()

// IsZero reports whether id is the zero Identity.
func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) String() string {
	if id.IsZero() {
		return "<anonymous>"
	}
	return id.Collection + "/" + id.Key
}

// ParseIdentity parses the "collection/key" form produced by Identity.String.
// Keys may themselves contain slashes; only the first one separates.
func ParseIdentity(s string) (Identity, error) {
	collection, key, ok := strings.Cut(s, "/")
	if !ok || collection == "" || key == "" {
		return Identity{}, fmt.Errorf("traitable: malformed identity %q", s)
	}
	return Identity{Collection: collection, Key: key}, nil
}

// MarshalText implements encoding.TextMarshaler so that identities embedded in
// reference traits serialise as plain strings.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IdentityOf composes the identity of an object of class c holding the given
// values. Every identity trait must be Some; Null or Unset identity traits are
// rejected.
func (c *Class) IdentityOf(values map[string]any) (Identity, error) {
	if err := c.storable(); err != nil {
		return Identity{}, err
	}
	parts := make([]string, 0, len(c.identity))
	for _, d := range c.identity {
		v, ok := values[d.Name]
		if !ok || v == nil {
			if x, set := d.Default.Get(); set {
				v = x
			} else {
				return Identity{}, fmt.Errorf("traitable: %s: identity trait %q is not set", c.name, d.Name)
			}
		}
		parts = append(parts, d.format(v))
	}
	key, err := c.joinKey(parts)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Collection: c.name, Key: key}, nil
}

// identityOf composes the identity from the values an object currently holds.
func (c *Class) identityOf(data map[string]Value) (Identity, error) {
	values := make(map[string]any, len(c.identity))
	for _, d := range c.identity {
		if x, ok := data[d.Name].Get(); ok {
			values[d.Name] = x
		}
	}
	return c.IdentityOf(values)
}

// KeyOf composes the key of an object of class c from the identity values given
// in declaration order. It is a shorthand for lookups by key.
func (c *Class) KeyOf(values ...any) (string, error) {
	if err := c.storable(); err != nil {
		return "", err
	}
	if len(values) != len(c.identity) {
		return "", fmt.Errorf("traitable: %s: want %d identity values, got %d", c.name, len(c.identity), len(values))
	}
	parts := make([]string, len(values))
	for i, d := range c.identity {
		parts[i] = d.format(values[i])
	}
	return c.joinKey(parts)
}

// joinKey joins formatted identity values. With several identity traits, a
// value containing KeySeparator is rejected: ("a|b", "c") and ("a", "b|c")
// would share a key.
func (c *Class) joinKey(parts []string) (string, error) {
	if len(parts) > 1 {
		for i, part := range parts {
			if strings.Contains(part, KeySeparator) {
				return "", fmt.Errorf("%s: identity trait %q value %q contains %q: %w", c.name, c.identity[i].Name, part, KeySeparator, ErrInvalidIdentity)
			}
		}
	}
	return strings.Join(parts, KeySeparator), nil
}

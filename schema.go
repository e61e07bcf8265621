package traitable

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Kind tags a Definition as one of the three trait variants.
type Kind uint8

const (
	// DataTrait is stored and persisted.
	DataTrait Kind = iota
	// ComputedTrait is derived by a Getter and memoized by the graph engine.
	ComputedTrait
	// ReferenceTrait stores the Identity of another persisted object.
	ReferenceTrait
)

func (k Kind) String() string {
	switch k {
	case DataTrait:
		return "data"
	case ComputedTrait:
		return "computed"
	case ReferenceTrait:
		return "reference"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Flag is a set of advisory trait flags.
type Flag uint8

const (
	// IsIdentity marks a data trait as part of the object's identity.
	IsIdentity Flag = 1 << iota
	// EvalOnce keeps a computed value cached even when its dependencies change;
	// only an explicit Invalidate recomputes it.
	EvalOnce
	// Expensive is a diagnostic hint: evaluations are timed and logged.
	Expensive
	// Derived marks a trait as read-only. Computed traits are always Derived.
	Derived
)

// Has reports whether all flags in x are set in f.
func (f Flag) Has(x Flag) bool { return f&x == x }

type (
	// A Getter computes the value of a computed trait. It reads other traits
	// through the given session, which records them as dependencies.
	Getter func(s *Session, o *Object) (any, error)
	// A Setter intercepts writes to a data trait. It commits by calling
	// o.Store; a Setter that never calls Store leaves the trait untouched and
	// invalidates nothing.
	Setter func(s *Session, o *Object, v any) error
	// A Converter turns a value of some source type into the declared type.
	Converter func(v any) (any, error)
	// A Formatter renders a trait value, e.g. as part of an identity key.
	Formatter func(v any) string
)

// Definition is the static metadata of one trait of one class. It is immutable
// once its Class is constructed and shared by every instance.
type Definition struct {
	Name    string
	Type    reflect.Type
	Kind    Kind
	Flags   Flag
	Default Value
	// Target names the collection referenced by a ReferenceTrait.
	Target string

	getter     Getter
	setter     Setter
	converters map[reflect.Type]Converter
	fromAny    Converter
	formatter  Formatter
}

// Stored reports whether the trait is part of persisted documents.
func (d *Definition) Stored() bool { return d.Kind != ComputedTrait }

// converter returns the converter registered for the given source type,
// falling back to the "from any" converter.
func (d *Definition) converter(from reflect.Type) Converter {
	if c, ok := d.converters[from]; ok {
		return c
	}
	return d.fromAny
}

func (d *Definition) format(v any) string {
	if d.formatter != nil {
		return d.formatter(v)
	}
	return formatKey(v)
}

// A TraitOption customises a single Definition.
type TraitOption func(*Definition)

// WithDefault sets the value a data trait reads as until it is assigned.
func WithDefault(v any) TraitOption {
	return func(d *Definition) { d.Default = Some(v) }
}

// WithFlags adds flags to the trait.
func WithFlags(f Flag) TraitOption {
	return func(d *Definition) { d.Flags |= f }
}

// WithSetter binds a setter to a data trait.
func WithSetter(fn Setter) TraitOption {
	return func(d *Definition) { d.setter = fn }
}

// WithConverter binds a converter chosen when the written value has the given
// source type.
func WithConverter(from reflect.Type, fn Converter) TraitOption {
	return func(d *Definition) {
		if d.converters == nil {
			d.converters = make(map[reflect.Type]Converter)
		}
		d.converters[from] = fn
	}
}

// WithFromAny replaces the generic fallback converter of the trait.
func WithFromAny(fn Converter) TraitOption {
	return func(d *Definition) { d.fromAny = fn }
}

// WithFormatter binds a formatter to the trait.
func WithFormatter(fn Formatter) TraitOption {
	return func(d *Definition) { d.formatter = fn }
}

// Class is the schema shared by all instances of one kind of object. The class
// name doubles as the collection name under which instances persist.
type Class struct {
	name     string
	traits   []*Definition
	index    map[string]*Definition
	identity []*Definition
	history  bool
}

// A ClassOption contributes a trait or a class-wide setting to NewClass.
type ClassOption func(*Class) error

// Data declares a stored trait of the given type.
func Data(name string, typ reflect.Type, opts ...TraitOption) ClassOption {
	return func(c *Class) error {
		return c.define(&Definition{Name: name, Type: typ, Kind: DataTrait}, opts)
	}
}

// Computed declares a derived trait evaluated by get.
func Computed(name string, typ reflect.Type, get Getter, opts ...TraitOption) ClassOption {
	return func(c *Class) error {
		if get == nil {
			return fmt.Errorf("trait %q: computed trait requires a getter", name)
		}
		return c.define(&Definition{Name: name, Type: typ, Kind: ComputedTrait, Flags: Derived, getter: get}, opts)
	}
}

// Reference declares a stored trait holding the Identity of an object of the
// target collection.
func Reference(name, target string, opts ...TraitOption) ClassOption {
	return func(c *Class) error {
		if target == "" {
			return fmt.Errorf("trait %q: reference requires a target collection", name)
		}
		return c.define(&Definition{Name: name, Type: identityType, Kind: ReferenceTrait, Target: target}, opts)
	}
}

// KeepHistory makes every save of the class record a HistoryEntry.
func KeepHistory() ClassOption {
	return func(c *Class) error {
		c.history = true
		return nil
	}
}

// NewClass resolves the given options into an immutable trait table.
func NewClass(name string, opts ...ClassOption) (*Class, error) {
	if name == "" {
		return nil, errors.New("traitable: class name must not be empty")
	}
	c := &Class{name: name, index: make(map[string]*Definition)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("traitable: class %s: %w", name, err)
		}
	}
	return c, nil
}

// MustClass is like NewClass but panics on a schema error. It simplifies
// package-level class declarations.
func MustClass(name string, opts ...ClassOption) *Class {
	c, err := NewClass(name, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Class) define(d *Definition, opts []TraitOption) error {
	if d.Name == "" {
		return errors.New("trait name must not be empty")
	}
	if strings.HasPrefix(d.Name, "_") {
		return fmt.Errorf("trait %q: names starting with an underscore are reserved", d.Name)
	}
	if _, dup := c.index[d.Name]; dup {
		return fmt.Errorf("duplicate trait %q", d.Name)
	}
	if d.Type == nil {
		return fmt.Errorf("trait %q: type must not be nil", d.Name)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.Kind == ComputedTrait {
		d.Flags |= Derived
	}
	if d.Flags.Has(IsIdentity) && d.Kind != DataTrait {
		return fmt.Errorf("trait %q: only data traits can be part of the identity", d.Name)
	}
	if d.Flags.Has(EvalOnce) && d.Kind != ComputedTrait {
		return fmt.Errorf("trait %q: only computed traits can be evaluated once", d.Name)
	}
	if d.fromAny == nil {
		d.fromAny = defaultFromAny(d.Type)
	}
	if x, ok := d.Default.Get(); ok && !assignable(d.Type, x) {
		if d.fromAny == nil {
			return fmt.Errorf("trait %q: default %T is not a %v", d.Name, x, d.Type)
		}
		converted, err := d.fromAny(x)
		if err != nil {
			return fmt.Errorf("trait %q: default: %w", d.Name, err)
		}
		d.Default = Some(converted)
	}

	c.traits = append(c.traits, d)
	c.index[d.Name] = d
	if d.Flags.Has(IsIdentity) {
		c.identity = append(c.identity, d)
	}
	return nil
}

// Name returns the class name, which is also its collection name.
func (c *Class) Name() string { return c.name }

// Resolve returns the Definition of the named trait.
func (c *Class) Resolve(name string) (*Definition, error) {
	d, ok := c.index[name]
	if !ok {
		return nil, &UnknownTraitError{Class: c.name, Trait: name}
	}
	return d, nil
}

// Traits returns the definitions in declaration order.
func (c *Class) Traits() []*Definition {
	return append([]*Definition(nil), c.traits...)
}

// Identifiable reports whether the class declares identity traits.
func (c *Class) Identifiable() bool { return len(c.identity) > 0 }

// KeepsHistory reports whether saves of the class record history entries.
func (c *Class) KeepsHistory() bool { return c.history }

func (c *Class) String() string { return c.name }

// storable returns a *NotStorableError if instances of c cannot be persisted.
func (c *Class) storable() error {
	if !c.Identifiable() {
		return &NotStorableError{Class: c.name, Reason: "no identity traits declared"}
	}
	return nil
}

package traitable

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Object is an instance of a Class: the live representation of one identity.
//
// Objects are created through a Session (Create, Load) and are shared by every
// session of a Runtime. At most one registered Object exists per identity;
// historical snapshots returned under an AsOf context are detached copies that
// are never registered.
type Object struct {
	rt         *Runtime
	class      *Class
	registered atomic.Bool
	origin     *origin // Non-nil for detached historical snapshots.

	mu     sync.Mutex
	id     Identity
	rev    int64
	dirty  bool
	writes uint64 // Incremented by every raw store.
	data   map[string]Value
}

// origin records where a detached historical snapshot came from.
type origin struct {
	at  time.Time
	rev int64
}

func (rt *Runtime) newObject(c *Class) *Object {
	return &Object{rt: rt, class: c, data: make(map[string]Value), dirty: true}
}

// Class returns the class of o.
func (o *Object) Class() *Class { return o.class }

// Identity returns the identity of o; the zero Identity for instances of
// non-identifiable classes.
func (o *Object) Identity() Identity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Revision returns the revision of the last document saved or loaded into o,
// or zero when o was never persisted.
func (o *Object) Revision() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rev
}

// Dirty reports whether o holds stored values that were not saved yet.
func (o *Object) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// Historical reports whether o is a detached snapshot and, if so, the AsOf time
// it was reconstructed for.
func (o *Object) Historical() (time.Time, bool) {
	if o.origin == nil {
		return time.Time{}, false
	}
	return o.origin.at, true
}

// tracked reports whether the graph keeps state for o. Only registered live
// objects are memoized; detached snapshots, anonymous objects and handles that
// left the cache recompute their computed traits on every read.
func (o *Object) tracked() bool {
	return o.origin == nil && o.registered.Load()
}

// describe names o in errors and logs.
func (o *Object) describe() string {
	id := o.Identity()
	if id.IsZero() {
		return fmt.Sprintf("<anonymous %s %p>", o.class.name, o)
	}
	if o.origin != nil {
		return id.String() + "@" + o.origin.at.Format(time.RFC3339Nano)
	}
	return id.String()
}

func (o *Object) String() string { return o.describe() }

// Get returns the value of the named trait, or nil when it is Unset or Null.
func (o *Object) Get(s *Session, name string) (any, error) {
	v, err := o.Lookup(s, name)
	if err != nil {
		return nil, err
	}
	return v.Any(), nil
}

// Get returns the value of the named trait as a T. Unset and Null read as the
// zero T.
func Get[T any](s *Session, o *Object, name string) (T, error) {
	var zero T
	v, err := o.Lookup(s, name)
	if err != nil {
		return zero, err
	}
	x, ok := v.Get()
	if !ok {
		return zero, nil
	}
	t, ok := x.(T)
	if !ok {
		return zero, &TypeError{Class: o.class.name, Trait: name, Want: TypeOf[T](), Got: reflect.TypeOf(x)}
	}
	return t, nil
}

// Lookup returns the Value of the named trait.
//
// Reading a data or reference trait returns its stored value (or default).
// Reading a computed trait of a registered object returns its memoized value
// when graph tracking is on and the value is cached; otherwise it invokes the getter, recording every
// trait the getter reads as a dependency of the computed trait.
func (o *Object) Lookup(s *Session, name string) (Value, error) {
	if err := s.reachable(o); err != nil {
		return Value{}, err
	}
	d, err := o.class.Resolve(name)
	if err != nil {
		return Value{}, err
	}
	k := nodeKey{obj: o, trait: name}
	s.record(k)
	if d.Kind != ComputedTrait {
		return o.stored(d), nil
	}
	return o.evaluate(s, d, k)
}

// stored returns the value held for a data or reference trait, falling back to
// the trait's default.
func (o *Object) stored(d *Definition) Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.data[d.Name]; ok && !v.IsUnset() {
		return v
	}
	return d.Default
}

func (o *Object) evaluate(s *Session, d *Definition, k nodeKey) (Value, error) {
	tracking := s.Flags().Graph && o.tracked()
	if tracking {
		if v, ok := o.rt.graph.lookup(k); ok {
			o.rt.stats.hits.Add(1)
			return v, nil
		}
	}

	f, err := s.enter(k)
	if err != nil {
		return Value{}, err
	}
	start := o.rt.graph.version(k)
	began := time.Now()
	v, err := o.callGetter(s, d)
	s.exit(f)
	o.rt.measureEvaluation(o.class.name, err == nil)
	if d.Flags.Has(Expensive) {
		s.logger.Debug("Evaluated expensive trait",
			"trait", k.String(),
			"duration", time.Since(began),
			"error", err,
		)
	}
	if err != nil {
		return Value{}, wrapMethodError(o, d.Name, "getter", err)
	}
	if tracking && !f.volatile {
		o.rt.graph.commit(k, v, d.Flags.Has(EvalOnce), start, f.sources)
	}
	return v, nil
}

func (o *Object) callGetter(s *Session, d *Definition) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	x, err := d.getter(s, o)
	if err != nil {
		return Value{}, err
	}
	return Some(x), nil
}

// Set writes the named data or reference trait.
//
// The value is validated and converted according to the session's effective
// flags, then handed to the trait's setter if one is bound, or stored directly
// otherwise. A setter commits by calling Store; when it does not, the write is
// considered not to have happened.
func (o *Object) Set(s *Session, name string, v any) error {
	if err := s.reachable(o); err != nil {
		return err
	}
	d, err := o.class.Resolve(name)
	if err != nil {
		return err
	}
	if d.Kind == ComputedTrait || d.Flags.Has(Derived) {
		return fmt.Errorf("set %s.%s: %w", o.class.name, name, ErrReadOnlyTrait)
	}
	x, err := o.prepare(s, d, v)
	if err != nil {
		return err
	}
	if d.setter != nil {
		return o.callSetter(s, d, x)
	}
	return o.store(s, d, x)
}

func (o *Object) callSetter(s *Session, d *Definition, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapMethodError(o, d.Name, "setter", fmt.Errorf("panic: %v", r))
		}
	}()
	return wrapMethodError(o, d.Name, "setter", d.setter(s, o, v))
}

// prepare applies the debug and convert modes to a written value.
func (o *Object) prepare(s *Session, d *Definition, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if d.Kind == ReferenceTrait {
		if id, ok, err := o.reference(d, v); ok || err != nil {
			return id, err
		}
	}
	if assignable(d.Type, v) {
		return v, nil
	}

	mode := s.Flags()
	from := reflect.TypeOf(v)
	if !mode.Convert {
		if mode.Debug {
			return nil, &TypeError{Class: o.class.name, Trait: d.Name, Want: d.Type, Got: from}
		}
		return v, nil
	}

	convert := d.converter(from)
	if convert == nil {
		if mode.Debug {
			return nil, &ConversionError{Class: o.class.name, Trait: d.Name, From: from, To: d.Type}
		}
		return v, nil
	}
	x, err := callConverter(convert, v)
	if err == nil && !assignable(d.Type, x) {
		err = fmt.Errorf("converter returned %T", x)
	}
	if err != nil {
		if mode.Debug {
			return nil, &ConversionError{
				Class: o.class.name,
				Trait: d.Name,
				From:  from,
				To:    d.Type,
				Err:   wrapMethodError(o, d.Name, "converter", err),
			}
		}
		return v, nil
	}
	return x, nil
}

func callConverter(convert Converter, v any) (x any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return convert(v)
}

// reference normalises the accepted spellings of a reference: an *Object, an
// Identity, or a key of the target collection. ok is false when v is none of
// those.
func (o *Object) reference(d *Definition, v any) (id Identity, ok bool, err error) {
	switch x := v.(type) {
	case *Object:
		id = x.Identity()
		if id.IsZero() {
			err := x.class.storable()
			if err == nil {
				err = fmt.Errorf("%s has no identity", x.describe())
			}
			return Identity{}, true, fmt.Errorf("set %s.%s: %w", o.class.name, d.Name, err)
		}
	case Identity:
		id = x
	case string:
		id = Identity{Collection: d.Target, Key: x}
	default:
		return Identity{}, false, nil
	}
	if id.Collection != d.Target {
		return Identity{}, true, fmt.Errorf("set %s.%s: reference to %v, want collection %s", o.class.name, d.Name, id, d.Target)
	}
	return id, true, nil
}

// Store is the raw-store primitive: it commits v to the named data or reference
// trait as is, marks o dirty and, with graph tracking on, invalidates every
// computed trait that read it. Setters call Store to commit their write.
func (o *Object) Store(s *Session, name string, v any) error {
	d, err := o.class.Resolve(name)
	if err != nil {
		return err
	}
	if d.Kind == ComputedTrait {
		return fmt.Errorf("store %s.%s: %w", o.class.name, name, ErrReadOnlyTrait)
	}
	return o.store(s, d, v)
}

func (o *Object) store(s *Session, d *Definition, v any) error {
	if err := s.reachable(o); err != nil {
		return err
	}
	if d.Flags.Has(IsIdentity) && o.registered.Load() {
		if d.format(v) != d.format(o.stored(d).Any()) {
			return fmt.Errorf("store %s.%s of %s: %w", o.class.name, d.Name, o.describe(), ErrIdentityFrozen)
		}
	}

	o.mu.Lock()
	o.data[d.Name] = Some(v)
	o.dirty = true
	o.writes++
	o.mu.Unlock()

	if s.Flags().Graph && o.tracked() {
		o.rt.measureInvalidation(o.rt.graph.touch(nodeKey{obj: o, trait: d.Name}))
	}
	return nil
}

// Invalidate forces the named trait Unset, regardless of EvalOnce, and
// invalidates every computed trait that transitively read it. Invalidating a
// data trait keeps its stored value and only invalidates its dependents.
func (o *Object) Invalidate(s *Session, name string) error {
	if _, err := o.class.Resolve(name); err != nil {
		return err
	}
	if !o.tracked() {
		return nil
	}
	o.rt.measureInvalidation(o.rt.graph.invalidate(nodeKey{obj: o, trait: name}))
	return nil
}

// Snapshot returns the stored traits of o in their wire form: Null as nil,
// references as "collection/key" strings; Unset traits without default are
// omitted.
func (o *Object) Snapshot(s *Session) (map[string]any, error) {
	if err := s.reachable(o); err != nil {
		return nil, err
	}
	snapshot, _ := o.snapshot()
	return snapshot, nil
}

// snapshot also returns the write count the snapshot reflects.
func (o *Object) snapshot() (map[string]any, uint64) {
	o.mu.Lock()
	writes := o.writes
	o.mu.Unlock()
	out := make(map[string]any)
	for _, d := range o.class.traits {
		if !d.Stored() {
			continue
		}
		v := o.stored(d)
		switch {
		case v.IsUnset():
			continue
		case v.IsNull():
			out[d.Name] = nil
		default:
			x, _ := v.Get()
			if id, ok := x.(Identity); ok {
				x = id.String()
			}
			out[d.Name] = x
		}
	}
	return out, writes
}

// decode turns the wire form of a stored trait back into a Value of the declared
// type.
func (d *Definition) decode(class string, raw any) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	if d.Kind == ReferenceTrait {
		switch x := raw.(type) {
		case Identity:
			return Some(x), nil
		case string:
			if id, err := ParseIdentity(x); err == nil {
				return Some(id), nil
			}
			return Some(Identity{Collection: d.Target, Key: x}), nil
		}
	}
	if assignable(d.Type, raw) || d.fromAny == nil {
		return Some(raw), nil
	}
	x, err := callConverter(d.fromAny, raw)
	if err != nil {
		return Value{}, &ConversionError{Class: class, Trait: d.Name, From: reflect.TypeOf(raw), To: d.Type, Err: err}
	}
	return Some(x), nil
}

// decodeSnapshot converts a wire-form snapshot into trait values.
func (c *Class) decodeSnapshot(snapshot map[string]any) (map[string]Value, error) {
	data := make(map[string]Value, len(c.traits))
	var errs []error
	for _, d := range c.traits {
		if !d.Stored() {
			continue
		}
		raw, ok := snapshot[d.Name]
		if !ok {
			continue
		}
		v, err := d.decode(c.name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data[d.Name] = v
	}
	return data, errors.Join(errs...)
}

// replace swaps the stored values of o for data, as read from a document at the
// given revision, and invalidates every computed trait that depended on o.
func (o *Object) replace(data map[string]Value, rev int64) {
	o.mu.Lock()
	o.data = data
	o.rev = rev
	o.dirty = false
	o.mu.Unlock()
	o.invalidateAll()
}

// revert swaps the stored values of o for historical ones, keeping its revision
// so that a following save commits them as a new revision.
func (o *Object) revert(data map[string]Value) {
	o.mu.Lock()
	o.data = data
	o.dirty = true
	o.writes++
	o.mu.Unlock()
	o.invalidateAll()
}

// committed records a successful save of the snapshot taken at the given write
// count. o stays dirty if it was written since.
func (o *Object) committed(rev int64, writes uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rev = rev
	o.dirty = o.writes != writes
}

// invalidateAll invalidates every computed trait of o and every dependent of
// its stored traits. It runs regardless of graph tracking so that all handles
// observe state swapped underneath them.
func (o *Object) invalidateAll() {
	if !o.tracked() {
		return
	}
	n := 0
	for _, d := range o.class.traits {
		k := nodeKey{obj: o, trait: d.Name}
		if d.Stored() {
			n += o.rt.graph.touch(k)
		} else {
			n += o.rt.graph.invalidate(k)
		}
	}
	o.rt.measureInvalidation(n)
}

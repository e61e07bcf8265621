package traitable

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an identity has no cached instance or no
	// stored document.
	ErrNotFound = errors.New("traitable: not found")
	// ErrWriteConflict is matched by every *WriteConflictError. Document stores
	// wrap it when the expected revision guard fails.
	ErrWriteConflict = errors.New("traitable: write conflict")
	// ErrWriteRejected is returned when saving an already persisted instance of
	// a class that keeps no history (such classes are immutable once stored).
	ErrWriteRejected = errors.New("traitable: write rejected")
	// ErrHistoryExists is returned by HistoryCollection.Append when an entry for
	// the same traitable id and revision was already recorded.
	ErrHistoryExists = errors.New("traitable: history entry already exists")
	// ErrReadOnlyTrait is returned when writing a computed trait.
	ErrReadOnlyTrait = errors.New("traitable: trait is read-only")
	// ErrIdentityFrozen is returned when changing an identity trait of an
	// instance that is already registered under its identity.
	ErrIdentityFrozen = errors.New("traitable: identity trait is frozen")
	// ErrUnknownClass is returned when a reference names a class that was not
	// registered with the Runtime.
	ErrUnknownClass = errors.New("traitable: unknown class")
	// ErrContextStackCorrupted reports that a context was popped out of order;
	// the stack has been repaired by the time the error is returned.
	ErrContextStackCorrupted = errors.New("traitable: execution context stack corrupted")
	// ErrHistoricalSnapshot is returned when saving a detached historical
	// snapshot.
	ErrHistoricalSnapshot = errors.New("traitable: cannot save a historical snapshot")
	// ErrIdentityHeld is returned when saving an object whose identity is
	// registered to another object of the Runtime.
	ErrIdentityHeld = errors.New("traitable: identity held by another instance")
	// ErrInvalidIdentity is returned when identity values cannot form an
	// unambiguous key.
	ErrInvalidIdentity = errors.New("traitable: invalid identity")
	// ErrDigestMismatch is returned by HistoryEntry.Verify when a snapshot no
	// longer matches its recorded content address.
	ErrDigestMismatch = errors.New("traitable: snapshot digest mismatch")
)

// UnknownTraitError reports a schema lookup miss.
type UnknownTraitError struct {
	Class string
	Trait string
}

func (e *UnknownTraitError) Error() string {
	return fmt.Sprintf("traitable: class %s has no trait %q", e.Class, e.Trait)
}

// TypeError reports a write whose runtime type does not match the declared
// type while debug mode is on.
type TypeError struct {
	Class string
	Trait string
	Want  reflect.Type
	Got   reflect.Type
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("traitable: %s.%s: cannot assign %v to trait of type %v", e.Class, e.Trait, e.Got, e.Want)
}

// ConversionError reports that no converter could turn a written value into
// the declared type of a trait.
type ConversionError struct {
	Class string
	Trait string
	From  reflect.Type
	To    reflect.Type
	Err   error // Nil when no converter matched.
}

func (e *ConversionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("traitable: %s.%s: no converter from %v to %v", e.Class, e.Trait, e.From, e.To)
	}
	return fmt.Sprintf("traitable: %s.%s: convert %v to %v: %v", e.Class, e.Trait, e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// CyclicDependencyError reports that a computed trait was re-entered while
// being computed by the same session. Path lists the evaluation frames from the
// outermost to the re-entered one.
type CyclicDependencyError struct {
	Class    string
	Trait    string
	Identity string
	Path     []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("traitable: cyclic dependency on %s.%s of %s: %s", e.Class, e.Trait, e.Identity, strings.Join(e.Path, " -> "))
}

// TraitMethodError wraps a failure raised inside a getter, setter or converter
// with the context of the producing object.
type TraitMethodError struct {
	Class    string
	Trait    string
	Identity string
	Method   string // "getter", "setter" or "converter".
	Err      error
}

func (e *TraitMethodError) Error() string {
	return fmt.Sprintf("traitable: %s %s.%s of %s: %v", e.Method, e.Class, e.Trait, e.Identity, e.Err)
}

func (e *TraitMethodError) Unwrap() error { return e.Err }

// wrapMethodError never double-wraps: an error that already carries a
// *TraitMethodError is returned as is.
func wrapMethodError(o *Object, trait, method string, err error) error {
	if err == nil {
		return nil
	}
	var methodErr *TraitMethodError
	if errors.As(err, &methodErr) {
		return err
	}
	return &TraitMethodError{
		Class:    o.class.name,
		Trait:    trait,
		Identity: o.describe(),
		Method:   method,
		Err:      err,
	}
}

// WriteConflictError reports a revision mismatch on save.
type WriteConflictError struct {
	Identity Identity
	Expected int64
	Err      error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("traitable: write conflict on %v at expected revision %d: %v", e.Identity, e.Expected, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

func (e *WriteConflictError) Is(target error) bool { return target == ErrWriteConflict }

// NotStorableError reports an identity or history operation on a class that
// lacks the required schema.
type NotStorableError struct {
	Class  string
	Reason string
}

func (e *NotStorableError) Error() string {
	return fmt.Sprintf("traitable: class %s is not storable: %s", e.Class, e.Reason)
}

// HistoricalDataUnavailableError reports that no history entry exists at or
// before the requested time.
type HistoricalDataUnavailableError struct {
	Identity Identity
	AsOf     time.Time
}

func (e *HistoricalDataUnavailableError) Error() string {
	return fmt.Sprintf("traitable: no history for %v as of %v", e.Identity, e.AsOf.Format(time.RFC3339Nano))
}

// OriginUnreachableError reports an access to a historical snapshot outside of
// an equivalent active AsOf context.
type OriginUnreachableError struct {
	Identity Identity
	AsOf     time.Time
}

func (e *OriginUnreachableError) Error() string {
	return fmt.Sprintf("traitable: origin of %v as of %v is not reachable outside its AsOf context", e.Identity, e.AsOf.Format(time.RFC3339Nano))
}

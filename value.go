package traitable

import "fmt"

// valueState discriminates the three states a Value can be in.
type valueState uint8

const (
	stateUnset valueState = iota
	stateNull
	stateSome
)

// Value is the tri-state content of a trait slot: Unset (never assigned nor
// computed), Null (explicitly empty), or Some(v).
//
// The zero Value is Unset. Consumers pattern-match on the state rather than
// comparing against sentinels:
//
//	switch {
//	case v.IsUnset():
//		...
//	case v.IsNull():
//		...
//	default:
//		x, _ := v.Get()
//		...
//	}
type Value struct {
	state valueState
	v     any
}

// Unset returns the Value of a slot that was never assigned.
func Unset() Value { return Value{} }

// Null returns an explicitly empty Value.
func Null() Value { return Value{state: stateNull} }

// Some wraps v. A nil v yields Null, so that "computed to nil" and "never
// computed" stay distinguishable.
func Some(v any) Value {
	if v == nil {
		return Null()
	}
	return Value{state: stateSome, v: v}
}

func (v Value) IsUnset() bool { return v.state == stateUnset }
func (v Value) IsNull() bool  { return v.state == stateNull }

// Get returns the wrapped value and true when v is Some.
func (v Value) Get() (any, bool) {
	if v.state != stateSome {
		return nil, false
	}
	return v.v, true
}

// Any returns the wrapped value, or nil when v is Unset or Null.
func (v Value) Any() any {
	x, _ := v.Get()
	return x
}

func (v Value) String() string {
	switch v.state {
	case stateUnset:
		return "<unset>"
	case stateNull:
		return "<null>"
	default:
		return fmt.Sprint(v.v)
	}
}

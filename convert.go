package traitable

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

// TypeOf returns the reflect.Type of T, including interface types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

var (
	timeType     = TypeOf[time.Time]()
	durationType = TypeOf[time.Duration]()
)

// assignable reports whether v can be stored as-is in a trait of type t. A nil
// v is always assignable (it is stored as Null).
func assignable(t reflect.Type, v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).AssignableTo(t)
}

// defaultFromAny returns the generic converter for the declared type t, or nil
// when no generic conversion is known (interfaces, channels, functions).
//
// Scalars go through cast; composite types are decoded with mapstructure, which
// is how documents read back from a store (maps, float64 numbers, strings) are
// turned into struct-typed traits.
func defaultFromAny(t reflect.Type) Converter {
	switch t {
	case timeType:
		return scalar(t, func(v any) (any, error) { return cast.ToTimeE(v) })
	case durationType:
		return scalar(t, func(v any) (any, error) { return cast.ToDurationE(v) })
	case identityType:
		return nil // Reference traits normalise their own inputs.
	}

	switch t.Kind() {
	case reflect.String:
		return scalar(t, func(v any) (any, error) { return cast.ToStringE(v) })
	case reflect.Bool:
		return scalar(t, func(v any) (any, error) { return cast.ToBoolE(v) })
	case reflect.Int:
		return scalar(t, func(v any) (any, error) { return cast.ToIntE(v) })
	case reflect.Int8:
		return scalar(t, func(v any) (any, error) { return cast.ToInt8E(v) })
	case reflect.Int16:
		return scalar(t, func(v any) (any, error) { return cast.ToInt16E(v) })
	case reflect.Int32:
		return scalar(t, func(v any) (any, error) { return cast.ToInt32E(v) })
	case reflect.Int64:
		return scalar(t, func(v any) (any, error) { return cast.ToInt64E(v) })
	case reflect.Uint:
		return scalar(t, func(v any) (any, error) { return cast.ToUintE(v) })
	case reflect.Uint8:
		return scalar(t, func(v any) (any, error) { return cast.ToUint8E(v) })
	case reflect.Uint16:
		return scalar(t, func(v any) (any, error) { return cast.ToUint16E(v) })
	case reflect.Uint32:
		return scalar(t, func(v any) (any, error) { return cast.ToUint32E(v) })
	case reflect.Uint64:
		return scalar(t, func(v any) (any, error) { return cast.ToUint64E(v) })
	case reflect.Float32:
		return scalar(t, func(v any) (any, error) { return cast.ToFloat32E(v) })
	case reflect.Float64:
		return scalar(t, func(v any) (any, error) { return cast.ToFloat64E(v) })
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		return decodeInto(t)
	default:
		return nil
	}
}

// scalar adapts a cast function so that named types (e.g. type Celsius
// float64) come out with the declared type rather than their underlying one.
func scalar(t reflect.Type, fn func(any) (any, error)) Converter {
	return func(v any) (any, error) {
		x, err := fn(v)
		if err != nil {
			return nil, err
		}
		rv := reflect.ValueOf(x)
		if rv.Type() == t {
			return x, nil
		}
		if !rv.Type().ConvertibleTo(t) {
			return nil, fmt.Errorf("cannot convert %v to %v", rv.Type(), t)
		}
		return rv.Convert(t).Interface(), nil
	}
}

func decodeInto(t reflect.Type) Converter {
	return func(v any) (any, error) {
		out := reflect.New(t)
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           out.Interface(),
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
				mapstructure.StringToTimeDurationHookFunc(),
			),
		})
		if err != nil {
			return nil, fmt.Errorf("mapstructure: %w", err)
		}
		if err := dec.Decode(v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		return out.Elem().Interface(), nil
	}
}

// formatKey renders an identity trait value as part of an identity key.
func formatKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Package dom implements the document model used to represent templates: a
// tree of JSON-shaped values addressed by RFC 6901 pointers.
//
// Values are plain Go values so they interoperate with encoding/json:
//
//	object -> map[string]any
//	array  -> []any
//	string -> string
//	number -> float64
//	bool   -> bool
//	null   -> nil
//
// Use Normalize to convert Go literals (ints, typed maps and slices) into the
// canonical representation before storing them in a document.
package dom

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Value is a node of a document tree in canonical representation.
type Value = any

// Object is the canonical representation of a document object.
type Object = map[string]any

// Array is the canonical representation of a document array.
type Array = []any

// Kind identifies the type of a document value.
type Kind int

const (
	// KindInvalid marks a value that is not part of the canonical representation.
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// KindOf reports the kind of a canonical value.
func KindOf(v Value) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindInvalid
	}
}

// Clone returns a deep copy of v. Scalars are returned as-is.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b are structurally identical documents.
func Equal(a, b Value) bool {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case float64:
		bt, ok := b.(float64)
		return ok && (at == bt || (math.IsNaN(at) && math.IsNaN(bt)))
	default:
		return a == b
	}
}

// Normalize converts v into the canonical representation. It accepts the
// canonical types plus Go integer and float types, typed maps with string
// keys, and typed slices.
func Normalize(v any) (Value, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", EscapeToken(k), err)
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, fmt.Errorf("%d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// MustNormalize is Normalize for literals known to be valid. It panics on error.
func MustNormalize(v any) Value {
	n, err := Normalize(v)
	if err != nil {
		panic(err)
	}
	return n
}

// SortedKeys returns the keys of obj in ascending order.
func SortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsObject returns v as an object when it is one.
func AsObject(v Value) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	return obj, ok
}

// EnsureObject returns obj[key] as an object, creating an empty one when the
// key is absent or holds null. It fails when the key holds another kind.
func EnsureObject(obj map[string]any, key string) (map[string]any, error) {
	switch child := obj[key].(type) {
	case map[string]any:
		return child, nil
	case nil:
		created := map[string]any{}
		obj[key] = created
		return created, nil
	default:
		return nil, fmt.Errorf("member %q is %s, not object", key, KindOf(child))
	}
}

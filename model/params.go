package model

import (
	"encoding/json"

	"github.com/teranos/loom/errors"
)

// ValueKind discriminates task parameter (and result) values.
type ValueKind string

const (
	// ValueKindNative marks a plain JSON value passed to the entrypoint
	// unchanged.
	ValueKindNative ValueKind = "native"

	// ValueKindHandle marks a reference to an external storage handle
	// owned by the data layer. Execution of handle-typed parameters is a
	// deliberate extension point and currently fails fast.
	ValueKindHandle ValueKind = "handle"
)

// Value is a tagged parameter or result value.
type Value struct {
	Kind   ValueKind       `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Handle string          `json:"handle,omitempty"`
}

// Native wraps an arbitrary Go value as a native parameter.
func Native(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, errors.Wrap(err, "failed to marshal native value")
	}
	return Value{Kind: ValueKindNative, Value: raw}, nil
}

// MustNative wraps a value and panics on marshal failure. Intended for
// literals in task construction and tests.
func MustNative(v any) Value {
	val, err := Native(v)
	if err != nil {
		panic(err)
	}
	return val
}

// HandleRef wraps a storage handle name as a handle-typed value.
func HandleRef(handle string) Value {
	return Value{Kind: ValueKindHandle, Handle: handle}
}

// Params is the structured key→value parameter mapping of a task.
type Params map[string]Value

// MarshalParams converts Params to their on-disk JSON representation.
// Nil maps encode as an empty string (NULL column).
func MarshalParams(p Params) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal task parameters")
	}
	return string(raw), nil
}

// UnmarshalParams parses the on-disk representation back into Params.
func UnmarshalParams(data string) (Params, error) {
	if data == "" {
		return nil, nil
	}
	var p Params
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal task parameters")
	}
	return p, nil
}

// MarshalValue converts a single value (task result) to its on-disk form.
func MarshalValue(v *Value) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal value")
	}
	return string(raw), nil
}

// UnmarshalValue parses a single on-disk value. Empty input yields nil.
func UnmarshalValue(data string) (*Value, error) {
	if data == "" {
		return nil, nil
	}
	var v Value
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal value")
	}
	return &v, nil
}

package store

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes document fields for backends that store opaque blobs.
func Encode(f Fields) ([]byte, error) {
	if f == nil {
		f = Fields{}
	}
	return json.Marshal(f)
}

// Decode parses fields written by Encode.
func Decode(b []byte) (Fields, error) {
	f := Fields{}
	if len(b) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Normalize deep copies fields into their JSON representation, so every backend
// hands readers the same value types (float64 numbers, []any arrays, strings for
// times).
func Normalize(f Fields) (Fields, error) {
	b, err := Encode(f)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// NormalizeValue converts a single value to its JSON representation.
func NormalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeOps validates every op and normalizes its fields.
func NormalizeOps(ops []Op) ([]Op, error) {
	out := make([]Op, len(ops))
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		if op.Kind == OpSet {
			f, err := Normalize(op.Fields)
			if err != nil {
				return nil, err
			}
			op.Fields = f
		}
		out[i] = op
	}
	return out, nil
}

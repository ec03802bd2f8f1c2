package config

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the type of a detector config value
type Kind string

const (
	KindText         Kind = "text"
	KindNumber       Kind = "number"
	KindBoolean      Kind = "boolean"
	KindFile         Kind = "file"
	KindFileMultiple Kind = "file_multiple"
)

// Value is a tagged variant holding one detector config value. Detector
// configs are heterogeneous (text/number/boolean/file-path/list-of-paths),
// so a single variant type carries them all and a schema-driven validator
// checks them; there is no statically-typed record per detector.
type Value struct {
	Kind  Kind
	Text  string
	Num   float64
	Bool  bool
	Files []string
}

// TextValue builds a text value
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// NumberValue builds a number value
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue builds a boolean value
func BoolValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// FileValue builds a single-path value
func FileValue(path string) Value { return Value{Kind: KindFile, Text: path} }

// FilesValue builds a multi-path value
func FilesValue(paths []string) Value { return Value{Kind: KindFileMultiple, Files: paths} }

// Interface returns the underlying value as a plain interface{} for
// serialization over the sandbox wire
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBoolean:
		return v.Bool
	case KindFileMultiple:
		return v.Files
	default:
		return v.Text
	}
}

// MarshalJSON writes the bare underlying value
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON infers the kind from the JSON shape. Strings come back as
// text; a later schema validation pass reinterprets file/file_multiple.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFromInterface converts a decoded JSON value into a tagged Value
func ValueFromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: KindText}, nil
	case string:
		return TextValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case int:
		return NumberValue(float64(t)), nil
	case []interface{}:
		paths := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return Value{}, fmt.Errorf("list config values must contain only strings, got %T", e)
			}
			paths = append(paths, s)
		}
		return FilesValue(paths), nil
	default:
		return Value{}, fmt.Errorf("unsupported config value type %T", raw)
	}
}

// PlainMap flattens a config into plain JSON-compatible values
func PlainMap(cfg map[string]Value) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v.Interface()
	}
	return out
}

// FromPlainMap converts plain decoded JSON values into a tagged config map
func FromPlainMap(raw map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		parsed, err := ValueFromInterface(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = parsed
	}
	return out, nil
}

package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the type tag of a property Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return "invalid"
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "bool":
		return KindBool, true
	case "int":
		return KindInt, true
	case "string":
		return KindString, true
	case "bytes":
		return KindBytes, true
	}
	return KindInvalid, false
}

// Value is an application property value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
	raw  []byte
}

func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value  { return Value{kind: KindBytes, raw: append([]byte(nil), v...)} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return v.s
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	}
	return ""
}

func (v Value) size() int {
	switch v.kind {
	case KindBool:
		return 1
	case KindInt:
		return 8
	case KindString:
		return len(v.s)
	case KindBytes:
		return len(v.raw)
	}
	return 0
}

type valueJSON struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.kind {
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindInt:
		// Encoded as a string so int64 survives JSON number handling.
		raw, err = json.Marshal(strconv.FormatInt(v.i, 10))
	case KindString:
		raw, err = json.Marshal(v.s)
	case KindBytes:
		raw, err = json.Marshal(v.raw)
	default:
		return nil, fmt.Errorf("marshal property: invalid kind")
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{T: v.kind.String(), V: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, ok := parseKind(in.T)
	if !ok {
		return fmt.Errorf("unmarshal property: unknown kind %q", in.T)
	}
	out := Value{kind: kind}
	switch kind {
	case KindBool:
		if err := json.Unmarshal(in.V, &out.b); err != nil {
			return err
		}
	case KindInt:
		var s string
		if err := json.Unmarshal(in.V, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("unmarshal property: %w", err)
		}
		out.i = n
	case KindString:
		if err := json.Unmarshal(in.V, &out.s); err != nil {
			return err
		}
	case KindBytes:
		if err := json.Unmarshal(in.V, &out.raw); err != nil {
			return err
		}
	}
	*v = out
	return nil
}

// Properties are the application properties of a message.
type Properties map[string]Value

func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		if v.kind == KindBytes {
			v.raw = append([]byte(nil), v.raw...)
		}
		out[k] = v
	}
	return out
}

// Validate fails with ErrInvalidOperation when a property cannot be stored
// as is by every backend: a value without a kind, or a key or string value
// that is not valid UTF-8 or holds a NUL byte. Bytes values carry anything.
func (p Properties) Validate() error {
	for k, v := range p {
		if !storableString(k) {
			return fmt.Errorf("%w: property key %q is not storable text", ErrInvalidOperation, k)
		}
		switch v.kind {
		case KindInvalid:
			return fmt.Errorf("%w: property %q has no value", ErrInvalidOperation, k)
		case KindString:
			if !storableString(v.s) {
				return fmt.Errorf("%w: property %q is not storable text", ErrInvalidOperation, k)
			}
		}
	}
	return nil
}

// storableString reports whether s survives JSON and Postgres text columns
// unchanged.
func storableString(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func (p Properties) size() int {
	n := 0
	for k, v := range p {
		n += len(k) + v.size()
	}
	return n
}

func encodeProperties(p Properties) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeProperties(raw string) (Properties, error) {
	if raw == "" {
		return nil, nil
	}
	var out Properties
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

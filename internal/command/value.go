package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Value is a sealed interface over the payload value types.
// Only Int, String and Strings implement it; floats and nulls are not
// representable.
type Value interface {
	payloadValue()
}

// Int is an entity id or other integer payload value.
type Int int64

func (Int) payloadValue() {}

// String is a literal string payload value.
type String string

func (String) payloadValue() {}

// Strings is a list of strings, used for the execution log.
type Strings []string

func (Strings) payloadValue() {}

// Payload maps reference-role names to values.
// Use SortedKeys for deterministic iteration.
type Payload map[string]Value

// Int returns the integer stored at key.
func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key].(Int)
	return int64(v), ok
}

// Text returns the string stored at key.
func (p Payload) Text(key string) (string, bool) {
	v, ok := p[key].(String)
	return string(v), ok
}

// Clone returns a copy of p. Strings values are copied too.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if s, ok := v.(Strings); ok {
			v = append(Strings(nil), s...)
		}
		out[k] = v
	}
	return out
}

// SortedKeys returns keys in canonical order (UTF-16 code units).
func (p Payload) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// MarshalJSON produces canonical JSON.
func (p Payload) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(p)
}

// UnmarshalJSON decodes an object of ints, strings and string lists.
// Floats, nulls, booleans and nested objects are rejected.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Payload, len(raw))
	for k, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("payload key %q: %w", k, err)
		}
		out[k] = val
	}
	*p = out
	return nil
}

func unmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("only lists of strings are allowed: %w", err)
		}
		return Strings(list), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("floats are not allowed: %s", data)
		}
		return Int(n), nil
	default:
		return nil, fmt.Errorf("unsupported JSON value: %s", data)
	}
}

// MarshalCanonical encodes a payload deterministically: keys NFC normalized
// and sorted by UTF-16 code units, no HTML escaping. String values are written
// byte-for-byte. Two keys that normalize to the same name are an error.
func MarshalCanonical(p Payload) ([]byte, error) {
	names := make(map[string]string, len(p))
	for k := range p {
		nk := norm.NFC.String(k)
		if prev, dup := names[nk]; dup {
			return nil, fmt.Errorf("payload keys %q and %q are the same name", prev, k)
		}
		names[nk] = k
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, nk := range slices.SortedFunc(maps.Keys(names), compareKeysUTF16) {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalCanonicalString(nk)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := marshalCanonicalValue(p[names[nk]])
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", nk, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonicalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case String:
		return marshalCanonicalString(string(val))
	case Strings:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonicalString(s)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case nil:
		return nil, fmt.Errorf("null is not allowed")
	default:
		return nil, fmt.Errorf("unsupported payload value: %T", v)
	}
}

// marshalCanonicalString encodes s without HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// compareKeysUTF16 orders strings by UTF-16 code units, as RFC 8785 requires.
// Go's native string comparison uses UTF-8 bytes, which differs for
// characters outside the BMP.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

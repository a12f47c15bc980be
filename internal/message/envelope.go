package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the bus representation of a Message.
type Envelope struct {
	Tag  string          `json:"tag"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps m in an Envelope and returns its JSON form.
// Tags are emitted verbatim: HTML escaping would rewrite the "<!" markers.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode message: nil message")
	}
	body, err := marshalVerbatim(m)
	if err != nil {
		return nil, fmt.Errorf("encode message body: %w", err)
	}
	data, err := marshalVerbatim(Envelope{Tag: m.Tag(), Kind: m.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an encoded envelope. The body is left raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func marshalVerbatim(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

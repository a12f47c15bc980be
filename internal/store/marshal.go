package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/command"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(p command.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := command.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored JSON TEXT into a payload.
func unmarshalPayload(data string) (command.Payload, error) {
	if data == "" || data == "{}" {
		return command.Payload{}, nil
	}
	var p command.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

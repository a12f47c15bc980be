package message

import "strings"

// NotificationMessage is an addressed notification for one user.
// Its tag is channel specific and supplied by the caller.
type NotificationMessage struct {
	userID  int64
	kind    string
	tag     string
	payload map[string]any
}

// NewNotification validates and copies the inputs into an immutable message.
func NewNotification(userID int64, kind, tag string, payload map[string]any) (*NotificationMessage, error) {
	if userID <= 0 {
		return nil, newInvalidMessage("user id must be positive, got %d", userID)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, newInvalidMessage("notification kind is required")
	}
	if strings.TrimSpace(tag) == "" {
		return nil, newInvalidMessage("notification tag is required")
	}
	return &NotificationMessage{
		userID:  userID,
		kind:    kind,
		tag:     tag,
		payload: copyPayload(payload),
	}, nil
}

// UserID returns the recipient.
func (m *NotificationMessage) UserID() int64 { return m.userID }

// Kind implements Message and returns the delivery channel.
func (m *NotificationMessage) Kind() string { return m.kind }

// Tag implements Message.
func (m *NotificationMessage) Tag() string { return m.tag }

// Payload returns a deep copy of the payload.
func (m *NotificationMessage) Payload() map[string]any {
	return copyPayload(m.payload)
}

// MarshalJSON encodes the message body.
func (m *NotificationMessage) MarshalJSON() ([]byte, error) {
	return marshalVerbatim(struct {
		UserID  int64          `json:"user_id"`
		Kind    string         `json:"kind"`
		Tag     string         `json:"tag"`
		Payload map[string]any `json:"payload"`
	}{
		UserID:  m.userID,
		Kind:    m.kind,
		Tag:     m.tag,
		Payload: m.payload,
	})
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = copyValue(elem)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

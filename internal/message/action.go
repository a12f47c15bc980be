package message

import (
	"fmt"
	"maps"
)

// KindAction is the tag prefix shared by every action message.
const KindAction = "AZIONE"

// Message is any value that can be published on the bus.
type Message interface {
	// Tag returns the deterministic deduplication key.
	Tag() string
	// Kind returns the message family, used for routing.
	Kind() string
}

// ActionMessage describes one lifecycle event of a domain entity.
// Construct with NewActionMessage; the zero value is not usable.
type ActionMessage struct {
	id         int64
	entityType string
	action     string
	related    string
	data       map[string]int64
}

// NewActionMessage validates (entityType, action) against reg and returns an
// immutable message. It fails with INVALID_ACTION for an unregistered pair and
// with MISSING_RELATED when the pair declares a related entity that data does
// not reference. On error no message is returned.
func NewActionMessage(reg *Registry, entityType, action string, id int64, data map[string]int64) (*ActionMessage, error) {
	related, ok := reg.IsValid(entityType, action)
	if !ok {
		return nil, newInvalidAction(entityType, action)
	}
	if id <= 0 {
		return nil, newInvalidMessage("id must be positive, got %d", id)
	}

	if related != "" {
		key := Entry{Related: related}.RelatedKey()
		if data[key] <= 0 {
			return nil, newMissingRelated(entityType, action, key)
		}
	}

	copied := make(map[string]int64, len(data))
	maps.Copy(copied, data)

	return &ActionMessage{
		id:         id,
		entityType: entityType,
		action:     action,
		related:    related,
		data:       copied,
	}, nil
}

// ID returns the subject entity id.
func (m *ActionMessage) ID() int64 { return m.id }

// EntityType returns the subject entity type.
func (m *ActionMessage) EntityType() string { return m.entityType }

// Action returns the action name.
func (m *ActionMessage) Action() string { return m.action }

// Related returns the related entity type declared for the pair, or "".
func (m *ActionMessage) Related() string { return m.related }

// Data returns a copy of the related-entity payload.
func (m *ActionMessage) Data() map[string]int64 {
	out := make(map[string]int64, len(m.data))
	maps.Copy(out, m.data)
	return out
}

// Kind implements Message.
func (m *ActionMessage) Kind() string { return KindAction }

// Tag implements Message: "<!AZIONE!><!{EntityType}.{Action}.{Id}!>".
func (m *ActionMessage) Tag() string {
	return fmt.Sprintf("<!%s!><!%s.%s.%d!>", KindAction, m.entityType, m.action, m.id)
}

// MarshalJSON encodes the message body.
func (m *ActionMessage) MarshalJSON() ([]byte, error) {
	return marshalVerbatim(struct {
		ID         int64            `json:"id"`
		EntityType string           `json:"entity_type"`
		Action     string           `json:"action"`
		Data       map[string]int64 `json:"data"`
	}{
		ID:         m.id,
		EntityType: m.entityType,
		Action:     m.action,
		Data:       m.data,
	})
}

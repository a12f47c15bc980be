package message

import "fmt"

// ChangeKind names the entity family of an EntityChangeMessage.
type ChangeKind string

const (
	// ChangeCircolare marks a circular that must be re-checked.
	ChangeCircolare ChangeKind = "CIRCOLARE"
	// ChangeAvviso marks a notice that must be re-checked.
	ChangeAvviso ChangeKind = "AVVISO"
	// ChangeEvento marks a calendar event that must be re-checked.
	ChangeEvento ChangeKind = "EVENTO"
)

// ChangeKinds lists every valid ChangeKind.
var ChangeKinds = []ChangeKind{ChangeCircolare, ChangeAvviso, ChangeEvento}

// Valid reports whether k is one of ChangeKinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCircolare, ChangeAvviso, ChangeEvento:
		return true
	}
	return false
}

// EntityChangeMessage asks consumers to re-check one entity.
type EntityChangeMessage struct {
	kind ChangeKind
	id   int64
}

// NewEntityChange returns a change message for a known kind and positive id.
func NewEntityChange(kind ChangeKind, id int64) (*EntityChangeMessage, error) {
	if !kind.Valid() {
		return nil, newInvalidMessage("unknown change kind %q", kind)
	}
	if id <= 0 {
		return nil, newInvalidMessage("id must be positive, got %d", id)
	}
	return &EntityChangeMessage{kind: kind, id: id}, nil
}

// NewCircolareChange is shorthand for NewEntityChange(ChangeCircolare, id).
func NewCircolareChange(id int64) (*EntityChangeMessage, error) {
	return NewEntityChange(ChangeCircolare, id)
}

// NewAvvisoChange is shorthand for NewEntityChange(ChangeAvviso, id).
func NewAvvisoChange(id int64) (*EntityChangeMessage, error) {
	return NewEntityChange(ChangeAvviso, id)
}

// NewEventoChange is shorthand for NewEntityChange(ChangeEvento, id).
func NewEventoChange(id int64) (*EntityChangeMessage, error) {
	return NewEntityChange(ChangeEvento, id)
}

// ID returns the entity id.
func (m *EntityChangeMessage) ID() int64 { return m.id }

// ChangeKind returns the entity family.
func (m *EntityChangeMessage) ChangeKind() ChangeKind { return m.kind }

// Kind implements Message.
func (m *EntityChangeMessage) Kind() string { return string(m.kind) }

// Tag implements Message: "<!{KIND}!><!{Id}!>".
func (m *EntityChangeMessage) Tag() string {
	return fmt.Sprintf("<!%s!><!%d!>", m.kind, m.id)
}

// MarshalJSON encodes the message body.
func (m *EntityChangeMessage) MarshalJSON() ([]byte, error) {
	return marshalVerbatim(struct {
		Kind ChangeKind `json:"kind"`
		ID   int64      `json:"id"`
	}{Kind: m.kind, ID: m.id})
}

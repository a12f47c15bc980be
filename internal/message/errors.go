package message

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes message construction errors.
type ErrorCode string

const (
	// ErrCodeInvalidAction indicates an unregistered (entity type, action) pair.
	ErrCodeInvalidAction ErrorCode = "INVALID_ACTION"

	// ErrCodeMissingRelated indicates the pair declares a related entity but
	// the data does not reference one.
	ErrCodeMissingRelated ErrorCode = "MISSING_RELATED"

	// ErrCodeInvalidMessage indicates a malformed field (id, kind, tag).
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// ErrCodeInvalidVocabulary indicates a registry declaration that cannot be loaded.
	ErrCodeInvalidVocabulary ErrorCode = "INVALID_VOCABULARY"
)

// Error is returned by message constructors and registry builders.
type Error struct {
	Code       ErrorCode
	Message    string
	EntityType string
	Action     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.EntityType != "" && e.Action != "" {
		return fmt.Sprintf("%s: %s (%s.%s)", e.Code, e.Message, e.EntityType, e.Action)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvalidAction reports whether err is an unregistered action error.
// Uses errors.As to handle wrapped errors.
func IsInvalidAction(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeInvalidAction
	}
	return false
}

// IsMissingRelated reports whether err is a missing related-entity error.
func IsMissingRelated(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeMissingRelated
	}
	return false
}

func newInvalidAction(entityType, action string) *Error {
	return &Error{
		Code:       ErrCodeInvalidAction,
		Message:    "action is not registered for entity type",
		EntityType: entityType,
		Action:     action,
	}
}

func newMissingRelated(entityType, action, key string) *Error {
	return &Error{
		Code:       ErrCodeMissingRelated,
		Message:    fmt.Sprintf("data must reference %q with a positive id", key),
		EntityType: entityType,
		Action:     action,
	}
}

func newInvalidMessage(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeInvalidMessage,
		Message: fmt.Sprintf(format, args...),
	}
}

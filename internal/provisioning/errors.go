package provisioning

import (
	"errors"
	"fmt"
)

// QueueError is a typed failure raised while resolving or executing a command.
type QueueError struct {
	// Code identifies the error category.
	Code QueueErrorCode

	// Message is a human-readable description.
	Message string

	// CommandID identifies the affected command, when known.
	CommandID int64

	// Role is the payload key being resolved (resolution errors only).
	Role string

	// Err is the underlying cause, if any.
	Err error
}

// QueueErrorCode categorizes queue errors.
type QueueErrorCode string

const (
	// ErrCodeCommandNotFound indicates the command no longer exists.
	// Workers skip such ids and continue the batch.
	ErrCodeCommandNotFound QueueErrorCode = "COMMAND_NOT_FOUND"

	// ErrCodeEntityNotFound indicates a referenced domain entity is gone.
	ErrCodeEntityNotFound QueueErrorCode = "ENTITY_NOT_FOUND"

	// ErrCodeUnknownRole indicates a resolver references an unregistered entity kind.
	ErrCodeUnknownRole QueueErrorCode = "UNKNOWN_ROLE"

	// ErrCodeInvalidReference indicates a role key holds something other than a positive id.
	ErrCodeInvalidReference QueueErrorCode = "INVALID_REFERENCE"

	// ErrCodeExternalSync wraps an opaque failure from the directory-sync executor.
	ErrCodeExternalSync QueueErrorCode = "EXTERNAL_SYNC"
)

// Error implements the error interface.
func (e *QueueError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.CommandID != 0 && e.Role != "":
		msg = fmt.Sprintf("%s (command=%d, role=%s)", msg, e.CommandID, e.Role)
	case e.CommandID != 0:
		msg = fmt.Sprintf("%s (command=%d)", msg, e.CommandID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *QueueError) Unwrap() error {
	return e.Err
}

// IsCommandNotFound returns true if err is a COMMAND_NOT_FOUND queue error.
func IsCommandNotFound(err error) bool {
	return hasCode(err, ErrCodeCommandNotFound)
}

// IsEntityNotFound returns true if err is an ENTITY_NOT_FOUND queue error.
func IsEntityNotFound(err error) bool {
	return hasCode(err, ErrCodeEntityNotFound)
}

// IsExternalSync returns true if err is an EXTERNAL_SYNC queue error.
func IsExternalSync(err error) bool {
	return hasCode(err, ErrCodeExternalSync)
}

func hasCode(err error, code QueueErrorCode) bool {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

func newCommandNotFound(id int64, cause error) *QueueError {
	return &QueueError{
		Code:      ErrCodeCommandNotFound,
		Message:   "command no longer exists",
		CommandID: id,
		Err:       cause,
	}
}

func newEntityNotFound(id int64, role string, entityID int64, cause error) *QueueError {
	return &QueueError{
		Code:      ErrCodeEntityNotFound,
		Message:   fmt.Sprintf("referenced entity %d not found", entityID),
		CommandID: id,
		Role:      role,
		Err:       cause,
	}
}

func newInvalidReference(id int64, role string, msg string) *QueueError {
	return &QueueError{
		Code:      ErrCodeInvalidReference,
		Message:   msg,
		CommandID: id,
		Role:      role,
	}
}

func newUnknownRole(role string, kind string) *QueueError {
	return &QueueError{
		Code:    ErrCodeUnknownRole,
		Message: fmt.Sprintf("role %q maps to unknown entity kind %q", role, kind),
		Role:    role,
	}
}

func newExternalSync(id int64, cause error) *QueueError {
	return &QueueError{
		Code:      ErrCodeExternalSync,
		Message:   "directory sync failed",
		CommandID: id,
		Err:       cause,
	}
}

package relimq

import (
	"errors"
	"fmt"
)

// Error represents a relimq library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for delivery-state operations.
const (
	// ErrCodeNoData indicates no record was found for a message id.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeDuplicate indicates an insert hit the message-id uniqueness
	// constraint. On the consume path this means another attempt won the
	// race and must be treated as "already being processed".
	ErrCodeDuplicate = "DUPLICATE"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates a message-store operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeBroker indicates a broker gateway operation failed.
	ErrCodeBroker = "BROKER_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrDuplicate is returned when an insert collides with an existing
	// record for the same message id.
	ErrDuplicate = &Error{
		Code:    ErrCodeDuplicate,
		Message: "record already exists for message id",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var libErr *Error
	if errors.As(err, &libErr) {
		return libErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}

// IsDuplicate checks if an error signals a message-id uniqueness collision.
func IsDuplicate(err error) bool {
	var libErr *Error
	if errors.As(err, &libErr) {
		return libErr.Code == ErrCodeDuplicate
	}
	return errors.Is(err, ErrDuplicate)
}

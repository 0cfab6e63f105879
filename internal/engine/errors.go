package engine

import (
	"errors"
	"fmt"
)

// Status classifies engine operation failures for transport layers. HTTP
// and CLI front-ends map these onto their own status codes.
type Status string

const (
	StatusNotFound           Status = "not_found"
	StatusInvalidArgument    Status = "invalid_argument"
	StatusPreconditionFailed Status = "precondition_failed"
	StatusInternal           Status = "internal"
)

// Error is the failure type returned by engine operations.
type Error struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// StatusOf extracts the Status from any error returned by this package.
// Unknown errors classify as internal.
func StatusOf(err error) Status {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternal
}

func errNotFound(scanID string) error {
	return &Error{Status: StatusNotFound, Message: fmt.Sprintf("no scan with id %s", scanID)}
}

func errInvalid(format string, args ...any) error {
	return &Error{Status: StatusInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func errPrecondition(format string, args ...any) error {
	return &Error{Status: StatusPreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

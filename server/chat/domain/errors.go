package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindPersistence    ErrorKind = "persistence"
	KindDelivery       ErrorKind = "delivery"
)

// Error carries the failure kind alongside the message so handlers can reply
// to the originating connection with a structured error event.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func Authentication(message string) error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func Authorization(message string) error {
	return &Error{Kind: KindAuthorization, Message: message}
}

func NotFound(message string) error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

func Persistence(message string, cause error) error {
	return &Error{Kind: KindPersistence, Message: message, cause: cause}
}

func Delivery(message string, cause error) error {
	return &Error{Kind: KindDelivery, Message: message, cause: cause}
}

// KindOf extracts the error kind; unclassified errors are treated as
// persistence failures so they stay retryable from the client's view.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindPersistence
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

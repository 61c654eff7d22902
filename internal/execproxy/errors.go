package execproxy

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindInvalidRequest      Kind = "invalid_request"
	KindTimeout             Kind = "timeout"
	KindBackend             Kind = "backend_error"
	KindInternal            Kind = "internal_error"
)

// Error is the failure type returned by Execute. Match it against the Err*
// sentinels with errors.Is.
type Error struct {
	Kind    Kind
	Message string
	// Payload is the backend's error body, untouched. Only set for KindBackend.
	Payload json.RawMessage
	Err     error
}

var (
	ErrUnsupportedLanguage = &Error{Kind: KindUnsupportedLanguage}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrBackend             = &Error{Kind: KindBackend}
	ErrInternal            = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("execproxy: %s: %v", msg, e.Err)
	}
	return "execproxy: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

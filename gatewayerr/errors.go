// Package gatewayerr defines the gateway's error taxonomy and its mapping to
// HTTP status codes and wire error bodies. Every component returns a plain
// Go error; handlers at the HTTP edge type-assert down to *Error to decide
// how to respond, falling back to Internal for anything unclassified.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries from the error-handling design.
type Kind string

const (
	BadRequest       Kind = "BadRequest"
	InvalidURL       Kind = "InvalidURL"
	Unauthorized     Kind = "Unauthorized"
	Forbidden        Kind = "Forbidden"
	ModelNotFound    Kind = "ModelNotFound"
	Conflict         Kind = "Conflict"
	PayloadTooLarge  Kind = "PayloadTooLarge"
	NoHealthyServer  Kind = "NoHealthyServer"
	AllAttemptsFailed Kind = "AllAttemptsFailed"
	Internal         Kind = "Internal"
	NotFound         Kind = "NotFound" // store misses; the admin surface and unknown routes answer with it
)

var statusByKind = map[Kind]int{
	BadRequest:        http.StatusBadRequest,
	InvalidURL:        http.StatusBadRequest,
	Unauthorized:      http.StatusUnauthorized,
	Forbidden:         http.StatusForbidden,
	ModelNotFound:     http.StatusNotFound,
	NotFound:          http.StatusNotFound,
	Conflict:          http.StatusConflict,
	PayloadTooLarge:   http.StatusRequestEntityTooLarge,
	NoHealthyServer:   http.StatusServiceUnavailable,
	AllAttemptsFailed: http.StatusGatewayTimeout,
	Internal:          http.StatusInternalServerError,
}

// Error is the taxonomy's concrete type. Message must never contain a
// backend URL, a credential, or a stack trace.
type Error struct {
	Kind    Kind
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

// Status returns the HTTP status code this error maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a human-readable, actionable
// message. Never pass backend URLs, API keys, or raw error text from a
// lower layer that might embed them — wrap those with Wrap instead, which
// keeps the cause out of the serialized message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a lower-layer cause for logging while keeping the
// client-visible Message redacted and independent of the cause's text.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// As extracts a *Error from err, returning (nil, false) if err does not
// carry one — callers then treat it as Internal.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for any error, defaulting to 500 when it
// isn't a *Error.
func StatusOf(err error) int {
	if ge, ok := As(err); ok {
		return ge.Status()
	}
	return http.StatusInternalServerError
}

// Body is the wire shape of every non-2xx JSON response.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ToBody renders err into the taxonomy's wire shape, defaulting unclassified
// errors to a generic Internal body that never echoes the raw error text.
func ToBody(err error) Body {
	if ge, ok := As(err); ok {
		return Body{Error: BodyError{Message: ge.Message, Type: string(ge.Kind), Code: ge.Status()}}
	}
	return Body{Error: BodyError{
		Message: "internal error",
		Type:    string(Internal),
		Code:    http.StatusInternalServerError,
	}}
}

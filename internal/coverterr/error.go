// Package coverterr defines Covert's error taxonomy and its mapping onto
// HTTP status codes at the pipeline boundary.
package coverterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purposes of HTTP status mapping and
// retry behavior. See spec §7.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbiddenState
	KindNotFound
	KindConflict
	KindFKViolation

	// Backend-specific kinds.
	KindRoleNotFound
	KindInvalidConnectionString
	KindMissingConnection
	KindIncorrectPassword
	KindUnsupportedPassword
	KindKeyVersionNotFound
	KindMetadataNotFound

	// sys backend-specific kinds.
	KindMasterKeyRecovery
	KindSealInNonRootNamespace
)

var statusByKind = map[Kind]int{
	KindInternal:                 http.StatusInternalServerError,
	KindBadRequest:               http.StatusBadRequest,
	KindUnauthorized:             http.StatusUnauthorized,
	KindForbiddenState:           http.StatusForbidden,
	KindNotFound:                 http.StatusNotFound,
	KindConflict:                 http.StatusConflict,
	KindFKViolation:              http.StatusUnprocessableEntity,
	KindRoleNotFound:             http.StatusNotFound,
	KindInvalidConnectionString:  http.StatusBadRequest,
	KindMissingConnection:        http.StatusConflict,
	KindIncorrectPassword:        http.StatusUnauthorized,
	KindUnsupportedPassword:      http.StatusBadRequest,
	KindKeyVersionNotFound:       http.StatusNotFound,
	KindMetadataNotFound:         http.StatusNotFound,
	KindMasterKeyRecovery:        http.StatusUnauthorized,
	KindSealInNonRootNamespace:   http.StatusForbidden,
}

var messageByKind = map[Kind]string{
	KindRoleNotFound:            "role not found",
	KindInvalidConnectionString: "invalid connection string",
	KindMissingConnection:       "missing connection",
	KindIncorrectPassword:       "incorrect password",
	KindUnsupportedPassword:     "unsupported password",
	KindKeyVersionNotFound:      "key version not found",
	KindMetadataNotFound:        "metadata not found",
	KindMasterKeyRecovery:       "failed to reconstruct master key from provided shares",
	KindSealInNonRootNamespace:  "seal is only permitted in the root namespace",
}

// Error is Covert's error type: a classified error with an optional cause.
// The cause is logged but never serialized to the client for 5xx kinds.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Status returns the HTTP status code for an error, walking wrapped errors
// to find a *Error. Unclassified errors map to 500.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByKind[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the text that is safe to return to a client for this
// error. Internal-kind errors never leak their cause; a generic message is
// returned instead while the caller is expected to log the full error.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		if msg, ok := messageByKind[e.Kind]; ok && e.Message == "" {
			return msg
		}
		return e.Message
	}
	return "internal error"
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

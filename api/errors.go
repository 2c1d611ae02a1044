package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyProfileUpdate is returned when a profile update carries neither
	// a name nor a photo. It is rejected before any remote call.
	ErrEmptyProfileUpdate = errors.New("provide at least one field to update")
)

// TransportError means no usable response came back: the request could not be
// sent, timed out, was cancelled, or the response body could not be decoded.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DomainError means the backend answered with a structured rejection
// (validation, not found, forbidden, ...).
type DomainError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *DomainError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// StaleEntityError is a local rejection: the mutation targets an entity that
// is already known to be deleted, so it is never sent to the backend.
type StaleEntityError struct {
	Mutation string
	Entity   string
	ID       string
}

func (e *StaleEntityError) Error() string {
	return fmt.Sprintf("%s: %s %s no longer exists", e.Mutation, e.Entity, e.ID)
}

// IsTransport reports whether err is a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsDomain reports whether err is a DomainError
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// IsStale reports whether err is a StaleEntityError
func IsStale(err error) bool {
	var se *StaleEntityError
	return errors.As(err, &se)
}

// IsNotFound reports whether the backend said the resource does not exist
func IsNotFound(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.StatusCode == http.StatusNotFound
}

// Notice returns the text shown to the user for a failed query or mutation.
// Domain errors surface the backend's message; transport errors suggest a
// retry; stale entities are reported as gone.
func Notice(err error) string {
	if err == nil {
		return ""
	}
	var (
		de *DomainError
		se *StaleEntityError
	)
	switch {
	case errors.As(err, &se):
		return "This item no longer exists."
	case errors.As(err, &de):
		if de.Message != "" {
			return de.Message
		}
		return "Something went wrong."
	case errors.Is(err, ErrEmptyProfileUpdate):
		return "Please provide at least one field to update."
	case IsTransport(err):
		return "Could not reach the server. Check your connection and try again."
	default:
		return "Something went wrong."
	}
}

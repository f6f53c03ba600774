package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// Registration errors.
var (
	// ErrNoHandlers is returned when a route is registered without any
	// handler in its chain.
	ErrNoHandlers = errors.New("dispatch: route has no handlers")

	// ErrNilRouter is returned when a nil sub-router is mounted.
	ErrNilRouter = errors.New("dispatch: nil sub-router")
)

// StatusError is a handled application error: application code throws
// it from anywhere inside the per-exchange call tree to short-circuit
// dispatch with an explicit status, optional headers, and optional
// body. It is the only error whose content is disclosed to the client;
// every other escaped error renders as a generic server error.
type StatusError struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewStatusError creates a StatusError with the given status code.
func NewStatusError(status int) *StatusError {
	return &StatusError{Status: status}
}

// WithBody returns the error with the given response body.
func (e *StatusError) WithBody(body []byte) *StatusError {
	e.Body = body
	return e
}

// WithHeader returns the error with the given header added.
func (e *StatusError) WithHeader(key, value string) *StatusError {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Add(key, value)
	return e
}

// Error returns the error message.
func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch: status %d %s", e.Status, http.StatusText(e.Status))
}

// StatusOf returns the status carried by err if it is (or wraps) a
// StatusError, and 0 otherwise.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

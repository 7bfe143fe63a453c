package tracker

import (
	"fmt"
	"strings"
)

// ValidationError is a 4xx rejection carrying the service's detail verbatim,
// e.g. a configure-flag subset mismatch or an unregistered binary.
type ValidationError struct {
	StatusCode int
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected by server (HTTP %d): %s", e.StatusCode, e.Detail)
}

// ConflictError is returned for HTTP 409: a run already exists for the
// (commit, binary, environment) triple. It must not be retried.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate run: %s", e.Detail)
}

// NotFoundError is returned when a registration lookup answers 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found on server. Please register the %s first.", e.Kind, e.ID, strings.ToLower(e.Kind))
}

// TransportError wraps connection failures and timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError represents any other non-success response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

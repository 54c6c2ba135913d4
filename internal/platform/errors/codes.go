// Package errors provides structured, coded error handling shared by the
// relay, the sessions service and the chat client.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Connection errors
	CodeTransport    Code = "TRANSPORT"
	CodeNotConnected Code = "NOT_CONNECTED"

	// Credential errors
	CodeAuth Code = "AUTH"

	// Session errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"

	// Sync errors
	CodeSerialization  Code = "SERIALIZATION"
	CodePartialFailure Code = "PARTIAL_FAILURE"

	// Request errors
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeSerialization:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeTransport, CodeNotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an operation failing with this code may succeed
// when attempted again without caller intervention.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransport, CodeNotConnected, CodeResourceExhausted, CodePartialFailure:
		return true
	default:
		return false
	}
}

package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates a network failure or a server-side (5xx) response.
	ErrTransport = errors.New("remote: transport failure")
	// ErrUnauthorized indicates the backend rejected the credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound indicates the addressed row does not exist or is not visible.
	ErrNotFound = errors.New("remote: not found")
	// ErrDecode indicates the backend response could not be decoded.
	ErrDecode = errors.New("remote: undecodable response")
	// ErrRejected indicates the backend refused the request (4xx other than auth).
	ErrRejected = errors.New("remote: request rejected")
)

// TransportError carries the HTTP status of a failed backend call.
type TransportError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: %s", e.kind, e.Message)
	}
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.StatusCode, e.Message)
}

// Unwrap exposes the error class for errors.Is checks.
func (e *TransportError) Unwrap() error {
	return e.kind
}

func classifyStatus(statusCode int, message string) error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return &TransportError{StatusCode: statusCode, Message: message, kind: ErrUnauthorized}
	case statusCode == 404:
		return &TransportError{StatusCode: statusCode, Message: message, kind: ErrNotFound}
	case statusCode >= 500:
		return &TransportError{StatusCode: statusCode, Message: message, kind: ErrTransport}
	default:
		return &TransportError{StatusCode: statusCode, Message: message, kind: ErrRejected}
	}
}

package types

import (
	"errors"
	"fmt"
)

// ErrTimeout is matched by any APIError caused by a request exceeding its time
// bound.
var ErrTimeout = errors.New("upstream request timed out")

// AuthError means a usable token could not be obtained: the credentials were
// rejected, the token was revoked, or the identity provider was unreachable.
type AuthError struct {
	// Network is true when the identity provider could not be reached rather
	// than rejecting the request.
	Network bool
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Network {
		msg = "authentication unavailable"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError is a failed usage API call.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *APIError) Error() string {
	msg := "api error"
	if e.Operation != "" {
		msg = e.Operation + ": " + msg
	}
	if e.Timeout {
		msg += ": timed out"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is makes timeouts match ErrTimeout.
func (e *APIError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// DataShapeError means a response did not have the expected structure.
type DataShapeError struct {
	Operation string
	Field     string
	Err       error
}

func (e *DataShapeError) Error() string {
	msg := "unexpected response"
	if e.Operation != "" {
		msg = e.Operation + ": " + msg
	}
	if e.Field != "" {
		msg += ": missing or invalid " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataShapeError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err was caused by an upstream timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

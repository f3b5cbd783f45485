package backend

import (
	"errors"
	"fmt"
)

// ErrUnsupportedInput is returned when an adapter cannot accept the requested input kind.
var ErrUnsupportedInput = errors.New("input kind not supported by backend")

// TransportError covers connectivity failures, non-2xx statuses and empty bodies.
type TransportError struct {
	Op         string // e.g. "POST /photo/generate"
	StatusCode int    // 0 when no response was received
	Snippet    string // truncated response body
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode != 0 && e.Snippet != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Snippet)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	default:
		return e.Op + ": empty response body"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedError means the body could not be decoded or lacked a required field.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return "malformed response: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// BackendError is a failure the backend reported inside a well-formed envelope.
// Message is shown to users verbatim.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string { return e.Message }

// IsTransport reports whether err is a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a *MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

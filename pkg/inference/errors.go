package inference

import (
	"errors"
	"fmt"
)

// TransportError reports a failed round trip: the server could not be reached,
// the call timed out, or it answered with a non-2xx status.
type TransportError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference server returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("inference request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError reports a 2xx response whose body is not valid JSON
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed inference response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is or wraps a *TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is or wraps a *MalformedResponseError
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

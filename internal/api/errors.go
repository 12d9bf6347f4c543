package api

import (
	"errors"
	"fmt"
)

// TransportError reports that the card API could not be reached or its
// response could not be read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a response the card API answered with a non-success
// status, or a batch result that was not acknowledged.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// IsTransport reports whether err was caused by an unreachable card API.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

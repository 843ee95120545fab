package netsource

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFirstResponse means no matching response arrived in time; callers
	// fall back to the DOM engine.
	ErrNoFirstResponse = errors.New("netsource: no response before first-response timeout")

	// ErrNoPattern means the adapter has no URL pattern to capture.
	ErrNoPattern = errors.New("netsource: no listen pattern configured")

	// ErrNoResponse is returned by Capture.Next when its wait times out.
	ErrNoResponse = errors.New("netsource: no response")
)

// AdapterError wraps a failure of the network source.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("netsource %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsFallback reports whether err means the caller should use the DOM engine.
func IsFallback(err error) bool {
	var ae *AdapterError
	return errors.Is(err, ErrNoFirstResponse) || errors.As(err, &ae)
}

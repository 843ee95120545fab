package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationTimeout means the page never started answering.
	ErrGenerationTimeout = errors.New("stream: generation did not start")

	// ErrTargetLost means the monitored node disappeared for too many polls in a row.
	ErrTargetLost = errors.New("stream: monitored node lost")

	// ErrTurnConsumed is returned when a Turn's delta sequence is ranged twice.
	ErrTurnConsumed = errors.New("stream: turn already consumed")
)

// AbortError reports a turn that ended without a reply. It is scoped to
// one turn; the session can be reused.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("turn aborted in %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// IsTurnAbort reports whether err is a turn abort.
func IsTurnAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

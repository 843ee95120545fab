package pool

import "errors"

var (
	// ErrCapacityExhausted is returned when no session could be claimed before
	// the acquire deadline. It is a normal, retryable outcome.
	ErrCapacityExhausted = errors.New("pool: no session available before deadline")

	// ErrUnknownIndex is returned by AcquireByIndex for an index never assigned.
	ErrUnknownIndex = errors.New("pool: unknown session index")

	// ErrSessionRemoved is returned for sessions that were evicted from the pool.
	ErrSessionRemoved = errors.New("pool: session removed")

	// ErrSessionUnhealthy marks a session whose tab failed its liveness check.
	ErrSessionUnhealthy = errors.New("pool: session unhealthy")

	// ErrNotHolder is returned by a task-scoped release when the lease belongs to someone else.
	ErrNotHolder = errors.New("pool: session not held by task")

	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("pool: closed")
)

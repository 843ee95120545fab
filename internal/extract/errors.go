package extract

import "errors"

var (
	// ErrNotElement means a node does not expose the DOM surface.
	ErrNotElement = errors.New("extract: node is not a DOM element")

	// ErrUnknownMode is returned by New for an unregistered mode.
	ErrUnknownMode = errors.New("extract: unknown extractor mode")
)

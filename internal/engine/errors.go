package engine

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrNilQueue       = errors.New("engine queue not set")
	ErrNilPoster      = errors.New("engine poster not set")
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrUnencodable is returned by a Poster when frames cannot be turned
	// into a request body. Resending them can never succeed.
	ErrUnencodable = errors.New("frames cannot be encoded")
)

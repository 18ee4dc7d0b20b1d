package model

import "errors"

// Client facing outcomes.
var (
	ErrNotFound          = errors.New("source not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrUnsupportedSource = errors.New("unsupported source")
)

// Server side failures. None of these may be turned into an absent tile.
var (
	ErrDecodeFailure   = errors.New("tile decode failure")
	ErrUpstreamIO      = errors.New("upstream io error")
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

package config

import "errors"

var (
	// ErrParsingFailed indicates environment variables could not be parsed
	// into the target struct.
	ErrParsingFailed = errors.New("failed to parse environment variables")
)

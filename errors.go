package beacon

import "errors"

var (
	// ErrMissingAPIURL indicates the collection endpoint URL was not
	// configured.
	ErrMissingAPIURL = errors.New("missing API URL")
	// ErrMissingProjectID indicates the project identifier was not
	// configured.
	ErrMissingProjectID = errors.New("missing project ID")
	// ErrTrackerDestroyed indicates an operation on a destroyed tracker.
	ErrTrackerDestroyed = errors.New("tracker destroyed")
	// ErrFlushFailed indicates a batch could not be delivered to the
	// collection endpoint.
	ErrFlushFailed = errors.New("failed to flush events")
)

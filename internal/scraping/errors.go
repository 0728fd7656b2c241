package scraping

import "errors"

// Sentinel errors shared across store, cache and queue implementations.
var (
	// ErrJobNotFound is returned when a job ID has no persisted record.
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotFound is returned when a job has no stored result yet.
	ErrResultNotFound = errors.New("result not found")

	// ErrDuplicateJob is returned when creating a job whose ID already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidTransition is returned by the job store when a status update
	// would violate the lifecycle transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState is returned when an operation is not permitted in the
	// job's current state, e.g. cancelling a terminal job.
	ErrInvalidState = errors.New("operation not permitted in current job state")

	// ErrCacheMiss is returned by result caches when no fresh entry exists.
	ErrCacheMiss = errors.New("cache miss")
)

package scraping

import (
	"context"
	"time"
)

// StatusUpdate carries the optional fields written alongside a status change.
// Nil pointers leave the stored value untouched; ErrorMessage set to the empty
// string clears it.
type StatusUpdate struct {
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobStore persists jobs and their results. It is the single source of truth
// for job status, retry counts and final data. All updates are atomic per row.
type JobStore interface {
	// CreateJob persists a new job. The job must carry status pending.
	CreateJob(ctx context.Context, job Job) error

	// GetJob fetches a job by ID, returning ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// UpdateJobStatus atomically writes the new status plus any update
	// fields. It returns ErrInvalidTransition when the move is not legal.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, update StatusUpdate) (Job, error)

	// IncrementRetry atomically bumps retry_count, sets status to retrying
	// with the failure message and clears the attempt timestamps, all in one
	// write so no observer sees a half-recorded failure. When the count would
	// exceed max_retries it is a no-op returning the previous row; callers
	// are expected to have checked eligibility first.
	IncrementRetry(ctx context.Context, jobID string, errMsg string) (Job, error)

	// ListReadyScheduled returns pending jobs whose scheduled_at is unset or
	// due, ordered by priority descending then created_at ascending.
	ListReadyScheduled(ctx context.Context, limit int) ([]Job, error)

	// SaveResult persists the result for a completed job.
	SaveResult(ctx context.Context, result Result) error

	// GetResult fetches the result owned by a job, or ErrResultNotFound.
	GetResult(ctx context.Context, jobID string) (Result, error)
}

// Queue is the worker-facing slice of the queue manager.
type Queue interface {
	// Dequeue claims the next ready job for workerID, waiting up to wait for
	// one to become available. ok is false when the wait timed out.
	Dequeue(ctx context.Context, workerID string, wait time.Duration) (jobID string, ok bool, err error)

	// Complete reports the outcome of a claimed job. A failed completion
	// drives the retry/dead-letter branch inside the manager.
	Complete(ctx context.Context, jobID string, success bool, errMsg string) error
}

// ResultCache avoids redundant scraping of recently fetched pages.
// Entries are immutable once stored and simply expire.
type ResultCache interface {
	// Lookup returns the cached result for a fingerprint or ErrCacheMiss.
	// Expired entries count as misses and are evicted lazily.
	Lookup(ctx context.Context, fingerprint string) (Result, error)

	// Store caches a result under the fingerprint, overwriting any entry.
	Store(ctx context.Context, fingerprint string, result Result, ttl time.Duration) error
}

// Scraper fetches a page and extracts fields per the job's options.
// The core treats it as an opaque capability.
type Scraper interface {
	Scrape(ctx context.Context, request ScrapeRequest) (Result, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts (screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing backoff and TTL logic).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and result IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

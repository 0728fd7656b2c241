package scraping

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusRetrying  JobStatus = "retrying"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying:
		return true
	default:
		return false
	}
}

// transitions is the closed set of legal status moves.
//
// pending -> running (worker claims), retrying (failure with retries left),
// cancelled, failed (stale reclaim with retries exhausted)
// running -> completed, failed, cancelled, retrying (failure with retries left)
// retrying -> pending (promotion), cancelled
var transitions = map[JobStatus][]JobStatus{
	StatusPending:  {StatusRunning, StatusRetrying, StatusCancelled, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying: {StatusPending, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

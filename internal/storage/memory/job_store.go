// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// JobStore keeps jobs and results in maps guarded by one mutex. It enforces
// the same lifecycle transition rules as the Postgres store so the two are
// interchangeable behind the JobStore interface.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]scraping.Job
	results map[string]scraping.Result
	clock   scraping.Clock
}

// NewJobStore returns an empty store reading time from clock.
func NewJobStore(clock scraping.Clock) *JobStore {
	return &JobStore{
		jobs:    make(map[string]scraping.Job),
		results: make(map[string]scraping.Result),
		clock:   clock,
	}
}

// CreateJob persists a new job, returning ErrDuplicateJob when the ID exists.
func (s *JobStore) CreateJob(_ context.Context, job scraping.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scraping.ErrDuplicateJob
	}
	if job.Status == "" {
		job.Status = scraping.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scraping.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraping.Job{}, scraping.ErrJobNotFound
	}
	return job, nil
}

// UpdateJobStatus applies a status change plus any update fields, enforcing
// the lifecycle transition table.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status scraping.JobStatus, update scraping.StatusUpdate) (scraping.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraping.Job{}, scraping.ErrJobNotFound
	}
	if !scraping.CanTransition(job.Status, status) {
		return scraping.Job{}, scraping.ErrInvalidTransition
	}
	job.Status = status
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	s.jobs[jobID] = job
	return job, nil
}

// IncrementRetry bumps retry_count and moves the job to retrying in one
// write, recording the failure message. At the retry cap it is a no-op
// returning the current row.
func (s *JobStore) IncrementRetry(_ context.Context, jobID string, errMsg string) (scraping.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraping.Job{}, scraping.ErrJobNotFound
	}
	if job.RetryCount >= job.MaxRetries {
		return job, nil
	}
	job.RetryCount++
	job.Status = scraping.StatusRetrying
	job.ErrorMessage = errMsg
	job.StartedAt = nil
	job.CompletedAt = nil
	s.jobs[jobID] = job
	return job, nil
}

// ListReadyScheduled returns pending jobs that are due, most urgent first.
func (s *JobStore) ListReadyScheduled(_ context.Context, limit int) ([]scraping.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var jobs []scraping.Job
	for _, job := range s.jobs {
		if job.Status != scraping.StatusPending {
			continue
		}
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// SaveResult persists the result for a job, overwriting any previous one.
func (s *JobStore) SaveResult(_ context.Context, result scraping.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[result.JobID]; !ok {
		return scraping.ErrJobNotFound
	}
	s.results[result.JobID] = result
	return nil
}

// GetResult fetches the result owned by a job.
func (s *JobStore) GetResult(_ context.Context, jobID string) (scraping.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[jobID]
	if !ok {
		return scraping.Result{}, scraping.ErrResultNotFound
	}
	return result, nil
}

// Package queue implements the job lifecycle state machine: priority
// admission, dequeue/claim, retry scheduling with backoff, stale-job
// reclamation and dead-letter routing.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// membership identifies which queue set currently holds a job ID.
type membership int

const (
	memberReady membership = iota
	memberRetry
)

// claim records the owner of an in-flight job.
type claim struct {
	workerID  string
	claimedAt time.Time
}

// Config controls retry backoff behavior.
type Config struct {
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Manager owns the three queue sets (ready, in-flight, retry-delayed) plus
// the dead-letter list behind a single synchronization boundary. The job
// store remains the source of truth for job state; the manager never
// proceeds past a store failure.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ready    readyHeap
	retry    delayHeap
	inflight map[string]claim
	members  map[string]membership
	dead     []scraping.DeadLetterEntry
	seq      uint64

	store  scraping.JobStore
	clock  scraping.Clock
	cfg    Config
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store scraping.JobStore, clock scraping.Clock, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		inflight: make(map[string]claim),
		members:  make(map[string]membership),
		store:    store,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Backoff returns the retry delay before the given attempt, growing
// exponentially and capped at the configured maximum.
func (m *Manager) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := float64(m.cfg.BackoffBase) * math.Pow(m.cfg.BackoffMultiplier, float64(retryCount-1))
	if delay > float64(m.cfg.BackoffMax) {
		return m.cfg.BackoffMax
	}
	return time.Duration(delay)
}

// Enqueue admits a job into the ready set. The call is idempotent per job
// ID: a job already present in ready, in-flight or retry-delayed is left
// untouched and false is returned. A positive delay defers readiness; the
// entry still lives in the ready-ordered structure and eligibility is
// checked at dequeue time.
func (m *Manager) Enqueue(ctx context.Context, jobID string, priority int, delay time.Duration) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.containsLocked(jobID) {
		m.logger.Debug("duplicate enqueue ignored", zap.String("job_id", jobID))
		return false, nil
	}
	if delay < 0 {
		delay = 0
	}
	e := &entry{
		jobID:    jobID,
		priority: priority,
		readyAt:  m.clock.Now().Add(delay),
		seq:      m.nextSeqLocked(),
	}
	heap.Push(&m.ready, e)
	m.members[jobID] = memberReady
	m.cond.Broadcast()
	m.logger.Debug("job enqueued",
		zap.String("job_id", jobID),
		zap.Int("priority", priority),
		zap.Duration("delay", delay),
	)
	return true, nil
}

// Dequeue atomically claims the eligible ready entry with the best score
// for workerID: remove from ready and insert into in-flight in one step, so
// no job is ever handed to two workers. When nothing is eligible the call
// waits cooperatively up to wait, waking on admission, promotion or context
// cancellation; ok is false on timeout. A wait of zero checks once.
func (m *Manager) Dequeue(ctx context.Context, workerID string, wait time.Duration) (string, bool, error) {
	deadline := m.clock.Now().Add(wait)

	stop := context.AfterFunc(ctx, func() { m.cond.Broadcast() })
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", false, fmt.Errorf("dequeue: %w", err)
		}
		now := m.clock.Now()
		if e := m.takeEligibleLocked(now); e != nil {
			m.inflight[e.jobID] = claim{workerID: workerID, claimedAt: now}
			m.logger.Debug("job dequeued",
				zap.String("job_id", e.jobID),
				zap.String("worker_id", workerID),
			)
			return e.jobID, true, nil
		}
		if !now.Before(deadline) {
			return "", false, nil
		}
		wake := deadline
		if next, found := m.nextReadyAtLocked(); found && next.Before(wake) {
			wake = next
		}
		m.waitLocked(wake.Sub(now))
	}
}

// Complete removes the job from in-flight and records its outcome. The
// queue side is idempotent: completing a job that is not in-flight only
// attempts the terminal store update (success) or is a no-op (failure), so
// a late report for a reclaimed or cancelled job cannot double-schedule a
// retry or dead-letter it twice.
func (m *Manager) Complete(ctx context.Context, jobID string, success bool, errMsg string) error {
	m.mu.Lock()
	c, wasInflight := m.inflight[jobID]
	delete(m.inflight, jobID)
	m.mu.Unlock()

	if !success && !wasInflight {
		m.logger.Debug("failure report for unclaimed job ignored", zap.String("job_id", jobID))
		return nil
	}

	var err error
	if success {
		err = m.completeSuccess(ctx, jobID)
	} else {
		err = m.handleFailure(ctx, jobID, errMsg)
	}
	if err != nil && wasInflight {
		// The store write failed, so the job is still running as far as the
		// store is concerned. Restore the claim (original timestamp) so the
		// stale-reclaim pass retries the outcome instead of losing the job.
		m.mu.Lock()
		if !m.containsLocked(jobID) {
			m.inflight[jobID] = c
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) completeSuccess(ctx context.Context, jobID string) error {
	now := m.clock.Now()
	if _, err := m.store.UpdateJobStatus(ctx, jobID, scraping.StatusCompleted, scraping.StatusUpdate{CompletedAt: &now}); err != nil {
		if errors.Is(err, scraping.ErrJobNotFound) || errors.Is(err, scraping.ErrInvalidTransition) {
			// Already terminal or gone; clearing the claim was the point.
			m.logger.Debug("completion for settled job", zap.String("job_id", jobID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// handleFailure drives the retry/dead-letter branch for a failed attempt.
func (m *Manager) handleFailure(ctx context.Context, jobID, errMsg string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, scraping.ErrJobNotFound) {
			m.logger.Warn("failed job missing from store", zap.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("load failed job %s: %w", jobID, err)
	}
	if job.Terminal() {
		// Cancelled (or otherwise settled) while in flight; discard.
		return nil
	}

	if job.CanRetry() {
		// One store write moves the row to retrying; the requeue pass only
		// sees pending rows, so the job cannot be re-admitted to ready while
		// its retry entry is still pending insertion below.
		updated, err := m.store.IncrementRetry(ctx, jobID, errMsg)
		if err != nil {
			return fmt.Errorf("increment retry for job %s: %w", jobID, err)
		}
		delay := m.Backoff(updated.RetryCount)

		m.mu.Lock()
		if !m.containsLocked(jobID) {
			heap.Push(&m.retry, &entry{
				jobID:    jobID,
				priority: job.Priority,
				readyAt:  m.clock.Now().Add(delay),
				seq:      m.nextSeqLocked(),
			})
			m.members[jobID] = memberRetry
		}
		m.mu.Unlock()

		m.logger.Info("job scheduled for retry",
			zap.String("job_id", jobID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Duration("delay", delay),
			zap.String("error", errMsg),
		)
		return nil
	}

	now := m.clock.Now()
	if _, err := m.store.UpdateJobStatus(ctx, jobID, scraping.StatusFailed, scraping.StatusUpdate{ErrorMessage: &errMsg, CompletedAt: &now}); err != nil {
		return fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	m.mu.Lock()
	m.dead = append(m.dead, scraping.DeadLetterEntry{JobID: jobID, Reason: errMsg, FailedAt: now})
	m.mu.Unlock()
	m.logger.Warn("job failed permanently",
		zap.String("job_id", jobID),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error", errMsg),
	)
	return nil
}

// Cancel moves a non-terminal job to cancelled and evicts it from whichever
// queue set holds it. Terminal jobs yield ErrInvalidState and no changes.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if job.Terminal() {
		return scraping.ErrInvalidState
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	now := m.clock.Now()
	if _, err := m.store.UpdateJobStatus(ctx, jobID, scraping.StatusCancelled, scraping.StatusUpdate{ErrorMessage: &reason, CompletedAt: &now}); err != nil {
		if errors.Is(err, scraping.ErrInvalidTransition) {
			// Lost the race against a concurrent terminal transition.
			return scraping.ErrInvalidState
		}
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	m.mu.Lock()
	m.removeLocked(jobID)
	delete(m.inflight, jobID)
	m.mu.Unlock()

	m.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// ReclaimStale recovers jobs whose worker crashed or hung: every in-flight
// entry older than maxAge goes through the normal failure branch, consuming
// one retry attempt or landing in the dead-letter list.
func (m *Manager) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	now := m.clock.Now()
	var stale []string
	for jobID, c := range m.inflight {
		if now.Sub(c.claimedAt) > maxAge {
			stale = append(stale, jobID)
		}
	}
	m.mu.Unlock()
	sort.Strings(stale)

	count := 0
	for _, jobID := range stale {
		m.logger.Warn("reclaiming stale job", zap.String("job_id", jobID))
		if err := m.Complete(ctx, jobID, false, "processing timeout"); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// PromoteRetryReady moves retry-delayed entries whose readiness time has
// elapsed back into the ready set, restoring their store status to pending.
// It must run periodically; the retry-delayed set is otherwise passive.
func (m *Manager) PromoteRetryReady(ctx context.Context) (int, error) {
	m.mu.Lock()
	now := m.clock.Now()
	var due []string
	for _, e := range m.retry {
		if !e.readyAt.After(now) {
			due = append(due, e.jobID)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)

	count := 0
	for _, jobID := range due {
		if _, err := m.store.UpdateJobStatus(ctx, jobID, scraping.StatusPending, scraping.StatusUpdate{}); err != nil {
			if errors.Is(err, scraping.ErrJobNotFound) || errors.Is(err, scraping.ErrInvalidTransition) {
				// Cancelled or otherwise settled while delayed; drop the entry.
				m.dropRetryEntry(jobID)
				continue
			}
			return count, fmt.Errorf("promote job %s: %w", jobID, err)
		}

		m.mu.Lock()
		if i := m.retry.indexOf(jobID); i >= 0 {
			e := heap.Remove(&m.retry, i).(*entry)
			e.readyAt = m.clock.Now()
			e.seq = m.nextSeqLocked()
			heap.Push(&m.ready, e)
			m.members[jobID] = memberReady
			m.cond.Broadcast()
			count++
		}
		m.mu.Unlock()
		m.logger.Info("retry promoted to ready", zap.String("job_id", jobID))
	}
	return count, nil
}

// RequeuePending re-admits pending store rows that are due but absent from
// every queue set. Run at startup and periodically, it makes the in-memory
// queue crash-tolerant: jobs survive a process restart through the store.
func (m *Manager) RequeuePending(ctx context.Context, limit int) (int, error) {
	jobs, err := m.store.ListReadyScheduled(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list ready jobs: %w", err)
	}
	count := 0
	for _, job := range jobs {
		added, err := m.Enqueue(ctx, job.ID, job.Priority, 0)
		if err != nil {
			return count, err
		}
		if added {
			count++
		}
	}
	if count > 0 {
		m.logger.Info("requeued pending jobs from store", zap.Int("count", count))
	}
	return count, nil
}

// Stats returns a snapshot of the queue set sizes.
func (m *Manager) Stats() scraping.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return scraping.QueueStats{
		ReadyCount:        len(m.ready),
		InFlightCount:     len(m.inflight),
		RetryDelayedCount: len(m.retry),
		DeadLetterCount:   len(m.dead),
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (m *Manager) DeadLetters() []scraping.DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scraping.DeadLetterEntry, len(m.dead))
	copy(out, m.dead)
	return out
}

// takeEligibleLocked removes and returns the best ready entry whose
// readiness time has passed, or nil when none qualifies. Entries admitted
// with a delay may sit at the top of the heap before they are due, so the
// scan considers the whole set.
func (m *Manager) takeEligibleLocked(now time.Time) *entry {
	best := -1
	for i, e := range m.ready {
		if e.readyAt.After(now) {
			continue
		}
		if best < 0 || e.less(m.ready[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	e := heap.Remove(&m.ready, best).(*entry)
	delete(m.members, e.jobID)
	return e
}

// nextReadyAtLocked returns the earliest future readiness time in the ready
// set, used to bound the dequeue wait.
func (m *Manager) nextReadyAtLocked() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range m.ready {
		if !found || e.readyAt.Before(next) {
			next = e.readyAt
			found = true
		}
	}
	return next, found
}

// waitLocked blocks on the condition variable with a timed wakeup. The
// caller holds m.mu; Wait releases it while suspended.
func (m *Manager) waitLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.AfterFunc(d, m.cond.Broadcast)
	defer timer.Stop()
	m.cond.Wait()
}

func (m *Manager) containsLocked(jobID string) bool {
	if _, ok := m.members[jobID]; ok {
		return true
	}
	_, ok := m.inflight[jobID]
	return ok
}

// removeLocked evicts a job from the ready or retry set if present.
func (m *Manager) removeLocked(jobID string) {
	kind, ok := m.members[jobID]
	if !ok {
		return
	}
	switch kind {
	case memberReady:
		if i := m.ready.indexOf(jobID); i >= 0 {
			heap.Remove(&m.ready, i)
		}
	case memberRetry:
		if i := m.retry.indexOf(jobID); i >= 0 {
			heap.Remove(&m.retry, i)
		}
	}
	delete(m.members, jobID)
}

func (m *Manager) dropRetryEntry(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.retry.indexOf(jobID); i >= 0 {
		heap.Remove(&m.retry, i)
		delete(m.members, jobID)
	}
}

func (m *Manager) nextSeqLocked() uint64 {
	m.seq++
	return m.seq
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/clock/system"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
	"github.com/scrapeworks/scrapeqd/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *memory.JobStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewJobStore(clock)
	m := NewManager(store, clock, Config{}, zap.NewNop())
	return m, store, clock
}

func createJob(t *testing.T, store *memory.JobStore, id string, priority, maxRetries int) {
	t.Helper()
	err := store.CreateJob(context.Background(), scraping.Job{
		ID:         id,
		URL:        "https://example.com/" + id,
		Priority:   priority,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
}

func mustEnqueue(t *testing.T, m *Manager, id string, priority int, delay time.Duration) {
	t.Helper()
	added, err := m.Enqueue(context.Background(), id, priority, delay)
	require.NoError(t, err)
	require.True(t, added)
}

func mustDequeue(t *testing.T, m *Manager, workerID string) string {
	t.Helper()
	jobID, ok, err := m.Dequeue(context.Background(), workerID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	return jobID
}

func TestEnqueueIdempotentPerJobID(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	added, err := m.Enqueue(ctx, "job-1", 3, 0)
	require.NoError(t, err)
	require.True(t, added)

	added, err = m.Enqueue(ctx, "job-1", 9, 0)
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 1, m.Stats().ReadyCount)

	// Still suppressed while in flight.
	mustDequeue(t, m, "w1")
	added, err = m.Enqueue(ctx, "job-1", 3, 0)
	require.NoError(t, err)
	require.False(t, added)
}

func TestDequeueHonorsPriority(t *testing.T) {
	m, _, _ := newTestManager(t)

	mustEnqueue(t, m, "low", 1, 0)
	mustEnqueue(t, m, "high", 5, 0)

	require.Equal(t, "high", mustDequeue(t, m, "w1"))
	require.Equal(t, "low", mustDequeue(t, m, "w1"))
}

func TestDequeueFIFOWithinEqualPriority(t *testing.T) {
	m, _, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		mustEnqueue(t, m, fmt.Sprintf("job-%d", i), 2, 0)
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, fmt.Sprintf("job-%d", i), mustDequeue(t, m, "w1"))
	}
}

func TestDelayedJobNotEligibleUntilDue(t *testing.T) {
	m, _, clock := newTestManager(t)

	mustEnqueue(t, m, "later", 9, time.Minute)
	mustEnqueue(t, m, "now", 1, 0)

	// The delayed job outranks on priority but is not yet due.
	require.Equal(t, "now", mustDequeue(t, m, "w1"))

	_, ok, err := m.Dequeue(context.Background(), "w1", 0)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Minute)
	require.Equal(t, "later", mustDequeue(t, m, "w1"))
}

func TestDequeueNeverHandsJobToTwoWorkers(t *testing.T) {
	clock := system.New()
	store := memory.NewJobStore(clock)
	m := NewManager(store, clock, Config{}, zap.NewNop())

	const jobs = 50
	const workers = 8
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, m, fmt.Sprintf("job-%d", i), i%3, 0)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				jobID, ok, err := m.Dequeue(context.Background(), workerID, 10*time.Millisecond)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[jobID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for jobID, count := range claimed {
		require.Equal(t, 1, count, "job %s claimed %d times", jobID, count)
	}
	require.Equal(t, jobs, m.Stats().InFlightCount)
}

func TestBlockingDequeueWakesOnEnqueue(t *testing.T) {
	clock := system.New()
	store := memory.NewJobStore(clock)
	m := NewManager(store, clock, Config{}, zap.NewNop())

	type result struct {
		jobID string
		ok    bool
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		jobID, ok, err := m.Dequeue(context.Background(), "w1", 5*time.Second)
		resCh <- result{jobID, ok, err}
	}()

	time.Sleep(50 * time.Millisecond)
	mustEnqueue(t, m, "job-1", 1, 0)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.True(t, res.ok)
		require.Equal(t, "job-1", res.jobID)
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	clock := system.New()
	store := memory.NewJobStore(clock)
	m := NewManager(store, clock, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Dequeue(ctx, "w1", time.Minute)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestCompleteSuccessMarksJobCompleted(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, jobID, true, ""))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, 0, m.Stats().InFlightCount)

	// A duplicate success report is harmless.
	require.NoError(t, m.Complete(ctx, jobID, true, ""))
}

func TestCompleteFailureSchedulesRetryWithBackoff(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, jobID, false, "timeout"))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusRetrying, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Equal(t, "timeout", job.ErrorMessage)

	stats := m.Stats()
	require.Equal(t, 1, stats.RetryDelayedCount)
	require.Equal(t, 0, stats.InFlightCount)

	// Not promotable before the backoff delay elapses.
	n, err := m.PromoteRetryReady(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(m.Backoff(1))
	n, err = m.PromoteRetryReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err = store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusPending, job.Status)
	require.Equal(t, jobID, mustDequeue(t, m, "w1"))
}

func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 2)
	mustEnqueue(t, m, "job-1", 1, 0)

	// max_retries=2 allows three attempts in total.
	for attempt := 0; attempt < 3; attempt++ {
		jobID := mustDequeue(t, m, "w1")
		_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
		require.NoError(t, err)
		require.NoError(t, m.Complete(ctx, jobID, false, fmt.Sprintf("attempt %d failed", attempt+1)))

		if attempt < 2 {
			job, err := store.GetJob(ctx, jobID)
			require.NoError(t, err)
			require.Equal(t, scraping.StatusRetrying, job.Status)
			clock.Advance(m.Backoff(job.RetryCount))
			n, err := m.PromoteRetryReady(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
	}

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scraping.StatusFailed, job.Status)
	require.Equal(t, 2, job.RetryCount)
	require.Equal(t, "attempt 3 failed", job.ErrorMessage)

	dead := m.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, "job-1", dead[0].JobID)
	require.Equal(t, "attempt 3 failed", dead[0].Reason)

	// A late duplicate failure report cannot dead-letter the job again.
	require.NoError(t, m.Complete(ctx, "job-1", false, "stray report"))
	require.Len(t, m.DeadLetters(), 1)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	m := NewManager(nil, newFakeClock(), Config{
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Minute,
	}, zap.NewNop())

	require.Equal(t, 5*time.Second, m.Backoff(1))
	require.Equal(t, 10*time.Second, m.Backoff(2))
	require.Equal(t, 20*time.Second, m.Backoff(3))

	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		d := m.Backoff(i)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 5*time.Minute)
		prev = d
	}
	require.Equal(t, 5*time.Minute, m.Backoff(12))
}

func TestCancelPendingJobRemovesFromReady(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)

	require.NoError(t, m.Cancel(ctx, "job-1", "not needed"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scraping.StatusCancelled, job.Status)
	require.Equal(t, "not needed", job.ErrorMessage)
	require.Equal(t, 0, m.Stats().ReadyCount)

	_, ok, err := m.Dequeue(ctx, "w1", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelTerminalJobReturnsInvalidState(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	require.NoError(t, m.Cancel(ctx, "job-1", ""))

	// Cancel is not idempotent: a second call reports the state error.
	err := m.Cancel(ctx, "job-1", "")
	require.ErrorIs(t, err, scraping.ErrInvalidState)

	err = m.Cancel(ctx, "missing", "")
	require.ErrorIs(t, err, scraping.ErrJobNotFound)
}

func TestCancelInFlightJobDropsLateResult(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, jobID, "operator request"))
	require.Equal(t, 0, m.Stats().InFlightCount)

	// The worker's late failure report must not revive the job.
	require.NoError(t, m.Complete(ctx, jobID, false, "late failure"))
	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusCancelled, job.Status)
	require.Equal(t, 0, m.Stats().RetryDelayedCount)
	require.Empty(t, m.DeadLetters())
}

func TestReclaimStaleConsumesOneRetry(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	// Too fresh to reclaim.
	n, err := m.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(11 * time.Minute)
	n, err = m.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusRetrying, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Equal(t, "processing timeout", job.ErrorMessage)
	require.Equal(t, 0, m.Stats().InFlightCount)
	require.Equal(t, 1, m.Stats().RetryDelayedCount)
}

func TestReclaimStaleExhaustedJobDeadLetters(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 0)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := m.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusFailed, job.Status)
	require.Len(t, m.DeadLetters(), 1)
}

func TestPromoteDropsJobCancelledDuringDelay(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, jobID, false, "timeout"))

	// Settle the job behind the manager's back; the promotion pass must
	// notice and discard the stale retry entry.
	_, err = store.UpdateJobStatus(ctx, jobID, scraping.StatusCancelled, scraping.StatusUpdate{})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := m.PromoteRetryReady(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 0, m.Stats().RetryDelayedCount)
	require.Equal(t, 0, m.Stats().ReadyCount)
}

func TestRequeuePendingReadmitsStoreRows(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-a", 5, 3)
	createJob(t, store, "job-b", 1, 3)
	createJob(t, store, "job-c", 3, 3)
	// job-c is already tracked; requeue must not duplicate it.
	mustEnqueue(t, m, "job-c", 3, 0)

	n, err := m.RequeuePending(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 3, m.Stats().ReadyCount)

	require.Equal(t, "job-a", mustDequeue(t, m, "w1"))
	require.Equal(t, "job-c", mustDequeue(t, m, "w1"))
	require.Equal(t, "job-b", mustDequeue(t, m, "w1"))
}

// requeueRacingStore fires a store requeue pass immediately after the first
// retry increment, mimicking the cron requeue landing mid-failure.
type requeueRacingStore struct {
	*memory.JobStore
	m    *Manager
	once sync.Once
}

func (s *requeueRacingStore) IncrementRetry(ctx context.Context, jobID, errMsg string) (scraping.Job, error) {
	job, err := s.JobStore.IncrementRetry(ctx, jobID, errMsg)
	s.once.Do(func() {
		_, _ = s.m.RequeuePending(ctx, 100)
	})
	return job, err
}

func TestRequeueDuringFailureCannotStrandJob(t *testing.T) {
	clock := newFakeClock()
	base := memory.NewJobStore(clock)
	store := &requeueRacingStore{JobStore: base}
	m := NewManager(store, clock, Config{}, zap.NewNop())
	store.m = m
	ctx := context.Background()

	createJob(t, base, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := base.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, jobID, false, "timeout"))

	// The racing requeue pass must not have re-admitted the job into ready;
	// it belongs to the retry-delayed set alone.
	job, err := base.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusRetrying, job.Status)
	stats := m.Stats()
	require.Equal(t, 0, stats.ReadyCount)
	require.Equal(t, 1, stats.RetryDelayedCount)
	require.Equal(t, 0, stats.InFlightCount)

	// The job still runs to completion through the normal promote path.
	clock.Advance(m.Backoff(1))
	n, err := m.PromoteRetryReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, jobID, mustDequeue(t, m, "w1"))
	_, err = base.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, jobID, true, ""))

	job, err = base.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusCompleted, job.Status)
}

// flakyStore fails a configurable number of status updates with a transient
// error before delegating to the real store.
type flakyStore struct {
	*memory.JobStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpdateJobStatus(ctx context.Context, jobID string, status scraping.JobStatus, update scraping.StatusUpdate) (scraping.Job, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return scraping.Job{}, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.JobStore.UpdateJobStatus(ctx, jobID, status, update)
}

func TestCompleteStoreFailureKeepsClaim(t *testing.T) {
	clock := newFakeClock()
	base := memory.NewJobStore(clock)
	store := &flakyStore{JobStore: base}
	m := NewManager(store, clock, Config{}, zap.NewNop())
	ctx := context.Background()

	createJob(t, base, "job-1", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	jobID := mustDequeue(t, m, "w1")
	_, err := base.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)

	// A transient store failure must leave the claim in place so the stale
	// reclaim pass can retry the outcome later.
	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	err = m.Complete(ctx, jobID, true, "")
	require.Error(t, err)
	require.Equal(t, 1, m.Stats().InFlightCount)

	// The retried report lands normally.
	require.NoError(t, m.Complete(ctx, jobID, true, ""))
	job, err := base.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scraping.StatusCompleted, job.Status)
	require.Equal(t, 0, m.Stats().InFlightCount)
}

func TestStatsSnapshot(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	createJob(t, store, "job-1", 1, 3)
	createJob(t, store, "job-2", 1, 3)
	mustEnqueue(t, m, "job-1", 1, 0)
	mustEnqueue(t, m, "job-2", 1, 0)

	jobID := mustDequeue(t, m, "w1")
	_, err := store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, jobID, false, "boom"))

	stats := m.Stats()
	require.Equal(t, 1, stats.ReadyCount)
	require.Equal(t, 0, stats.InFlightCount)
	require.Equal(t, 1, stats.RetryDelayedCount)
	require.Equal(t, 0, stats.DeadLetterCount)
}

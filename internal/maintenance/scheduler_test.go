package maintenance

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/clock/system"
	"github.com/scrapeworks/scrapeqd/internal/metrics"
	"github.com/scrapeworks/scrapeqd/internal/queue"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
	"github.com/scrapeworks/scrapeqd/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func TestSchedulerPromotesRetriesEndToEnd(t *testing.T) {
	clock := system.New()
	store := memory.NewJobStore(clock)
	manager := queue.NewManager(store, clock, queue.Config{
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        time.Second,
	}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, scraping.Job{ID: "job-1", URL: "https://example.com", MaxRetries: 3}))
	_, err := manager.Enqueue(ctx, "job-1", 1, 0)
	require.NoError(t, err)

	jobID, ok, err := manager.Dequeue(ctx, "w1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{})
	require.NoError(t, err)
	require.NoError(t, manager.Complete(ctx, jobID, false, "boom"))
	require.Equal(t, 1, manager.Stats().RetryDelayedCount)

	sched := New(manager, nil, Config{
		PromoteSpec: "@every 1s",
		ReclaimSpec: "@every 1h",
		RequeueSpec: "@every 1h",
	}, zap.NewNop())
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return manager.Stats().ReadyCount == 1 && manager.Stats().RetryDelayedCount == 0
	}, 10*time.Second, 50*time.Millisecond)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scraping.StatusPending, job.Status)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	clock := system.New()
	manager := queue.NewManager(memory.NewJobStore(clock), clock, queue.Config{}, zap.NewNop())

	sched := New(manager, nil, Config{PromoteSpec: "not a spec"}, zap.NewNop())
	require.Error(t, sched.Start(context.Background()))
}

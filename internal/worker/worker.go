// Package worker implements the scrape execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/hash/fingerprint"
	"github.com/scrapeworks/scrapeqd/internal/metrics"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// Config controls Worker behavior.
type Config struct {
	// ID identifies this worker in queue claims and logs.
	ID string
	// DequeueWait bounds each blocking dequeue call.
	DequeueWait time.Duration
	// ScrapeTimeout is the default per-job scrape budget; job options override.
	ScrapeTimeout time.Duration
	// CacheTTL is how long scraped results stay reusable.
	CacheTTL time.Duration
	// Topic receives completion events; empty disables publishing.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker"
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 2 * time.Second
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Worker consumes claimed jobs and executes the scrape pipeline: cache
// lookup, fetch, persist, cache fill, publish. Outcome reporting goes
// through the queue, which owns the terminal store transitions.
type Worker struct {
	queue     scraping.Queue
	store     scraping.JobStore
	cache     scraping.ResultCache
	scraper   scraping.Scraper
	publisher scraping.Publisher
	ids       scraping.IDGenerator
	clock     scraping.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue scraping.Queue,
	store scraping.JobStore,
	cache scraping.ResultCache,
	scraper scraping.Scraper,
	publisher scraping.Publisher,
	ids scraping.IDGenerator,
	clock scraping.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		cache:     cache,
		scraper:   scraper,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("worker_id", cfg.withDefaults().ID)),
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		jobID, ok, err := w.queue.Dequeue(ctx, w.cfg.ID, w.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.processJob(ctx, jobID)
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", jobID))

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, scraping.ErrJobNotFound) {
			logger.Error("load claimed job failed", zap.Error(err))
		}
		// Release the claim without consuming a retry; a pending row will
		// be re-admitted by the maintenance requeue.
		w.release(ctx, jobID, logger)
		return
	}
	if job.Terminal() {
		logger.Debug("claimed job already settled", zap.String("status", string(job.Status)))
		w.release(ctx, jobID, logger)
		return
	}

	started := w.clock.Now()
	if _, err := w.store.UpdateJobStatus(ctx, jobID, scraping.StatusRunning, scraping.StatusUpdate{StartedAt: &started}); err != nil {
		if errors.Is(err, scraping.ErrInvalidTransition) || errors.Is(err, scraping.ErrJobNotFound) {
			w.release(ctx, jobID, logger)
			return
		}
		logger.Error("mark job running failed", zap.Error(err))
		w.release(ctx, jobID, logger)
		return
	}

	key, err := fingerprint.Compute(job.URL, job.Selector, job.Options)
	if err != nil {
		w.fail(ctx, jobID, fmt.Sprintf("fingerprint request: %v", err), logger)
		return
	}

	if cached, err := w.cache.Lookup(ctx, key); err == nil {
		metrics.ObserveCacheLookup("hit")
		logger.Debug("cache hit", zap.String("fingerprint", key))
		w.finish(ctx, job, w.resultFromCache(cached, jobID), logger)
		return
	} else if !errors.Is(err, scraping.ErrCacheMiss) {
		logger.Warn("cache lookup failed", zap.Error(err))
	} else {
		metrics.ObserveCacheLookup("miss")
	}

	timeout := job.Options.ScrapeTimeout(w.cfg.ScrapeTimeout)
	scrapeCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := w.scraper.Scrape(scrapeCtx, scraping.ScrapeRequest{
		JobID:    job.ID,
		URL:      job.URL,
		Selector: job.Selector,
		Options:  job.Options,
		Timeout:  timeout,
	})
	cancel()
	metrics.ObserveScrape(w.clock.Now().Sub(started))
	if err != nil {
		w.fail(ctx, jobID, err.Error(), logger)
		return
	}

	result.ID = w.newID(logger)
	result.JobID = jobID
	result.CreatedAt = w.clock.Now()

	if err := w.cache.Store(ctx, key, result, w.cfg.CacheTTL); err != nil {
		logger.Warn("cache store failed", zap.Error(err))
	}
	w.finish(ctx, job, result, logger)
}

// finish persists the result and reports success. A job cancelled while the
// scrape ran keeps its cancelled status; the result is discarded.
func (w *Worker) finish(ctx context.Context, job scraping.Job, result scraping.Result, logger *zap.Logger) {
	fresh, err := w.store.GetJob(ctx, job.ID)
	if err == nil && fresh.Terminal() {
		logger.Info("job settled during scrape, discarding result", zap.String("status", string(fresh.Status)))
		w.release(ctx, job.ID, logger)
		return
	}

	if err := w.store.SaveResult(ctx, result); err != nil {
		w.fail(ctx, job.ID, fmt.Sprintf("save result: %v", err), logger)
		return
	}
	if err := w.queue.Complete(ctx, job.ID, true, ""); err != nil {
		logger.Error("report completion failed", zap.Error(err))
		return
	}
	metrics.ObserveJob("completed")
	w.publishCompletion(ctx, job, result, logger)
	logger.Info("job completed",
		zap.String("url", job.URL),
		zap.Int64("size_bytes", result.SizeBytes),
		zap.Bool("from_cache", result.FromCache),
	)
}

func (w *Worker) fail(ctx context.Context, jobID, errMsg string, logger *zap.Logger) {
	metrics.ObserveJob("failed")
	if err := w.queue.Complete(ctx, jobID, false, errMsg); err != nil {
		logger.Error("report failure failed", zap.Error(err))
	}
	logger.Warn("job attempt failed", zap.String("error", errMsg))
}

// release clears the in-flight claim without recording an outcome.
func (w *Worker) release(ctx context.Context, jobID string, logger *zap.Logger) {
	if err := w.queue.Complete(ctx, jobID, true, ""); err != nil {
		logger.Error("release claim failed", zap.Error(err))
	}
}

func (w *Worker) resultFromCache(cached scraping.Result, jobID string) scraping.Result {
	cached.ID = w.newID(w.logger)
	cached.JobID = jobID
	cached.FromCache = true
	cached.CreatedAt = w.clock.Now()
	return cached
}

func (w *Worker) newID(logger *zap.Logger) string {
	id, err := w.ids.NewID()
	if err != nil {
		// UUID generation only fails when entropy is exhausted.
		logger.Error("generate result id failed", zap.Error(err))
		return fmt.Sprintf("result-%d", w.clock.Now().UnixNano())
	}
	return id
}

func (w *Worker) publishCompletion(ctx context.Context, job scraping.Job, result scraping.Result, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":     job.ID,
		"url":        job.URL,
		"status":     string(scraping.StatusCompleted),
		"final_url":  result.FinalURL,
		"size_bytes": result.SizeBytes,
		"from_cache": result.FromCache,
		"timestamp":  w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

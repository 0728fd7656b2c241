// Package main wires together the scrape queue service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/api"
	badgercache "github.com/scrapeworks/scrapeqd/internal/cache/badger"
	memorycache "github.com/scrapeworks/scrapeqd/internal/cache/memory"
	"github.com/scrapeworks/scrapeqd/internal/clock/system"
	"github.com/scrapeworks/scrapeqd/internal/config"
	"github.com/scrapeworks/scrapeqd/internal/dispatcher"
	"github.com/scrapeworks/scrapeqd/internal/id/uuid"
	"github.com/scrapeworks/scrapeqd/internal/logging"
	"github.com/scrapeworks/scrapeqd/internal/maintenance"
	"github.com/scrapeworks/scrapeqd/internal/metrics"
	pubsubpublisher "github.com/scrapeworks/scrapeqd/internal/publisher/pubsub"
	"github.com/scrapeworks/scrapeqd/internal/queue"
	chromedpscraper "github.com/scrapeworks/scrapeqd/internal/scraper/chromedp"
	collyscraper "github.com/scrapeworks/scrapeqd/internal/scraper/colly"
	noopscraper "github.com/scrapeworks/scrapeqd/internal/scraper/noop"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
	gcsstorage "github.com/scrapeworks/scrapeqd/internal/storage/gcs"
	localstorage "github.com/scrapeworks/scrapeqd/internal/storage/local"
	memorystorage "github.com/scrapeworks/scrapeqd/internal/storage/memory"
	"github.com/scrapeworks/scrapeqd/internal/storage/postgres"
	"github.com/scrapeworks/scrapeqd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.NewGenerator()

	var jobStore scraping.JobStore
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return fmt.Errorf("init postgres job store: %w", err)
		}
		defer pgStore.Close()
		jobStore = pgStore
	} else {
		jobStore = memorystorage.NewJobStore(clock)
	}

	blobStore, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var resultCache scraping.ResultCache
	var cacheGC maintenance.GCRunner
	if cfg.Cache.Provider == "badger" {
		bc, err := badgercache.Open(cfg.Cache.Dir, logger.Named("cache"))
		if err != nil {
			return fmt.Errorf("open badger cache: %w", err)
		}
		defer func() {
			if closeErr := bc.Close(); closeErr != nil {
				logger.Warn("cache close failed", zap.Error(closeErr))
			}
		}()
		resultCache = bc
		cacheGC = bc
	} else {
		resultCache = memorycache.New(clock)
	}

	scraper, err := newScraper(cfg, blobStore, logger)
	if err != nil {
		return fmt.Errorf("init scraper: %w", err)
	}
	if closer, ok := scraper.(interface{ Close() error }); ok {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				logger.Warn("scraper close failed", zap.Error(closeErr))
			}
		}()
	}

	var publisher scraping.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() {
			if closeErr := pub.Close(); closeErr != nil {
				logger.Warn("publisher close failed", zap.Error(closeErr))
			}
		}()
		publisher = pub
	}

	manager := queue.NewManager(jobStore, clock, queue.Config{
		BackoffBase:       cfg.BackoffBase(),
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		BackoffMax:        cfg.BackoffMax(),
	}, logger.Named("queue"))

	// Re-admit jobs that were pending when the previous process died.
	if n, err := manager.RequeuePending(ctx, cfg.Queue.RequeueBatchSize); err != nil {
		logger.Warn("startup requeue failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("pending jobs requeued on startup", zap.Int("count", n))
	}

	workerCfg := worker.Config{
		DequeueWait:   cfg.DequeueWait(),
		ScrapeTimeout: cfg.ScrapeTimeout(),
		CacheTTL:      cfg.ResultCacheTTL(),
		Topic:         cfg.PubSub.TopicName,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Count; i++ {
		wc := workerCfg
		wc.ID = fmt.Sprintf("worker-%d", i)
		workers = append(workers, worker.New(
			manager,
			jobStore,
			resultCache,
			scraper,
			publisher,
			idGen,
			clock,
			wc,
			logger.Named("worker"),
		))
	}
	dispatch := dispatcher.New(workers)

	sched := maintenance.New(manager, cacheGC, maintenance.Config{
		PromoteSpec:      cfg.Maintenance.PromoteSpec,
		ReclaimSpec:      cfg.Maintenance.ReclaimSpec,
		RequeueSpec:      cfg.Maintenance.RequeueSpec,
		StaleAfter:       cfg.StaleAfter(),
		RequeueBatchSize: cfg.Queue.RequeueBatchSize,
	}, logger.Named("maintenance"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	defer sched.Stop()

	apiServer := api.NewServer(jobStore, manager, idGen, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (scraping.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func newScraper(cfg config.Config, blobs scraping.BlobStore, logger *zap.Logger) (scraping.Scraper, error) {
	switch cfg.Scraper.Provider {
	case "chromedp":
		return chromedpscraper.New(chromedpscraper.Config{
			UserAgent:      cfg.Scraper.UserAgent,
			MaxConcurrency: cfg.Scraper.MaxConcurrency,
		}, blobs, logger.Named("scraper"))
	case "noop":
		return noopscraper.New(), nil
	default:
		return collyscraper.New(collyscraper.Config{
			UserAgent:          cfg.Scraper.UserAgent,
			RequestTimeout:     cfg.ScrapeTimeout(),
			Parallelism:        cfg.Scraper.MaxConcurrency,
			RateLimitPerDomain: cfg.Scraper.RateLimitPerDomain,
		}, logger.Named("scraper"))
	}
}

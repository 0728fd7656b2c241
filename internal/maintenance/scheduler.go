// Package maintenance runs the periodic queue upkeep passes: retry
// promotion, stale-claim reclamation and store requeue.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/metrics"
	"github.com/scrapeworks/scrapeqd/internal/queue"
)

// Config holds the cron specs for each upkeep pass and the knobs they use.
type Config struct {
	PromoteSpec      string
	ReclaimSpec      string
	RequeueSpec      string
	StaleAfter       time.Duration
	RequeueBatchSize int
}

func (c Config) withDefaults() Config {
	if c.PromoteSpec == "" {
		c.PromoteSpec = "@every 5s"
	}
	if c.ReclaimSpec == "" {
		c.ReclaimSpec = "@every 1m"
	}
	if c.RequeueSpec == "" {
		c.RequeueSpec = "@every 1m"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.RequeueBatchSize <= 0 {
		c.RequeueBatchSize = 100
	}
	return c
}

// GCRunner is implemented by caches that want periodic garbage collection.
type GCRunner interface {
	RunGC()
}

// Scheduler drives the queue manager's maintenance operations on cron
// schedules. The retry-delayed set is passive; without the promotion pass
// no retry would ever run again.
type Scheduler struct {
	cron    *cron.Cron
	manager *queue.Manager
	gc      GCRunner
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler. gc may be nil.
func New(manager *queue.Manager, gc GCRunner, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(),
		manager: manager,
		gc:      gc,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Start registers the upkeep jobs and begins the cron loop. The passed
// context bounds each individual pass.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.PromoteSpec, func() { s.promote(ctx) }); err != nil {
		return fmt.Errorf("schedule promote pass: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ReclaimSpec, func() { s.reclaim(ctx) }); err != nil {
		return fmt.Errorf("schedule reclaim pass: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.RequeueSpec, func() { s.requeue(ctx) }); err != nil {
		return fmt.Errorf("schedule requeue pass: %w", err)
	}
	if s.gc != nil {
		if _, err := s.cron.AddFunc("@every 10m", func() { s.gc.RunGC() }); err != nil {
			return fmt.Errorf("schedule cache gc: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		zap.String("promote", s.cfg.PromoteSpec),
		zap.String("reclaim", s.cfg.ReclaimSpec),
		zap.String("requeue", s.cfg.RequeueSpec),
	)
	return nil
}

// Stop halts the cron loop and waits for running passes to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) promote(ctx context.Context) {
	n, err := s.manager.PromoteRetryReady(ctx)
	if err != nil {
		s.logger.Error("retry promotion pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("retries promoted", zap.Int("count", n))
	}
	s.exportDepth()
}

func (s *Scheduler) reclaim(ctx context.Context) {
	n, err := s.manager.ReclaimStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Error("stale reclamation pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("stale jobs reclaimed", zap.Int("count", n))
	}
	s.exportDepth()
}

func (s *Scheduler) requeue(ctx context.Context) {
	n, err := s.manager.RequeuePending(ctx, s.cfg.RequeueBatchSize)
	if err != nil {
		s.logger.Error("requeue pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pending jobs requeued", zap.Int("count", n))
	}
	s.exportDepth()
}

func (s *Scheduler) exportDepth() {
	stats := s.manager.Stats()
	metrics.SetQueueDepth("ready", stats.ReadyCount)
	metrics.SetQueueDepth("in_flight", stats.InFlightCount)
	metrics.SetQueueDepth("retry_delayed", stats.RetryDelayedCount)
	metrics.SetQueueDepth("dead_letter", stats.DeadLetterCount)
}

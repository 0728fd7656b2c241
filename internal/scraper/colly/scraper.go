// Package colly implements a plain-HTTP scraper for pages that do not need
// JavaScript rendering.
package colly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/scraper/extract"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// Config tunes the shared collector behind all scrapes.
type Config struct {
	UserAgent          string
	RequestTimeout     time.Duration
	Parallelism        int
	RateLimitPerDomain int
}

// Scraper fetches pages with Colly and extracts fields with goquery.
type Scraper struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New constructs a configured Colly-based scraper.
func New(cfg Config, logger *zap.Logger) (*Scraper, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{
		colly.Async(true),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Parallelism * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if cfg.RateLimitPerDomain > 0 {
		delay := time.Second / time.Duration(cfg.RateLimitPerDomain)
		if err := base.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: cfg.Parallelism,
			Delay:       delay,
		}); err != nil {
			return nil, fmt.Errorf("configure rate limit: %w", err)
		}
	}

	return &Scraper{base: base, logger: logger}, nil
}

type fetchOutcome struct {
	body       []byte
	finalURL   string
	statusCode int
	err        error
}

// Scrape fetches the page once and extracts the requested fields. A per-job
// timeout bounds the fetch through the context; the collector keeps running
// in the background on expiry but its outcome is discarded.
func (s *Scraper) Scrape(ctx context.Context, req scraping.ScrapeRequest) (scraping.Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	collector := s.base.Clone()
	outcomeCh := make(chan fetchOutcome, 1)
	var once sync.Once
	send := func(o fetchOutcome) {
		once.Do(func() { outcomeCh <- o })
	}

	if req.Options.UserAgent != "" {
		collector.OnRequest(func(r *colly.Request) {
			r.Headers.Set("User-Agent", req.Options.UserAgent)
		})
	}
	collector.OnResponse(func(r *colly.Response) {
		send(fetchOutcome{
			body:       append([]byte{}, r.Body...),
			finalURL:   r.Request.URL.String(),
			statusCode: r.StatusCode,
		})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchOutcome{err: err})
	})

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		if err := collector.Visit(req.URL); err != nil {
			done <- fmt.Errorf("visit %s: %w", req.URL, err)
			return
		}
		collector.Wait()
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return scraping.Result{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return scraping.Result{}, err
		}
	}
	elapsed := time.Since(started)

	var outcome fetchOutcome
	select {
	case outcome = <-outcomeCh:
	default:
		return scraping.Result{}, errors.New("fetch produced no result")
	}
	if outcome.err != nil {
		return scraping.Result{}, fmt.Errorf("fetch %s: %w", req.URL, outcome.err)
	}

	data, title, err := extract.FromHTML(req.URL, outcome.body, req.Selector, req.Options)
	if err != nil {
		return scraping.Result{}, err
	}

	s.logger.Debug("page fetched",
		zap.String("url", req.URL),
		zap.Int("status", outcome.statusCode),
		zap.Int("bytes", len(outcome.body)),
		zap.Duration("elapsed", elapsed),
	)

	return scraping.Result{
		JobID:          req.JobID,
		Data:           data,
		Title:          title,
		SizeBytes:      int64(len(outcome.body)),
		FinalURL:       outcome.finalURL,
		StatusCode:     outcome.statusCode,
		ResponseTimeMs: elapsed.Milliseconds(),
	}, nil
}

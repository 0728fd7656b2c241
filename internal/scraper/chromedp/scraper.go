// Package chromedp implements a headless-Chrome scraper for pages that need
// JavaScript rendering.
package chromedp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/scraper/extract"
	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

const (
	defaultViewportWidth  = 1920
	defaultViewportHeight = 1080
	selectorWaitTimeout   = 5 * time.Second
)

// Config tunes the shared browser behind all scrapes.
type Config struct {
	UserAgent      string
	MaxConcurrency int
}

// Scraper renders pages in a shared headless browser, one tab per scrape.
type Scraper struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	blobs           scraping.BlobStore
	logger          *zap.Logger
	sem             chan struct{}
	userAgent       string
}

// New launches the browser process and warms it up. blobs receives screenshot
// artifacts and may be nil when screenshots are disabled.
func New(cfg Config, blobs scraping.BlobStore, logger *zap.Logger) (*Scraper, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Scraper{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		blobs:           blobs,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		userAgent:       cfg.UserAgent,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (s *Scraper) Close() error {
	s.browserCancel()
	s.allocatorCancel()
	return nil
}

// Scrape renders the page in a fresh tab and extracts the requested fields.
func (s *Scraper) Scrape(ctx context.Context, req scraping.ScrapeRequest) (scraping.Result, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return scraping.Result{}, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()
	stop := context.AfterFunc(ctx, cancelTask)
	defer stop()

	meta := &responseMeta{}
	s.recordResponse(tabCtx, meta)

	started := time.Now()
	html, err := s.render(taskCtx, req)
	if err != nil {
		return scraping.Result{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	elapsed := time.Since(started)

	data, title, err := extract.FromHTML(req.URL, []byte(html), req.Selector, req.Options)
	if err != nil {
		return scraping.Result{}, err
	}

	result := scraping.Result{
		JobID:          req.JobID,
		Data:           data,
		Title:          title,
		SizeBytes:      int64(len(html)),
		FinalURL:       meta.finalURL(req.URL),
		StatusCode:     meta.status(),
		ResponseTimeMs: elapsed.Milliseconds(),
	}

	if req.Options.Screenshot && s.blobs != nil {
		uri, err := s.captureScreenshot(taskCtx, req.JobID)
		if err != nil {
			s.logger.Warn("screenshot capture failed", zap.String("job_id", req.JobID), zap.Error(err))
		} else {
			result.ScreenshotURI = uri
			data["screenshot_url"] = uri
		}
	}

	return result, nil
}

func (s *Scraper) render(ctx context.Context, req scraping.ScrapeRequest) (string, error) {
	width := req.Options.ViewportWidth
	if width <= 0 {
		width = defaultViewportWidth
	}
	height := req.Options.ViewportHeight
	if height <= 0 {
		height = defaultViewportHeight
	}
	userAgent := req.Options.UserAgent
	if userAgent == "" {
		userAgent = s.userAgent
	}

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false),
	}
	if userAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(userAgent))
	}
	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", err
	}

	// A missing wait target is not fatal; proceed with whatever rendered.
	if req.Options.WaitForSelector != "" {
		waitCtx, cancel := context.WithTimeout(ctx, selectorWaitTimeout)
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(req.Options.WaitForSelector, chromedp.ByQuery))
		cancel()
		if err != nil {
			s.logger.Warn("wait for selector timed out",
				zap.String("selector", req.Options.WaitForSelector), zap.Error(err))
		}
	}
	if req.Options.WaitSeconds > 0 {
		if err := chromedp.Run(ctx, chromedp.Sleep(time.Duration(req.Options.WaitSeconds)*time.Second)); err != nil {
			return "", err
		}
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *Scraper) captureScreenshot(ctx context.Context, jobID string) (string, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	path := fmt.Sprintf("screenshots/%s.png", jobID)
	uri, err := s.blobs.PutObject(ctx, path, "image/png", buf)
	if err != nil {
		return "", fmt.Errorf("store screenshot: %w", err)
	}
	return uri, nil
}

type responseMeta struct {
	mu         sync.Mutex
	recorded   bool
	statusCode int
	url        string
}

func (m *responseMeta) finalURL(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == "" {
		return raw
	}
	return m.url
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

func (s *Scraper) recordResponse(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.mu.Lock()
		defer meta.mu.Unlock()
		if meta.recorded {
			return
		}
		meta.recorded = true
		meta.statusCode = int(resp.Response.Status)
		meta.url = resp.Response.URL
	})
}

// Package noop contains a deterministic scraper for development and tests.
package noop

import (
	"context"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// Scraper returns a canned result without touching the network.
type Scraper struct{}

// New returns a no-op scraper.
func New() *Scraper {
	return &Scraper{}
}

// Scrape echoes the request back as a synthetic result.
func (s *Scraper) Scrape(_ context.Context, req scraping.ScrapeRequest) (scraping.Result, error) {
	return scraping.Result{
		JobID:      req.JobID,
		Title:      "noop",
		Data:       map[string]any{"url": req.URL, "selector": req.Selector},
		FinalURL:   req.URL,
		StatusCode: 200,
	}, nil
}

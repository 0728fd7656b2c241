// Package scraping defines core types shared across subsystems.
package scraping

import "time"

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Selector     string     `json:"selector,omitempty"`
	Options      JobOptions `json:"options"`
	Priority     int        `json:"priority"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	APIKeyID     string     `json:"api_key_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// CanRetry reports whether another attempt is permitted.
func (j Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// ExecutionTime returns the run duration once both timestamps exist.
func (j Job) ExecutionTime() *time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt)
	return &d
}

// JobOptions captures per-job scrape configuration knobs requested by the
// client. The queue treats these as opaque; only the scraper interprets them.
type JobOptions struct {
	ViewportWidth   int    `json:"viewport_width,omitempty"`
	ViewportHeight  int    `json:"viewport_height,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	TimeoutSeconds  int    `json:"timeout,omitempty"`
	WaitForSelector string `json:"wait_for_selector,omitempty"`
	WaitSeconds     int    `json:"wait_time,omitempty"`
	ExtractText     bool   `json:"extract_text,omitempty"`
	ExtractHTML     bool   `json:"extract_html,omitempty"`
	ExtractLinks    bool   `json:"extract_links,omitempty"`
	ExtractImages   bool   `json:"extract_images,omitempty"`
	ExtractHeadings bool   `json:"extract_headings,omitempty"`
	Screenshot      bool   `json:"screenshot,omitempty"`
}

// ScrapeTimeout resolves the per-job scrape timeout, falling back to def.
func (o JobOptions) ScrapeTimeout(def time.Duration) time.Duration {
	if o.TimeoutSeconds > 0 {
		return time.Duration(o.TimeoutSeconds) * time.Second
	}
	return def
}

// Result is the scraped payload owned 1:1 by a completed job.
// Created once by the worker and immutable thereafter.
type Result struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	Data           map[string]any `json:"data"`
	Title          string         `json:"title,omitempty"`
	SizeBytes      int64          `json:"size_bytes"`
	FinalURL       string         `json:"final_url,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms,omitempty"`
	ScreenshotURI  string         `json:"screenshot_uri,omitempty"`
	FromCache      bool           `json:"from_cache,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScrapeRequest captures everything a scraper needs for one page.
type ScrapeRequest struct {
	JobID    string
	URL      string
	Selector string
	Options  JobOptions
	Timeout  time.Duration
}

// QueueStats is a point-in-time snapshot of queue set sizes. It is not
// transactionally consistent with concurrent mutations.
type QueueStats struct {
	ReadyCount        int `json:"ready_count"`
	InFlightCount     int `json:"in_flight_count"`
	RetryDelayedCount int `json:"retry_delayed_count"`
	DeadLetterCount   int `json:"dead_letter_count"`
}

// DeadLetterEntry records a permanently failed job for manual inspection.
type DeadLetterEntry struct {
	JobID    string    `json:"job_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

type submitRequest struct {
	URL         string         `json:"url"`
	Selector    string         `json:"selector"`
	Priority    *int           `json:"priority"`
	MaxRetries  *int           `json:"max_retries"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Options     optionsRequest `json:"options"`
}

// optionsRequest uses pointers so omitted fields pick up server defaults:
// text and heading extraction are on unless explicitly disabled.
type optionsRequest struct {
	ViewportWidth   int    `json:"viewport_width"`
	ViewportHeight  int    `json:"viewport_height"`
	UserAgent       string `json:"user_agent"`
	TimeoutSeconds  int    `json:"timeout"`
	WaitForSelector string `json:"wait_for_selector"`
	WaitSeconds     int    `json:"wait_time"`
	ExtractText     *bool  `json:"extract_text"`
	ExtractHTML     *bool  `json:"extract_html"`
	ExtractLinks    *bool  `json:"extract_links"`
	ExtractImages   *bool  `json:"extract_images"`
	ExtractHeadings *bool  `json:"extract_headings"`
	Screenshot      *bool  `json:"screenshot"`
}

const defaultPriority = 5

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateSubmitURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}

	now := s.clock.Now()
	job := scraping.Job{
		ID:          jobID,
		URL:         req.URL,
		Selector:    req.Selector,
		Options:     s.toJobOptions(req.Options),
		Priority:    valueOrDefault(req.Priority, defaultPriority),
		MaxRetries:  valueOrDefault(req.MaxRetries, s.cfg.Queue.MaxRetriesDefault),
		ScheduledAt: req.ScheduledAt,
		Status:      scraping.StatusPending,
		CreatedAt:   now,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("create job: %v", err))
		return
	}

	var delay time.Duration
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		delay = req.ScheduledAt.Sub(now)
	}
	if _, err := s.manager.Enqueue(r.Context(), jobID, job.Priority, delay); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue job: %v", err))
		return
	}

	s.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("url", job.URL),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", delay),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"status":     string(scraping.StatusPending),
		"created_at": now,
	})
}

// jobView augments the stored job with the derived run duration.
type jobView struct {
	scraping.Job
	ExecutionTimeMs *int64 `json:"execution_time_ms,omitempty"`
}

func newJobView(job scraping.Job) jobView {
	view := jobView{Job: job}
	if d := job.ExecutionTime(); d != nil {
		ms := d.Milliseconds()
		view.ExecutionTimeMs = &ms
	}
	return view
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scraping.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scraping.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load job failed")
		return
	}

	result, err := s.store.GetResult(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scraping.ErrResultNotFound) {
			// Distinguish "still working" from "finished without a result".
			if !job.Terminal() {
				s.writeJSON(w, http.StatusConflict, map[string]any{
					"job_id": jobID,
					"status": string(job.Status),
					"error":  "job has not completed yet",
				})
				return
			}
			s.writeJSON(w, http.StatusNotFound, map[string]any{
				"job_id":        jobID,
				"status":        string(job.Status),
				"error_message": job.ErrorMessage,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load result failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.manager.Cancel(r.Context(), jobID, "cancelled via API")
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": string(scraping.StatusCancelled),
		})
	case errors.Is(err, scraping.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scraping.ErrInvalidState):
		s.writeError(w, http.StatusConflict, "job already finished")
	default:
		s.writeError(w, http.StatusInternalServerError, "cancel job failed")
	}
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) deadLetters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": s.manager.DeadLetters(),
	})
}

func (s *Server) toJobOptions(req optionsRequest) scraping.JobOptions {
	return scraping.JobOptions{
		ViewportWidth:   req.ViewportWidth,
		ViewportHeight:  req.ViewportHeight,
		UserAgent:       req.UserAgent,
		TimeoutSeconds:  req.TimeoutSeconds,
		WaitForSelector: req.WaitForSelector,
		WaitSeconds:     req.WaitSeconds,
		ExtractText:     valueOrDefault(req.ExtractText, true),
		ExtractHTML:     valueOrDefault(req.ExtractHTML, false),
		ExtractLinks:    valueOrDefault(req.ExtractLinks, false),
		ExtractImages:   valueOrDefault(req.ExtractImages, false),
		ExtractHeadings: valueOrDefault(req.ExtractHeadings, true),
		Screenshot:      valueOrDefault(req.Screenshot, false),
	}
}

func validateSubmitURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

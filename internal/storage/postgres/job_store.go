// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists jobs and results in Postgres. Status transitions and the
// retry counter are guarded inside single UPDATE statements so concurrent
// writers cannot race a row into an illegal state.
type JobStore struct {
	pool pgxPool
}

const jobColumns = `id, url, selector, options, priority, scheduled_at, status,
	retry_count, max_retries, error_message, api_key_id, created_at, started_at, completed_at`

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob persists a new job row, returning ErrDuplicateJob when the ID exists.
//
// CREATE TABLE jobs (
//
//	id TEXT PRIMARY KEY,
//	url TEXT NOT NULL,
//	selector TEXT NOT NULL DEFAULT '',
//	options JSONB NOT NULL DEFAULT '{}',
//	priority INT NOT NULL DEFAULT 5,
//	scheduled_at TIMESTAMPTZ,
//	status TEXT NOT NULL DEFAULT 'pending',
//	retry_count INT NOT NULL DEFAULT 0,
//	max_retries INT NOT NULL DEFAULT 3,
//	error_message TEXT NOT NULL DEFAULT '',
//	api_key_id TEXT NOT NULL DEFAULT '',
//	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	started_at TIMESTAMPTZ,
//	completed_at TIMESTAMPTZ
//
// );
func (s *JobStore) CreateJob(ctx context.Context, job scraping.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = scraping.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	query := `
INSERT INTO jobs (
	id, url, selector, options, priority, scheduled_at, status,
	retry_count, max_retries, error_message, api_key_id, created_at, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		job.Selector,
		optionsJSON,
		job.Priority,
		job.ScheduledAt,
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		job.ErrorMessage,
		job.APIKeyID,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scraping.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scraping.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return scraping.Job{}, scraping.ErrJobNotFound
	}
	if err != nil {
		return scraping.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus writes the new status plus any update fields in one UPDATE,
// guarded by the set of statuses the target is legally reachable from.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status scraping.JobStatus, update scraping.StatusUpdate) (scraping.Job, error) {
	if !status.Valid() {
		return scraping.Job{}, fmt.Errorf("unknown status %q", status)
	}
	set := []string{"status = $2"}
	args := []any{jobID, string(status)}
	if update.ErrorMessage != nil {
		args = append(args, *update.ErrorMessage)
		set = append(set, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if update.StartedAt != nil {
		args = append(args, *update.StartedAt)
		set = append(set, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if update.CompletedAt != nil {
		args = append(args, *update.CompletedAt)
		set = append(set, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	args = append(args, transitionSources(status))
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = ANY($%d) RETURNING %s`,
		strings.Join(set, ", "), len(args), jobColumns)

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero rows means either the job is absent or its current status
		// does not permit the move. Disambiguate with a second read.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return scraping.Job{}, getErr
		}
		return scraping.Job{}, scraping.ErrInvalidTransition
	}
	if err != nil {
		return scraping.Job{}, fmt.Errorf("update job status: %w", err)
	}
	return job, nil
}

// IncrementRetry bumps retry_count and moves the job to retrying in one
// UPDATE, recording the failure message. The retry_count guard makes the
// bump a no-op once max_retries is reached.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID string, errMsg string) (scraping.Job, error) {
	query := fmt.Sprintf(`
UPDATE jobs SET
	retry_count = retry_count + 1,
	status = $2,
	error_message = $3,
	started_at = NULL,
	completed_at = NULL
WHERE id = $1 AND retry_count < max_retries
RETURNING %s`, jobColumns)

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, string(scraping.StatusRetrying), errMsg))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetJob(ctx, jobID)
	}
	if err != nil {
		return scraping.Job{}, fmt.Errorf("increment retry: %w", err)
	}
	return job, nil
}

// ListReadyScheduled returns pending jobs that are due, most urgent first.
func (s *JobStore) ListReadyScheduled(ctx context.Context, limit int) ([]scraping.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT %s FROM jobs
WHERE status = $1 AND (scheduled_at IS NULL OR scheduled_at <= now())
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT $2`, jobColumns)

	rows, err := s.pool.Query(ctx, query, string(scraping.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list ready jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scraping.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// SaveResult upserts the result row owned by a job.
//
// CREATE TABLE results (
//
//	id TEXT PRIMARY KEY,
//	job_id TEXT NOT NULL UNIQUE REFERENCES jobs(id),
//	data JSONB NOT NULL DEFAULT '{}',
//	title TEXT NOT NULL DEFAULT '',
//	size_bytes BIGINT NOT NULL DEFAULT 0,
//	final_url TEXT NOT NULL DEFAULT '',
//	status_code INT NOT NULL DEFAULT 0,
//	response_time_ms BIGINT NOT NULL DEFAULT 0,
//	screenshot_uri TEXT NOT NULL DEFAULT '',
//	from_cache BOOLEAN NOT NULL DEFAULT FALSE,
//	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//
// );
func (s *JobStore) SaveResult(ctx context.Context, result scraping.Result) error {
	if result.JobID == "" {
		return fmt.Errorf("result job id is required")
	}
	dataJSON, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}
	query := `
INSERT INTO results (
	id, job_id, data, title, size_bytes, final_url, status_code,
	response_time_ms, screenshot_uri, from_cache, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (job_id) DO UPDATE SET
	data = EXCLUDED.data,
	title = EXCLUDED.title,
	size_bytes = EXCLUDED.size_bytes,
	final_url = EXCLUDED.final_url,
	status_code = EXCLUDED.status_code,
	response_time_ms = EXCLUDED.response_time_ms,
	screenshot_uri = EXCLUDED.screenshot_uri,
	from_cache = EXCLUDED.from_cache`
	_, err = s.pool.Exec(ctx, query,
		result.ID,
		result.JobID,
		dataJSON,
		result.Title,
		result.SizeBytes,
		result.FinalURL,
		result.StatusCode,
		result.ResponseTimeMs,
		result.ScreenshotURI,
		result.FromCache,
		result.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return scraping.ErrJobNotFound
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult fetches the result owned by a job.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (scraping.Result, error) {
	query := `
SELECT id, job_id, data, title, size_bytes, final_url, status_code,
	response_time_ms, screenshot_uri, from_cache, created_at
FROM results WHERE job_id = $1`

	var result scraping.Result
	var dataJSON []byte
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&result.ID,
		&result.JobID,
		&dataJSON,
		&result.Title,
		&result.SizeBytes,
		&result.FinalURL,
		&result.StatusCode,
		&result.ResponseTimeMs,
		&result.ScreenshotURI,
		&result.FromCache,
		&result.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraping.Result{}, scraping.ErrResultNotFound
	}
	if err != nil {
		return scraping.Result{}, fmt.Errorf("select result: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &result.Data); err != nil {
			return scraping.Result{}, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	return result, nil
}

// transitionSources lists the statuses from which the target status is
// legally reachable, for use in UPDATE guards.
func transitionSources(to scraping.JobStatus) []string {
	all := []scraping.JobStatus{
		scraping.StatusPending,
		scraping.StatusRunning,
		scraping.StatusCompleted,
		scraping.StatusFailed,
		scraping.StatusCancelled,
		scraping.StatusRetrying,
	}
	var sources []string
	for _, from := range all {
		if scraping.CanTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scraping.Job, error) {
	var job scraping.Job
	var optionsJSON []byte
	var status string
	err := row.Scan(
		&job.ID,
		&job.URL,
		&job.Selector,
		&optionsJSON,
		&job.Priority,
		&job.ScheduledAt,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorMessage,
		&job.APIKeyID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return scraping.Job{}, err
	}
	job.Status = scraping.JobStatus(status)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return scraping.Job{}, fmt.Errorf("unmarshal job options: %w", err)
		}
	}
	return job, nil
}

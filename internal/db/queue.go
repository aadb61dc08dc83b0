package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DbQueue is the PostgreSQL-backed store for sources, pages and background jobs
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a PostgreSQL job queue
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db: db,
	}
}

// Execute runs fn in a transaction. A retryable failure is attempted once more.
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	err := q.executeOnce(ctx, fn)
	if err != nil && isRetryableError(err) && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Transaction failed with retryable error, retrying once")
		err = q.executeOnce(ctx, fn)
	}
	return err
}

func (q *DbQueue) executeOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const jobColumns = `id, job_type, source_id, page_id, idempotency_key, payload, status, priority,
	attempts, max_attempts, scheduled_at, started_at, completed_at, error_message, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*BackgroundJob, error) {
	var (
		job         BackgroundJob
		pageID      sql.NullString
		payload     []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.JobType, &job.SourceID, &pageID, &job.IdempotencyKey, &payload,
		&job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts, &job.ScheduledAt,
		&startedAt, &completedAt, &errMsg, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.PageID = pageID.String
	job.Payload = payload
	job.ErrorMessage = errMsg.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

// ClaimPendingJobs atomically moves up to limit due jobs from pending to processing.
// Jobs are returned highest priority first, oldest first within a priority.
func (q *DbQueue) ClaimPendingJobs(ctx context.Context, now time.Time, limit int) ([]*BackgroundJob, error) {
	span := sentry.StartSpan(ctx, "db.claim_pending_jobs")
	defer span.Finish()

	if limit <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		UPDATE background_jobs
		SET status = 'processing', started_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM background_jobs
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING `+jobColumns, now, limit)
	if err != nil {
		span.SetTag("error", "true")
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BackgroundJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed jobs: %w", err)
	}

	// RETURNING does not preserve the subquery order
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	span.SetData("claimed", len(jobs))
	return jobs, nil
}

// CompleteJob marks a processing job as completed
func (q *DbQueue) CompleteJob(ctx context.Context, jobID string, now time.Time) error {
	return q.transitionJob(ctx, jobID, `
		UPDATE background_jobs
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'`, jobID, now)
}

// RetryJob returns a processing job to pending, to be picked up again at runAt
func (q *DbQueue) RetryJob(ctx context.Context, jobID string, attempts int, runAt time.Time, errMsg string, now time.Time) error {
	return q.transitionJob(ctx, jobID, `
		UPDATE background_jobs
		SET status = 'pending', attempts = $2, scheduled_at = $3, started_at = NULL,
			error_message = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing'`, jobID, attempts, runAt, errMsg, now)
}

// FailJob marks a processing job as permanently failed
func (q *DbQueue) FailJob(ctx context.Context, jobID string, attempts int, errMsg string, now time.Time) error {
	return q.transitionJob(ctx, jobID, `
		UPDATE background_jobs
		SET status = 'failed', attempts = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'processing'`, jobID, attempts, errMsg, now)
}

func (q *DbQueue) transitionJob(ctx context.Context, jobID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// The job was recovered or transitioned elsewhere; terminal rows are never rewritten.
		log.Warn().Str("job_id", jobID).Msg("Job was no longer processing, transition skipped")
	}
	return nil
}

// EnqueueJob inserts a job unless its idempotency key already exists.
// It reports whether a new row was created. Page jobs go through EnqueuePageJob.
func (q *DbQueue) EnqueueJob(ctx context.Context, job *BackgroundJob) (bool, error) {
	var pageID sql.NullString
	if job.PageID != "" {
		pageID = sql.NullString{String: job.PageID, Valid: true}
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO background_jobs (
			id, job_type, source_id, page_id, idempotency_key, payload, status,
			priority, attempts, max_attempts, scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', $7, 0, $8, $9, $9, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID, job.JobType, job.SourceID, pageID, job.IdempotencyKey, string(payload),
		job.Priority, job.MaxAttempts, job.ScheduledAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s job: %w", job.JobType, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	return n > 0, nil
}

// EnqueuePageJob inserts a job for a page unless the page already has a pending or
// processing job or the idempotency key exists. The page row is locked first so
// concurrent enqueues for one page serialise and at most one of them inserts.
// A page that no longer exists gets no job.
func (q *DbQueue) EnqueuePageJob(ctx context.Context, job *BackgroundJob) (bool, error) {
	if job.PageID == "" {
		return false, fmt.Errorf("%s job has no page", job.JobType)
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var inserted bool
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		inserted = false

		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM source_pages WHERE id = $1 FOR UPDATE`, job.PageID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock page %s: %w", job.PageID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO background_jobs (
				id, job_type, source_id, page_id, idempotency_key, payload, status,
				priority, attempts, max_attempts, scheduled_at, created_at, updated_at
			)
			SELECT $1, $2, $3, $4, $5, $6::jsonb, 'pending', $7, 0, $8, $9, $9, $9
			WHERE NOT EXISTS (
				SELECT 1 FROM background_jobs j
				WHERE j.page_id = $4 AND j.status IN ('pending', 'processing')
			)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			job.ID, job.JobType, job.SourceID, job.PageID, job.IdempotencyKey, string(payload),
			job.Priority, job.MaxAttempts, job.ScheduledAt,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s job: %w", job.JobType, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read enqueue result: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// GetJob loads a single job by id
func (q *DbQueue) GetJob(ctx context.Context, jobID string) (*BackgroundJob, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListPageJobs returns every job attached to a page, newest first
func (q *DbQueue) ListPageJobs(ctx context.Context, pageID string) ([]*BackgroundJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE page_id = $1
		ORDER BY created_at DESC`, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list page jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BackgroundJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailPendingSourceJobs permanently fails every pending job of a source
func (q *DbQueue) FailPendingSourceJobs(ctx context.Context, sourceID, reason string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		WHERE source_id = $1 AND status = 'pending'`, sourceID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending jobs: %w", err)
	}
	return res.RowsAffected()
}

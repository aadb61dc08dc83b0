package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// SpawnBatch describes one batch of page jobs created in a single transaction
type SpawnBatch struct {
	SourceID    string
	TeamID      string
	URLs        []string
	JobType     string
	Priority    int
	MaxAttempts int
	// KeyFn builds the idempotency key for the job of a page
	KeyFn func(pageID string) string
	// PayloadFn builds the JSON payload for the job of a page
	PayloadFn   func(pageID, url string) string
	ScheduledAt time.Time
}

// SpawnBatchResult reports what a spawn transaction wrote
type SpawnBatchResult struct {
	PagesCreated int
	JobsCreated  int
	JobsExisting int
	PageIDs      []string
}

// SpawnPageJobs inserts one page and one job per URL inside a single transaction.
// Existing pages are reused; a page that already has a pending or processing job,
// or whose idempotency key already exists, gets no new job. Any error rolls back
// every page and job written by the batch.
func (q *DbQueue) SpawnPageJobs(ctx context.Context, b *SpawnBatch) (*SpawnBatchResult, error) {
	if len(b.URLs) == 0 {
		return &SpawnBatchResult{}, nil
	}

	result := &SpawnBatchResult{}

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		// Reset so a retried transaction does not double count
		*result = SpawnBatchResult{}

		ids := make([]string, len(b.URLs))
		for i := range b.URLs {
			ids[i] = uuid.New().String()
		}

		rows, err := tx.QueryContext(ctx, `
			INSERT INTO source_pages (id, parent_source_id, team_id, url, status, processing_status, created_at, updated_at)
			SELECT t.id, $3, $4, t.url, 'pending', 'pending', $5, $5
			FROM unnest($1::text[], $2::text[]) AS t(id, url)
			ON CONFLICT (parent_source_id, url) DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING id, url, (xmax = 0) AS inserted`,
			pq.Array(ids), pq.Array(b.URLs), b.SourceID, b.TeamID, b.ScheduledAt)
		if err != nil {
			return fmt.Errorf("failed to insert pages: %w", err)
		}

		var (
			pageIDs  []string
			pageURLs []string
			existing = make(map[string]bool)
		)
		for rows.Next() {
			var id, pageURL string
			var inserted bool
			if err := rows.Scan(&id, &pageURL, &inserted); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan page: %w", err)
			}
			pageIDs = append(pageIDs, id)
			pageURLs = append(pageURLs, pageURL)
			if inserted {
				result.PagesCreated++
			} else {
				existing[id] = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read inserted pages: %w", err)
		}

		inserted, err := insertPageJobs(ctx, tx, pageJobInsert{
			sourceID:    b.SourceID,
			jobType:     b.JobType,
			priority:    b.Priority,
			maxAttempts: b.MaxAttempts,
			keyFn:       b.KeyFn,
			payloadFn:   b.PayloadFn,
			at:          b.ScheduledAt,
			pageIDs:     pageIDs,
			pageURLs:    pageURLs,
		})
		if err != nil {
			return err
		}

		var requeued []string
		for _, pageID := range inserted {
			result.JobsCreated++
			if existing[pageID] {
				requeued = append(requeued, pageID)
			}
		}

		// Pages crawled before get a fresh job on recrawl and must read as pending again
		if len(requeued) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE source_pages
				SET status = 'pending', processing_status = 'pending', error_message = NULL, updated_at = $2
				WHERE id = ANY($1) AND status IN ('completed', 'failed')`,
				pq.Array(requeued), b.ScheduledAt); err != nil {
				return fmt.Errorf("failed to reset requeued pages: %w", err)
			}
		}

		result.JobsExisting = len(pageIDs) - result.JobsCreated
		result.PageIDs = pageIDs
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("source_id", b.SourceID).
		Int("pages_created", result.PagesCreated).
		Int("jobs_created", result.JobsCreated).
		Int("jobs_existing", result.JobsExisting).
		Msg("Spawned page jobs")

	return result, nil
}

type pageJobInsert struct {
	sourceID    string
	jobType     string
	priority    int
	maxAttempts int
	keyFn       func(pageID string) string
	payloadFn   func(pageID, url string) string
	at          time.Time
	pageIDs     []string
	pageURLs    []string
}

// insertPageJobs creates one pending job per page inside tx and returns the pages
// that got one. Pages with a pending or processing job, and existing keys, are
// skipped. Callers must hold the page rows locked.
func insertPageJobs(ctx context.Context, tx *sql.Tx, in pageJobInsert) ([]string, error) {
	jobIDs := make([]string, len(in.pageIDs))
	keys := make([]string, len(in.pageIDs))
	payloads := make([]string, len(in.pageIDs))
	for i, pageID := range in.pageIDs {
		jobIDs[i] = uuid.New().String()
		keys[i] = in.keyFn(pageID)
		payloads[i] = in.payloadFn(pageID, in.pageURLs[i])
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO background_jobs (
			id, job_type, source_id, page_id, idempotency_key, payload, status,
			priority, attempts, max_attempts, scheduled_at, created_at, updated_at
		)
		SELECT t.id, $5, $6, t.page_id, t.key, t.payload::jsonb, 'pending', $7, 0, $8, $9, $9, $9
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[]) AS t(id, page_id, key, payload)
		WHERE NOT EXISTS (
			SELECT 1 FROM background_jobs j
			WHERE j.page_id = t.page_id AND j.status IN ('pending', 'processing')
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING page_id`,
		pq.Array(jobIDs), pq.Array(in.pageIDs), pq.Array(keys), pq.Array(payloads),
		in.jobType, in.sourceID, in.priority, in.maxAttempts, in.at)
	if err != nil {
		return nil, fmt.Errorf("failed to insert jobs: %w", err)
	}
	defer rows.Close()

	var inserted []string
	for rows.Next() {
		var pageID string
		if err := rows.Scan(&pageID); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		inserted = append(inserted, pageID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inserted jobs: %w", err)
	}
	return inserted, nil
}

const pageColumns = `id, parent_source_id, team_id, url, status, processing_status, retry_count,
	content_size, compression_ratio, chunks_created, duplicates_found, processing_time_ms,
	error_message, content_hash, is_excluded, started_at, completed_at, created_at, updated_at`

func scanPage(row rowScanner) (*Page, error) {
	var (
		p           Page
		ratio       sql.NullFloat64
		errMsg      sql.NullString
		hash        sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&p.ID, &p.SourceID, &p.TeamID, &p.URL, &p.Status, &p.ProcessingStatus, &p.RetryCount,
		&p.ContentSize, &ratio, &p.ChunksCreated, &p.DuplicatesFound, &p.ProcessingTimeMs,
		&errMsg, &hash, &p.IsExcluded, &startedAt, &completedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ratio.Valid {
		p.CompressionRatio = &ratio.Float64
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	p.ErrorMessage = errMsg.String
	p.ContentHash = hash.String

	return &p, nil
}

// GetPage loads a page by id
func (q *DbQueue) GetPage(ctx context.Context, pageID string) (*Page, error) {
	p, err := scanPage(q.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM source_pages WHERE id = $1`, pageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return p, nil
}

// ListSourcePages returns the pages of a source in creation order
func (q *DbQueue) ListSourcePages(ctx context.Context, sourceID string) ([]*Page, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM source_pages
		WHERE parent_source_id = $1
		ORDER BY created_at ASC, url ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// MarkPageInProgress records that a page fetch has started
func (q *DbQueue) MarkPageInProgress(ctx context.Context, pageID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE source_pages
		SET status = 'in_progress', processing_status = 'processing', started_at = $2, updated_at = $2
		WHERE id = $1`, pageID, now)
	if err != nil {
		return fmt.Errorf("failed to mark page in progress: %w", err)
	}
	return nil
}

// MarkPageFailed records a failed fetch or processing attempt and bumps retry_count
func (q *DbQueue) MarkPageFailed(ctx context.Context, pageID, errMsg string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE source_pages
		SET status = 'failed', processing_status = 'failed', retry_count = retry_count + 1,
			error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1`, pageID, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to mark page failed: %w", err)
	}
	return nil
}

// MarkPageCompleted stores content metrics and marks a page completed
func (q *DbQueue) MarkPageCompleted(ctx context.Context, pageID string, m PageMetrics, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE source_pages
		SET status = 'completed', processing_status = 'processed', content_size = $2,
			compression_ratio = $3, chunks_created = $4, duplicates_found = $5,
			processing_time_ms = $6, content_hash = $7, error_message = NULL,
			completed_at = $8, updated_at = $8
		WHERE id = $1`,
		pageID, m.ContentSize, m.CompressionRatio, m.ChunksCreated, m.DuplicatesFound,
		m.ProcessingTimeMs, m.ContentHash, now)
	if err != nil {
		return fmt.Errorf("failed to mark page completed: %w", err)
	}
	return nil
}

// RetryBatch describes the jobs created for failed pages returned to pending
type RetryBatch struct {
	SourceID    string
	JobType     string
	Priority    int
	MaxAttempts int
	KeyFn       func(pageID string) string
	PayloadFn   func(pageID, url string) string
	ScheduledAt time.Time
}

// RetryBatchResult reports the pages reset and the jobs created for them
type RetryBatchResult struct {
	Pages       []*Page
	JobsCreated int
}

// RetryFailedPages moves a source's failed pages back to pending and gives each a
// fresh job in the same transaction, so no reset page is ever left without one.
// retry_count is kept so repeated operator retries stay visible.
func (q *DbQueue) RetryFailedPages(ctx context.Context, b *RetryBatch) (*RetryBatchResult, error) {
	result := &RetryBatchResult{}

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		*result = RetryBatchResult{}

		rows, err := tx.QueryContext(ctx, `
			UPDATE source_pages
			SET status = 'pending', processing_status = 'pending', error_message = NULL, updated_at = $2
			WHERE parent_source_id = $1 AND status = 'failed' AND NOT is_excluded
			AND NOT EXISTS (
				SELECT 1 FROM background_jobs j
				WHERE j.page_id = source_pages.id AND j.status IN ('pending', 'processing')
			)
			RETURNING `+pageColumns, b.SourceID, b.ScheduledAt)
		if err != nil {
			return fmt.Errorf("failed to reset failed pages: %w", err)
		}

		var pageIDs, pageURLs []string
		for rows.Next() {
			p, err := scanPage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan reset page: %w", err)
			}
			result.Pages = append(result.Pages, p)
			pageIDs = append(pageIDs, p.ID)
			pageURLs = append(pageURLs, p.URL)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read reset pages: %w", err)
		}
		if len(pageIDs) == 0 {
			return nil
		}

		inserted, err := insertPageJobs(ctx, tx, pageJobInsert{
			sourceID:    b.SourceID,
			jobType:     b.JobType,
			priority:    b.Priority,
			maxAttempts: b.MaxAttempts,
			keyFn:       b.KeyFn,
			payloadFn:   b.PayloadFn,
			at:          b.ScheduledAt,
			pageIDs:     pageIDs,
			pageURLs:    pageURLs,
		})
		if err != nil {
			return err
		}
		result.JobsCreated = len(inserted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordChunks stores chunk fingerprints for a source and returns how many were not
// already held by another page. Re-recording a page's own chunks counts them as new.
func (q *DbQueue) RecordChunks(ctx context.Context, sourceID, pageID string, hashes []string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		INSERT INTO source_chunks (source_id, chunk_hash, page_id)
		SELECT $1, h, $2 FROM unnest($3::text[]) AS h
		ON CONFLICT (source_id, chunk_hash) DO UPDATE SET page_id = source_chunks.page_id
		WHERE source_chunks.page_id = EXCLUDED.page_id
		RETURNING chunk_hash`, sourceID, pageID, pq.Array(hashes))
	if err != nil {
		return 0, fmt.Errorf("failed to record chunks: %w", err)
	}
	defer rows.Close()

	unique := 0
	for rows.Next() {
		unique++
	}
	return unique, rows.Err()
}

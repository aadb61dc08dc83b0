package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RecoveredJob identifies a job reset by stuck-job recovery
type RecoveredJob struct {
	JobID    string
	SourceID string
	PageID   string
}

// RecoverStuckJobs resets jobs stuck in processing since before cutoff back to pending.
// started_at is cleared, note is prefixed to the previous error message, and the
// pages of recovered jobs return from in_progress to pending. An empty sourceID
// scans every source.
func (q *DbQueue) RecoverStuckJobs(ctx context.Context, sourceID string, cutoff time.Time, note string, now time.Time) ([]RecoveredJob, error) {
	span := sentry.StartSpan(ctx, "db.recover_stuck_jobs")
	defer span.Finish()

	var recovered []RecoveredJob

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		recovered = recovered[:0]

		rows, err := tx.QueryContext(ctx, `
			UPDATE background_jobs
			SET status = 'pending',
				started_at = NULL,
				error_message = CASE
					WHEN error_message IS NULL OR error_message = '' THEN $3::text
					ELSE $3::text || ' (previous: ' || error_message || ')'
				END,
				updated_at = $4
			WHERE status = 'processing'
			AND started_at < $1
			AND ($2::text = '' OR source_id = $2::text)
			RETURNING id, source_id, page_id`, cutoff, sourceID, note, now)
		if err != nil {
			return fmt.Errorf("failed to reset stuck jobs: %w", err)
		}

		var pageIDs []string
		for rows.Next() {
			var r RecoveredJob
			var pageID sql.NullString
			if err := rows.Scan(&r.JobID, &r.SourceID, &pageID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan recovered job: %w", err)
			}
			r.PageID = pageID.String
			if pageID.Valid {
				pageIDs = append(pageIDs, pageID.String)
			}
			recovered = append(recovered, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read recovered jobs: %w", err)
		}

		if len(pageIDs) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE source_pages
			SET status = 'pending', processing_status = 'pending', started_at = NULL, updated_at = $2
			WHERE id = ANY($1) AND status = 'in_progress'`, pq.Array(pageIDs), now)
		if err != nil {
			return fmt.Errorf("failed to reset pages of stuck jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return nil, err
	}

	if len(recovered) > 0 {
		log.Info().
			Str("source_id", sourceID).
			Int("recovered", len(recovered)).
			Time("cutoff", cutoff).
			Msg("Recovered stuck jobs")
	}

	return recovered, nil
}

// FindOrphanPages returns pending pages that have no pending or processing job.
// Excluded pages and sources pending removal are skipped.
func (q *DbQueue) FindOrphanPages(ctx context.Context, sourceID string, limit int) ([]*Page, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+prefixColumns("p", pageColumns)+`
		FROM source_pages p
		JOIN sources s ON s.id = p.parent_source_id
		WHERE p.status = 'pending'
		AND NOT p.is_excluded
		AND NOT s.pending_removal
		AND ($1::text = '' OR p.parent_source_id = $1::text)
		AND NOT EXISTS (
			SELECT 1 FROM background_jobs j
			WHERE j.page_id = p.id AND j.status IN ('pending', 'processing')
		)
		ORDER BY p.created_at ASC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphan pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orphan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

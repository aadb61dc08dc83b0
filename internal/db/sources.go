package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sourceColumns = `id, agent_id, team_id, url, source_type, crawl_status, total_jobs, completed_jobs,
	failed_jobs, total_content_size, unique_chunks, duplicate_chunks, compression_ratio, progress,
	discovery_completed, requires_manual_training, include_paths, exclude_paths, max_pages,
	pending_removal, error_message, created_at, updated_at, last_crawled_at`

func scanSource(row rowScanner) (*Source, error) {
	var (
		s            Source
		ratio        sql.NullFloat64
		includePaths []byte
		excludePaths []byte
		errMsg       sql.NullString
		lastCrawled  sql.NullTime
	)

	err := row.Scan(
		&s.ID, &s.AgentID, &s.TeamID, &s.URL, &s.SourceType, &s.CrawlStatus, &s.TotalJobs,
		&s.CompletedJobs, &s.FailedJobs, &s.TotalContentSize, &s.UniqueChunks, &s.DuplicateChunks,
		&ratio, &s.Progress, &s.DiscoveryCompleted, &s.RequiresManualTraining, &includePaths,
		&excludePaths, &s.MaxPages, &s.PendingRemoval, &errMsg, &s.CreatedAt, &s.UpdatedAt, &lastCrawled,
	)
	if err != nil {
		return nil, err
	}

	if ratio.Valid {
		s.CompressionRatio = &ratio.Float64
	}
	if lastCrawled.Valid {
		s.LastCrawledAt = &lastCrawled.Time
	}
	s.ErrorMessage = errMsg.String

	if len(includePaths) > 0 {
		if err := json.Unmarshal(includePaths, &s.IncludePaths); err != nil {
			return nil, fmt.Errorf("failed to decode include paths: %w", err)
		}
	}
	if len(excludePaths) > 0 {
		if err := json.Unmarshal(excludePaths, &s.ExcludePaths); err != nil {
			return nil, fmt.Errorf("failed to decode exclude paths: %w", err)
		}
	}

	return &s, nil
}

// CreateSource inserts a new source row
func (q *DbQueue) CreateSource(ctx context.Context, s *Source) error {
	include := s.IncludePaths
	if include == nil {
		include = []string{}
	}
	exclude := s.ExcludePaths
	if exclude == nil {
		exclude = []string{}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sources (
			id, agent_id, team_id, url, source_type, crawl_status,
			include_paths, exclude_paths, max_pages, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $10)`,
		s.ID, s.AgentID, s.TeamID, s.URL, s.SourceType, s.CrawlStatus,
		Serialise(include), Serialise(exclude), s.MaxPages, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

// GetSource loads a source by id
func (q *DbQueue) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	s, err := scanSource(q.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return s, nil
}

// UpdateSourceStatus sets the crawl status and error message of a source
func (q *DbQueue) UpdateSourceStatus(ctx context.Context, sourceID string, status SourceStatus, errMsg string) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE sources SET crawl_status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`, sourceID, string(status), msg)
	if err != nil {
		return fmt.Errorf("failed to update source status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSourceNotFound
	}
	return nil
}

// SetDiscoveryCompleted records whether link discovery has finished for a source
func (q *DbQueue) SetDiscoveryCompleted(ctx context.Context, sourceID string, completed bool) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sources SET discovery_completed = $2, updated_at = NOW()
		WHERE id = $1`, sourceID, completed)
	if err != nil {
		return fmt.Errorf("failed to update discovery flag: %w", err)
	}
	return nil
}

// WriteSourceRollup stores a recomputed rollup on the source row.
// Training states and sources pending removal keep their status; only counters change.
func (q *DbQueue) WriteSourceRollup(ctx context.Context, sourceID string, r *SourceRollup, now time.Time) error {
	var ratio sql.NullFloat64
	if r.CompressionRatio != nil {
		ratio = sql.NullFloat64{Float64: *r.CompressionRatio, Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE sources SET
			total_jobs = $2,
			completed_jobs = $3,
			failed_jobs = $4,
			total_content_size = $5,
			compression_ratio = $6,
			unique_chunks = $7,
			duplicate_chunks = $8,
			progress = $9,
			crawl_status = CASE
				WHEN pending_removal OR crawl_status IN ('training', 'trained') THEN crawl_status
				ELSE $10::text
			END,
			requires_manual_training = CASE
				WHEN $10::text = 'completed' AND crawl_status NOT IN ('completed', 'training', 'trained') THEN TRUE
				ELSE requires_manual_training
			END,
			last_crawled_at = CASE
				WHEN $10::text = 'completed' AND crawl_status <> 'completed' THEN $11
				ELSE last_crawled_at
			END,
			updated_at = $11
		WHERE id = $1`,
		sourceID, r.Total, r.Completed, r.Failed, r.TotalContentSize, ratio,
		r.UniqueChunks, r.DuplicateChunks, r.Progress, string(r.Status), now,
	)
	if err != nil {
		return fmt.Errorf("failed to write source rollup: %w", err)
	}
	return nil
}

// MarkSourceForRemoval soft deletes a source
func (q *DbQueue) MarkSourceForRemoval(ctx context.Context, sourceID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sources SET pending_removal = TRUE, updated_at = NOW()
		WHERE id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to mark source for removal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSourceNotFound
	}
	return nil
}

// PurgeRemovedSources hard deletes soft-deleted sources; pages, jobs and chunks cascade
func (q *DbQueue) PurgeRemovedSources(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM sources
		WHERE pending_removal
		AND NOT EXISTS (
			SELECT 1 FROM background_jobs j
			WHERE j.source_id = sources.id AND j.status = 'processing'
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge removed sources: %w", err)
	}
	return res.RowsAffected()
}

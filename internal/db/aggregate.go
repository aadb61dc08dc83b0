package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ComputeSourceAggregate recounts a source's pages from scratch.
// A failed page that still has a pending or processing job is awaiting a retry
// and counts as neither completed nor failed.
func (q *DbQueue) ComputeSourceAggregate(ctx context.Context, sourceID string) (*SourceAggregate, error) {
	var (
		agg   SourceAggregate
		ratio sql.NullFloat64
	)

	err := q.db.QueryRowContext(ctx, `
		WITH page_state AS (
			SELECT p.status, p.content_size, p.compression_ratio, p.chunks_created, p.duplicates_found,
				EXISTS (
					SELECT 1 FROM background_jobs j
					WHERE j.page_id = p.id AND j.status IN ('pending', 'processing')
				) AS has_active_job,
				EXISTS (
					SELECT 1 FROM background_jobs j
					WHERE j.page_id = p.id AND j.status = 'processing'
				) AS has_running_job
			FROM source_pages p
			WHERE p.parent_source_id = $1 AND NOT p.is_excluded
		)
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND NOT has_active_job),
			COUNT(*) FILTER (WHERE status = 'in_progress' OR has_running_job),
			COALESCE(SUM(content_size) FILTER (WHERE status = 'completed'), 0),
			AVG(compression_ratio) FILTER (WHERE status = 'completed' AND compression_ratio IS NOT NULL),
			COALESCE(SUM(chunks_created) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(duplicates_found) FILTER (WHERE status = 'completed'), 0)
		FROM page_state`, sourceID).Scan(
		&agg.Total, &agg.Completed, &agg.Failed, &agg.InFlight,
		&agg.TotalContentSize, &ratio, &agg.UniqueChunks, &agg.DuplicateChunks,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute source aggregate: %w", err)
	}

	if ratio.Valid {
		r := ratio.Float64
		agg.CompressionRatio = &r
	}

	return &agg, nil
}

// prefixColumns qualifies a comma separated column list with a table alias
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/content"
	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/rs/zerolog/log"
)

// PageProcessor handles process_page jobs: fetch one page, measure its content
// and store the metrics on the page row
type PageProcessor struct {
	store        PageStore
	fetcher      crawler.Fetcher
	chunks       content.ChunkConfig
	fetchTimeout time.Duration
	now          func() time.Time
}

// NewPageProcessor creates the process_page handler
func NewPageProcessor(store PageStore, fetcher crawler.Fetcher, cfg Config) *PageProcessor {
	if store == nil || fetcher == nil {
		panic("jobs.NewPageProcessor: store and fetcher are required")
	}
	cfg = cfg.withDefaults()
	return &PageProcessor{
		store:        store,
		fetcher:      fetcher,
		chunks:       content.DefaultChunkConfig(),
		fetchTimeout: cfg.FetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes the page referenced by job. A failure marks only this page
// failed and is returned so the job can be retried.
func (pp *PageProcessor) Handle(ctx context.Context, job *db.BackgroundJob) error {
	if job.PageID == "" {
		return Permanent(fmt.Errorf("job %s has no page", job.ID))
	}

	page, err := pp.store.GetPage(ctx, job.PageID)
	if errors.Is(err, db.ErrPageNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}

	logger := log.With().
		Str("page_id", page.ID).
		Str("source_id", page.SourceID).
		Str("url", page.URL).
		Logger()

	if page.Status == db.PageStatusCompleted {
		logger.Debug().Msg("Page already completed, skipping duplicate delivery")
		return nil
	}

	if err := pp.store.MarkPageInProgress(ctx, page.ID, pp.now()); err != nil {
		return err
	}

	started := time.Now()

	metrics, err := pp.process(ctx, page)
	if err != nil {
		if markErr := pp.store.MarkPageFailed(context.WithoutCancel(ctx), page.ID, err.Error(), pp.now()); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark page failed")
		}
		logger.Warn().Err(err).Msg("Page processing failed")
		return err
	}

	metrics.ProcessingTimeMs = time.Since(started).Milliseconds()
	if err := pp.store.MarkPageCompleted(ctx, page.ID, *metrics, pp.now()); err != nil {
		return err
	}

	logger.Debug().
		Int64("content_size", metrics.ContentSize).
		Int("chunks", metrics.ChunksCreated).
		Int("duplicates", metrics.DuplicatesFound).
		Msg("Page processed")
	return nil
}

func (pp *PageProcessor) process(ctx context.Context, page *db.Page) (*db.PageMetrics, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, pp.fetchTimeout)
	defer cancel()

	res, err := pp.fetcher.Fetch(fetchCtx, page.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}

	analysis, err := content.Analyze(res.Body, pp.chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to extract content: %w", err)
	}

	unique, err := pp.store.RecordChunks(ctx, page.SourceID, page.ID, analysis.Fingerprints)
	if err != nil {
		return nil, err
	}

	return &db.PageMetrics{
		ContentSize:      analysis.ContentSize,
		CompressionRatio: analysis.CompressionRatio,
		ChunksCreated:    unique,
		DuplicatesFound:  analysis.PageDuplicates + len(analysis.Fingerprints) - unique,
		ContentHash:      analysis.ContentHash,
	}, nil
}

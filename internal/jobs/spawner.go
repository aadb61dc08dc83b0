package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNoURLs is returned when a spawn request carries no usable URLs
var ErrNoURLs = errors.New("no URLs to spawn")

// SpawnKey is the idempotency key of a page job created by a spawn
func SpawnKey(pageID, transactionID string) string {
	return fmt.Sprintf("%s:%s:%s", db.JobTypeProcessPage, pageID, transactionID)
}

// RecoveryKey is the idempotency key of a job created by orphan recovery
func RecoveryKey(pageID string, at time.Time) string {
	return fmt.Sprintf("recovery:%s:%d", pageID, at.UnixMilli())
}

// RetryKey is the idempotency key of a job created by an operator retry
func RetryKey(pageID string, at time.Time) string {
	return fmt.Sprintf("retry:%s:%d", pageID, at.UnixMilli())
}

// Spawner creates page rows and their process_page jobs
type Spawner struct {
	store PageStore
	cfg   Config
	now   func() time.Time
}

// NewSpawner creates a spawner
func NewSpawner(store PageStore, cfg Config) *Spawner {
	return &Spawner{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Spawn creates one page and one job per URL. Each batch is written in a single
// transaction, so a failed batch leaves neither pages nor jobs behind and is listed
// in Errors while later batches still run. Keys that already exist count as
// JobsExisting. An error is returned only when nothing could be spawned.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	span := sentry.StartSpan(ctx, "jobs.spawn")
	defer span.Finish()
	span.SetTag("source_id", req.SourceID)

	urls := dedupeURLs(req.URLs)
	if len(urls) == 0 {
		return &SpawnResult{Success: false, Errors: []string{ErrNoURLs.Error()}}, ErrNoURLs
	}

	txID := req.TransactionID
	if txID == "" {
		txID = uuid.New().String()
	}

	result := &SpawnResult{TransactionID: txID, PageIDs: make([]string, 0, len(urls))}
	batchSize := s.cfg.SpawnBatchSize

	var (
		lastErr     error
		failedBatch int
		batches     int
	)

	for start := 0; start < len(urls); start += batchSize {
		end := min(start+batchSize, len(urls))
		batches++

		res, err := s.store.SpawnPageJobs(ctx, &db.SpawnBatch{
			SourceID:    req.SourceID,
			TeamID:      req.TeamID,
			URLs:        urls[start:end],
			JobType:     db.JobTypeProcessPage,
			Priority:    PriorityPage,
			MaxAttempts: s.cfg.MaxAttempts,
			KeyFn: func(pageID string) string {
				return SpawnKey(pageID, txID)
			},
			PayloadFn: func(_ string, url string) string {
				return db.Serialise(db.JobPayload{
					URL:            url,
					ParentSourceID: req.SourceID,
					TransactionID:  txID,
				})
			},
			ScheduledAt: s.now(),
		})
		if err != nil {
			lastErr = err
			failedBatch++
			result.Errors = append(result.Errors,
				fmt.Sprintf("batch %d (%d URLs) rolled back: %v", batches, end-start, err))
			log.Error().
				Err(err).
				Str("source_id", req.SourceID).
				Int("batch", batches).
				Msg("Failed to spawn page jobs for batch")
			continue
		}

		result.PagesCreated += res.PagesCreated
		result.JobsCreated += res.JobsCreated
		result.JobsExisting += res.JobsExisting
		result.PageIDs = append(result.PageIDs, res.PageIDs...)
	}

	result.Success = failedBatch == 0
	span.SetData("jobs_created", result.JobsCreated)

	log.Info().
		Str("source_id", req.SourceID).
		Str("transaction_id", txID).
		Int("urls", len(urls)).
		Int("pages_created", result.PagesCreated).
		Int("jobs_created", result.JobsCreated).
		Int("jobs_existing", result.JobsExisting).
		Int("failed_batches", failedBatch).
		Msg("Spawned page jobs")

	if failedBatch == batches {
		span.SetTag("error", "true")
		return result, fmt.Errorf("failed to spawn page jobs: %w", lastErr)
	}
	return result, nil
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/observability"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RecoveryService repairs abandoned work. Both passes are idempotent and safe to
// run on a timer and on demand at the same time.
type RecoveryService struct {
	store      RecoveryStore
	aggregator *Aggregator
	notifier   Notifier
	bus        Publisher
	cfg        Config
	now        func() time.Time
}

// NewRecoveryService creates a recovery service. notifier and bus may be nil.
func NewRecoveryService(store RecoveryStore, aggregator *Aggregator, notifier Notifier, bus Publisher, cfg Config) *RecoveryService {
	return &RecoveryService{
		store:      store,
		aggregator: aggregator,
		notifier:   notifier,
		bus:        publisherOrNoop(bus),
		cfg:        cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ClampThreshold bounds a stuck-job threshold to [MinStuckThreshold, MaxStuckThreshold].
// Zero or negative selects DefaultStuckThreshold.
func ClampThreshold(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultStuckThreshold
	case d < MinStuckThreshold:
		return MinStuckThreshold
	case d > MaxStuckThreshold:
		return MaxStuckThreshold
	}
	return d
}

// StuckThresholdFor clamps d like ClampThreshold, then raises it to at least
// jobTimeout plus StuckThresholdMargin so a handler still inside its timeout is
// never reset underneath itself.
func StuckThresholdFor(d, jobTimeout time.Duration) time.Duration {
	return max(ClampThreshold(d), jobTimeout+StuckThresholdMargin)
}

// RecoverStuckJobs resets jobs processing for longer than threshold back to pending
// and returns how many were reset plus the sources they belong to. An empty
// sourceID scans every source.
func (r *RecoveryService) RecoverStuckJobs(ctx context.Context, sourceID string, threshold time.Duration) (int, []string, error) {
	threshold = StuckThresholdFor(threshold, r.cfg.JobTimeout)
	now := r.now()
	note := fmt.Sprintf("auto-recovered: stuck in processing for more than %s", threshold)

	recovered, err := r.store.RecoverStuckJobs(ctx, sourceID, now.Add(-threshold), note, now)
	if err != nil {
		return 0, nil, err
	}

	var sources []string
	seen := make(map[string]bool)
	for _, job := range recovered {
		if !seen[job.SourceID] {
			seen[job.SourceID] = true
			sources = append(sources, job.SourceID)
		}
	}

	if len(recovered) > 0 {
		log.Warn().
			Int("jobs", len(recovered)).
			Dur("threshold", threshold).
			Str("source_id", sourceID).
			Msg("Recovered stuck jobs")
		observability.RecordRecovery(ctx, "stuck", len(recovered))
	}

	return len(recovered), sources, nil
}

// RecoverOrphanPages creates a job for every pending page that has none. Each
// recovery job gets its own recovery: key so it never collides with the original;
// the store refuses the insert when another pass already gave the page a job.
func (r *RecoveryService) RecoverOrphanPages(ctx context.Context, sourceID string) (int, []string, error) {
	pages, err := r.store.FindOrphanPages(ctx, sourceID, OrphanScanLimit)
	if err != nil {
		return 0, nil, err
	}

	now := r.now()
	created := 0
	var sources []string
	seen := make(map[string]bool)

	for _, page := range pages {
		payload := db.Serialise(db.JobPayload{
			URL:            page.URL,
			ParentSourceID: page.SourceID,
			TransactionID:  "recovery",
		})

		inserted, err := r.store.EnqueuePageJob(ctx, &db.BackgroundJob{
			ID:             uuid.New().String(),
			JobType:        db.JobTypeProcessPage,
			SourceID:       page.SourceID,
			PageID:         page.ID,
			IdempotencyKey: RecoveryKey(page.ID, now),
			Payload:        json.RawMessage(payload),
			Status:         db.JobStatusPending,
			Priority:       PriorityRecovery,
			MaxAttempts:    r.cfg.MaxAttempts,
			ScheduledAt:    now,
			CreatedAt:      now,
		})
		if err != nil {
			return created, sources, fmt.Errorf("failed to create recovery job for page %s: %w", page.ID, err)
		}
		if !inserted {
			continue
		}

		created++
		if !seen[page.SourceID] {
			seen[page.SourceID] = true
			sources = append(sources, page.SourceID)
		}
	}

	if created > 0 {
		log.Warn().
			Int("pages", created).
			Str("source_id", sourceID).
			Msg("Created recovery jobs for orphaned pages")
		observability.RecordRecovery(ctx, "orphan", created)
	}

	return created, sources, nil
}

// Run performs both passes, re-aggregates every touched source and wakes the
// processor when anything was requeued
func (r *RecoveryService) Run(ctx context.Context, sourceID string, threshold time.Duration) (*RecoveryResult, error) {
	span := sentry.StartSpan(ctx, "jobs.recovery")
	defer span.Finish()
	span.SetTag("source_id", sourceID)

	if threshold <= 0 {
		threshold = r.cfg.StuckThreshold
	}

	recovered, stuckSources, err := r.RecoverStuckJobs(ctx, sourceID, threshold)
	if err != nil {
		span.SetTag("error", "true")
		return nil, fmt.Errorf("stuck job recovery failed: %w", err)
	}

	orphaned, orphanSources, err := r.RecoverOrphanPages(ctx, sourceID)
	if err != nil {
		span.SetTag("error", "true")
		return nil, fmt.Errorf("orphan recovery failed: %w", err)
	}

	result := &RecoveryResult{
		Recovered: recovered,
		Orphaned:  orphaned,
		Sources:   mergeIDs(stuckSources, orphanSources),
	}

	if r.aggregator != nil {
		r.aggregator.AggregateAll(ctx, result.Sources)
	}
	for _, id := range result.Sources {
		r.bus.Publish(realtime.Event{
			Type:     realtime.EventJobsRecovered,
			SourceID: id,
			Data:     result,
		})
	}

	if (recovered > 0 || orphaned > 0) && r.notifier != nil {
		r.notifier.Notify()
	}

	return result, nil
}

func mergeIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

package jobs

import (
	"context"
	"math"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Aggregator recomputes a source's rollup from its pages. Counters are never
// incremented in place, so repeated runs converge on the same values.
type Aggregator struct {
	store SourceStore
	bus   Publisher
	now   func() time.Time
}

// NewAggregator creates an aggregator. bus may be nil.
func NewAggregator(store SourceStore, bus Publisher) *Aggregator {
	return &Aggregator{
		store: store,
		bus:   publisherOrNoop(bus),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Rollup derives status and progress from page counts alone: no pages is pending,
// every page resolved is completed, anything else is in progress
func Rollup(agg *db.SourceAggregate) (db.SourceStatus, float64) {
	if agg.Total == 0 {
		return db.SourceStatusPending, 0
	}

	resolved := agg.Completed + agg.Failed
	progress := math.Round(float64(resolved)/float64(agg.Total)*10000) / 100

	if resolved >= agg.Total {
		return db.SourceStatusCompleted, progress
	}
	return db.SourceStatusInProgress, progress
}

// effectiveStatus applies the source's own lifecycle on top of the page rollup
func effectiveStatus(src *db.Source, computed db.SourceStatus, agg *db.SourceAggregate) db.SourceStatus {
	switch {
	case src.PendingRemoval,
		src.CrawlStatus == db.SourceStatusTraining,
		src.CrawlStatus == db.SourceStatusTrained:
		return src.CrawlStatus
	case agg.Total == 0 && src.CrawlStatus == db.SourceStatusFailed:
		return db.SourceStatusFailed
	case agg.Total == 0 && !src.DiscoveryCompleted &&
		(src.CrawlStatus == db.SourceStatusInProgress || src.CrawlStatus == db.SourceStatusRecrawling):
		// Still discovering
		return src.CrawlStatus
	case computed == db.SourceStatusInProgress && src.CrawlStatus == db.SourceStatusRecrawling:
		return db.SourceStatusRecrawling
	}
	return computed
}

func (a *Aggregator) compute(ctx context.Context, sourceID string) (*ParentChildStatus, *db.SourceRollup, error) {
	src, err := a.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}

	agg, err := a.store.ComputeSourceAggregate(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}

	computed, progress := Rollup(agg)
	status := effectiveStatus(src, computed, agg)

	requiresTraining := src.RequiresManualTraining
	if status == db.SourceStatusCompleted && src.CrawlStatus != db.SourceStatusCompleted {
		requiresTraining = true
	}

	pcs := &ParentChildStatus{
		SourceID:               sourceID,
		Status:                 status,
		TotalChildren:          agg.Total,
		ChildrenCompleted:      agg.Completed,
		ChildrenFailed:         agg.Failed,
		ChildrenPending:        agg.Total - agg.Completed - agg.Failed,
		ChildrenInProgress:     agg.InFlight,
		Progress:               progress,
		DiscoveryCompleted:     src.DiscoveryCompleted,
		RequiresManualTraining: requiresTraining,
		TotalContentSize:       agg.TotalContentSize,
		CompressionRatio:       agg.CompressionRatio,
		UniqueChunks:           agg.UniqueChunks,
		DuplicateChunks:        agg.DuplicateChunks,
	}

	return pcs, &db.SourceRollup{SourceAggregate: *agg, Status: status, Progress: progress}, nil
}

// Aggregate recomputes and stores the rollup of one source, then publishes it
func (a *Aggregator) Aggregate(ctx context.Context, sourceID string) (*ParentChildStatus, error) {
	span := sentry.StartSpan(ctx, "jobs.aggregate")
	defer span.Finish()
	span.SetTag("source_id", sourceID)

	status, rollup, err := a.compute(ctx, sourceID)
	if err != nil {
		span.SetTag("error", "true")
		return nil, err
	}

	if err := a.store.WriteSourceRollup(ctx, sourceID, rollup, a.now()); err != nil {
		span.SetTag("error", "true")
		return nil, err
	}

	a.bus.Publish(realtime.Event{
		Type:     realtime.EventStatusChanged,
		SourceID: sourceID,
		Data:     status,
	})

	return status, nil
}

// AggregateAll aggregates each source, logging failures
func (a *Aggregator) AggregateAll(ctx context.Context, sourceIDs []string) {
	for _, id := range sourceIDs {
		if _, err := a.Aggregate(ctx, id); err != nil {
			log.Error().Err(err).Str("source_id", id).Msg("Failed to aggregate source status")
		}
	}
}

// GetParentChildStatus computes the current status without writing anything.
// It is the always-correct read path for clients that missed realtime events.
func (a *Aggregator) GetParentChildStatus(ctx context.Context, sourceID string) (*ParentChildStatus, error) {
	span := sentry.StartSpan(ctx, "jobs.get_parent_child_status")
	defer span.Finish()

	status, _, err := a.compute(ctx, sourceID)
	return status, err
}

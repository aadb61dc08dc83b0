package jobs

import (
	"context"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
)

// QueueStore defines the background job operations needed by the Processor
type QueueStore interface {
	ClaimPendingJobs(ctx context.Context, now time.Time, limit int) ([]*db.BackgroundJob, error)
	CompleteJob(ctx context.Context, jobID string, now time.Time) error
	RetryJob(ctx context.Context, jobID string, attempts int, runAt time.Time, errMsg string, now time.Time) error
	FailJob(ctx context.Context, jobID string, attempts int, errMsg string, now time.Time) error
	EnqueueJob(ctx context.Context, job *db.BackgroundJob) (bool, error)
	FailPendingSourceJobs(ctx context.Context, sourceID, reason string, now time.Time) (int64, error)
}

// PageStore defines the page operations needed by the spawner and page processor
type PageStore interface {
	SpawnPageJobs(ctx context.Context, b *db.SpawnBatch) (*db.SpawnBatchResult, error)
	GetPage(ctx context.Context, pageID string) (*db.Page, error)
	MarkPageInProgress(ctx context.Context, pageID string, now time.Time) error
	MarkPageFailed(ctx context.Context, pageID, errMsg string, now time.Time) error
	MarkPageCompleted(ctx context.Context, pageID string, m db.PageMetrics, now time.Time) error
	RetryFailedPages(ctx context.Context, b *db.RetryBatch) (*db.RetryBatchResult, error)
	RecordChunks(ctx context.Context, sourceID, pageID string, hashes []string) (int, error)
}

// SourceStore defines the parent source operations
type SourceStore interface {
	CreateSource(ctx context.Context, s *db.Source) error
	GetSource(ctx context.Context, sourceID string) (*db.Source, error)
	UpdateSourceStatus(ctx context.Context, sourceID string, status db.SourceStatus, errMsg string) error
	SetDiscoveryCompleted(ctx context.Context, sourceID string, completed bool) error
	ComputeSourceAggregate(ctx context.Context, sourceID string) (*db.SourceAggregate, error)
	WriteSourceRollup(ctx context.Context, sourceID string, r *db.SourceRollup, now time.Time) error
	MarkSourceForRemoval(ctx context.Context, sourceID string) error
	PurgeRemovedSources(ctx context.Context) (int64, error)
}

// RecoveryStore defines the repair queries used by recovery
type RecoveryStore interface {
	RecoverStuckJobs(ctx context.Context, sourceID string, cutoff time.Time, note string, now time.Time) ([]db.RecoveredJob, error)
	FindOrphanPages(ctx context.Context, sourceID string, limit int) ([]*db.Page, error)
	EnqueuePageJob(ctx context.Context, job *db.BackgroundJob) (bool, error)
}

// Store is everything the pipeline needs from the database. *db.DbQueue implements it.
type Store interface {
	QueueStore
	PageStore
	SourceStore
	RecoveryStore
}

// Publisher receives realtime events. *realtime.Bus implements it.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Discoverer finds the URLs to crawl for a seed
type Discoverer interface {
	Discover(ctx context.Context, req crawler.DiscoveryRequest) (*crawler.DiscoveryResult, error)
}

// Notifier wakes a processor loop
type Notifier interface {
	Notify()
}

var _ Store = (*db.DbQueue)(nil)

type noopPublisher struct{}

func (noopPublisher) Publish(realtime.Event) {}

func publisherOrNoop(p Publisher) Publisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

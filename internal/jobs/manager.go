package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidRequest wraps validation failures of caller input
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSourceRemoved is returned for operations on a source pending removal
	ErrSourceRemoved = errors.New("source is pending removal")
)

// CreateSourceRequest is the input for a new website source
type CreateSourceRequest struct {
	AgentID      string   `json:"agent_id" validate:"required"`
	TeamID       string   `json:"team_id" validate:"required"`
	URL          string   `json:"url" validate:"required,http_url"`
	IncludePaths []string `json:"include_paths" validate:"omitempty,dive,required"`
	ExcludePaths []string `json:"exclude_paths" validate:"omitempty,dive,required"`
	MaxPages     int      `json:"max_pages" validate:"gte=0,lte=1000"`
}

// Manager wires the pipeline together and exposes its entry points
type Manager struct {
	store      Store
	discovery  Discoverer
	spawner    *Spawner
	processor  *Processor
	aggregator *Aggregator
	recovery   *RecoveryService
	bus        Publisher
	validate   *validator.Validate
	cfg        Config
	now        func() time.Time
}

// NewManager builds the processor, spawner, aggregator and recovery service over
// one store and registers the process_page and discover_source handlers
func NewManager(store Store, discovery Discoverer, fetcher crawler.Fetcher, bus Publisher, cfg Config) *Manager {
	if store == nil || discovery == nil || fetcher == nil {
		panic("jobs.NewManager: store, discovery and fetcher are required")
	}
	cfg = cfg.withDefaults()
	bus = publisherOrNoop(bus)

	processor := NewProcessor(store, cfg)
	aggregator := NewAggregator(store, bus)

	m := &Manager{
		store:      store,
		discovery:  discovery,
		spawner:    NewSpawner(store, cfg),
		processor:  processor,
		aggregator: aggregator,
		recovery:   NewRecoveryService(store, aggregator, processor, bus, cfg),
		bus:        bus,
		validate:   validator.New(),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}

	processor.Register(db.JobTypeProcessPage, NewPageProcessor(store, fetcher, cfg))
	processor.Register(db.JobTypeDiscoverSource, HandlerFunc(m.handleDiscoverJob))
	processor.OnSourcesTouched(aggregator.AggregateAll)

	return m
}

// Processor returns the job processor so callers can run its loop
func (m *Manager) Processor() *Processor { return m.processor }

// Aggregator returns the status aggregator
func (m *Manager) Aggregator() *Aggregator { return m.aggregator }

// CreateSource validates and stores a website source, then queues its discovery
func (m *Manager) CreateSource(ctx context.Context, req CreateSourceRequest) (*db.Source, error) {
	span := sentry.StartSpan(ctx, "manager.create_source")
	defer span.Finish()

	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	seed, err := crawler.CanonicalURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = m.cfg.DiscoveryMaxPages
	}

	now := m.now()
	src := &db.Source{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		TeamID:       req.TeamID,
		URL:          seed,
		SourceType:   db.SourceTypeWebsite,
		CrawlStatus:  db.SourceStatusPending,
		IncludePaths: req.IncludePaths,
		ExcludePaths: req.ExcludePaths,
		MaxPages:     maxPages,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetTag("source_id", src.ID)

	if err := m.store.CreateSource(ctx, src); err != nil {
		span.SetTag("error", "true")
		sentry.CaptureException(err)
		return nil, err
	}

	if err := m.enqueueDiscovery(ctx, src.ID, "initial"); err != nil {
		span.SetTag("error", "true")
		sentry.CaptureException(err)
		return nil, err
	}

	log.Info().
		Str("source_id", src.ID).
		Str("url", src.URL).
		Int("max_pages", src.MaxPages).
		Msg("Created website source")

	return src, nil
}

func (m *Manager) enqueueDiscovery(ctx context.Context, sourceID, run string) error {
	now := m.now()
	_, err := m.store.EnqueueJob(ctx, &db.BackgroundJob{
		ID:             uuid.New().String(),
		JobType:        db.JobTypeDiscoverSource,
		SourceID:       sourceID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", db.JobTypeDiscoverSource, sourceID, run),
		Payload:        json.RawMessage(db.Serialise(db.JobPayload{ParentSourceID: sourceID})),
		Priority:       PriorityDiscovery,
		MaxAttempts:    m.cfg.MaxAttempts,
		ScheduledAt:    now,
		CreatedAt:      now,
	})
	if err != nil {
		return err
	}
	m.processor.Notify()
	return nil
}

func (m *Manager) handleDiscoverJob(ctx context.Context, job *db.BackgroundJob) error {
	_, err := m.StartDiscovery(ctx, job.SourceID)
	if errors.Is(err, db.ErrSourceNotFound) || errors.Is(err, ErrSourceRemoved) {
		return Permanent(err)
	}
	return err
}

func (m *Manager) activeSource(ctx context.Context, sourceID string) (*db.Source, error) {
	src, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.PendingRemoval {
		return nil, ErrSourceRemoved
	}
	return src, nil
}

// StartDiscovery discovers the pages of a source and spawns a job for each.
// A seed that cannot be fetched still yields the seed itself; only store
// failures and a spawn that wrote nothing fail the source.
func (m *Manager) StartDiscovery(ctx context.Context, sourceID string) (*DiscoveryOutcome, error) {
	span := sentry.StartSpan(ctx, "manager.start_discovery")
	defer span.Finish()
	span.SetTag("source_id", sourceID)

	src, err := m.activeSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	status := db.SourceStatusInProgress
	switch src.CrawlStatus {
	case db.SourceStatusCompleted, db.SourceStatusTraining, db.SourceStatusTrained:
		status = db.SourceStatusRecrawling
	}
	if err := m.store.UpdateSourceStatus(ctx, sourceID, status, ""); err != nil {
		return nil, err
	}
	if err := m.store.SetDiscoveryCompleted(ctx, sourceID, false); err != nil {
		return nil, err
	}

	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = m.cfg.DiscoveryMaxPages
	}

	found, err := m.discovery.Discover(ctx, crawler.DiscoveryRequest{
		SeedURL:         src.URL,
		IncludePatterns: src.IncludePaths,
		ExcludePatterns: src.ExcludePaths,
		MaxPages:        maxPages,
	})
	if err != nil {
		m.failSource(ctx, sourceID, err)
		span.SetTag("error", "true")
		return nil, fmt.Errorf("link discovery failed: %w", err)
	}

	outcome := &DiscoveryOutcome{
		SourceID:   sourceID,
		URLs:       found.URLs,
		LinksFound: found.LinksFound,
		Filtered:   found.Filtered,
		FetchError: found.FetchError,
	}

	spawned, err := m.spawner.Spawn(ctx, SpawnRequest{
		SourceID: sourceID,
		TeamID:   src.TeamID,
		URLs:     found.URLs,
	})
	outcome.Spawn = spawned
	if err != nil {
		m.failSource(ctx, sourceID, err)
		span.SetTag("error", "true")
		sentry.CaptureException(err)
		return outcome, err
	}

	if err := m.store.SetDiscoveryCompleted(ctx, sourceID, true); err != nil {
		return outcome, err
	}
	if _, err := m.aggregator.Aggregate(ctx, sourceID); err != nil {
		log.Error().Err(err).Str("source_id", sourceID).Msg("Failed to aggregate after discovery")
	}

	m.bus.Publish(realtime.Event{
		Type:     realtime.EventDiscoveryCompleted,
		SourceID: sourceID,
		Data:     outcome,
	})
	m.processor.Notify()

	log.Info().
		Str("source_id", sourceID).
		Int("urls", len(found.URLs)).
		Int("jobs_created", spawned.JobsCreated).
		Bool("seed_fetch_failed", found.FetchFailed).
		Msg("Discovery completed")

	return outcome, nil
}

func (m *Manager) failSource(ctx context.Context, sourceID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.UpdateSourceStatus(ctx, sourceID, db.SourceStatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("source_id", sourceID).Msg("Failed to mark source failed")
	}
	if err := m.store.SetDiscoveryCompleted(ctx, sourceID, true); err != nil {
		log.Error().Err(err).Str("source_id", sourceID).Msg("Failed to record discovery completion")
	}
	m.bus.Publish(realtime.Event{
		Type:     realtime.EventStatusChanged,
		SourceID: sourceID,
		Data:     map[string]string{"status": string(db.SourceStatusFailed), "error": cause.Error()},
	})
}

// RequeueDiscovery queues a fresh discovery run for an existing source
func (m *Manager) RequeueDiscovery(ctx context.Context, sourceID string) error {
	if _, err := m.activeSource(ctx, sourceID); err != nil {
		return err
	}
	return m.enqueueDiscovery(ctx, sourceID, fmt.Sprintf("%d", m.now().UnixMilli()))
}

// TriggerProcessing runs one processor batch
func (m *Manager) TriggerProcessing(ctx context.Context) (*BatchResult, error) {
	span := sentry.StartSpan(ctx, "manager.trigger_processing")
	defer span.Finish()

	result, err := m.processor.ProcessBatch(ctx)
	if err != nil {
		span.SetTag("error", "true")
		sentry.CaptureException(err)
	}
	return result, err
}

// RunRecovery runs stuck and orphan recovery. An empty sourceID covers all sources.
func (m *Manager) RunRecovery(ctx context.Context, sourceID string, threshold time.Duration) (*RecoveryResult, error) {
	span := sentry.StartSpan(ctx, "manager.run_recovery")
	defer span.Finish()

	if sourceID != "" {
		if _, err := m.store.GetSource(ctx, sourceID); err != nil {
			return nil, err
		}
	}

	result, err := m.recovery.Run(ctx, sourceID, threshold)
	if err != nil {
		span.SetTag("error", "true")
		sentry.CaptureException(err)
	}
	return result, err
}

// GetStatus returns the current parent/child status of a source without writing
func (m *Manager) GetStatus(ctx context.Context, sourceID string) (*ParentChildStatus, error) {
	return m.aggregator.GetParentChildStatus(ctx, sourceID)
}

// RetryFailedChildren returns every failed page of a source to pending with a
// fresh job, both in one transaction. retry_count is kept.
func (m *Manager) RetryFailedChildren(ctx context.Context, sourceID string) (*RetryResult, error) {
	span := sentry.StartSpan(ctx, "manager.retry_failed_children")
	defer span.Finish()
	span.SetTag("source_id", sourceID)

	if _, err := m.activeSource(ctx, sourceID); err != nil {
		return nil, err
	}

	now := m.now()
	res, err := m.store.RetryFailedPages(ctx, &db.RetryBatch{
		SourceID:    sourceID,
		JobType:     db.JobTypeProcessPage,
		Priority:    PriorityPage,
		MaxAttempts: m.cfg.MaxAttempts,
		KeyFn: func(pageID string) string {
			return RetryKey(pageID, now)
		},
		PayloadFn: func(_ string, url string) string {
			return db.Serialise(db.JobPayload{
				URL:            url,
				ParentSourceID: sourceID,
				TransactionID:  "retry",
			})
		},
		ScheduledAt: now,
	})
	if err != nil {
		span.SetTag("error", "true")
		return nil, err
	}

	result := &RetryResult{PagesReset: len(res.Pages), JobsCreated: res.JobsCreated}

	if _, err := m.aggregator.Aggregate(ctx, sourceID); err != nil {
		log.Error().Err(err).Str("source_id", sourceID).Msg("Failed to aggregate after retry")
	}
	m.bus.Publish(realtime.Event{
		Type:     realtime.EventChildrenRetried,
		SourceID: sourceID,
		Data:     result,
	})
	if result.JobsCreated > 0 {
		m.processor.Notify()
	}

	log.Info().
		Str("source_id", sourceID).
		Int("pages_reset", result.PagesReset).
		Int("jobs_created", result.JobsCreated).
		Msg("Retrying failed pages")

	return result, nil
}

// RemoveSource soft deletes a source and fails its pending jobs
func (m *Manager) RemoveSource(ctx context.Context, sourceID string) error {
	span := sentry.StartSpan(ctx, "manager.remove_source")
	defer span.Finish()

	if err := m.store.MarkSourceForRemoval(ctx, sourceID); err != nil {
		return err
	}

	cancelled, err := m.store.FailPendingSourceJobs(ctx, sourceID, "source removed", m.now())
	if err != nil {
		return err
	}

	m.bus.Publish(realtime.Event{Type: realtime.EventSourceRemoved, SourceID: sourceID})
	log.Info().
		Str("source_id", sourceID).
		Int64("jobs_cancelled", cancelled).
		Msg("Source marked for removal")
	return nil
}

// PurgeRemovedSources hard deletes sources marked for removal
func (m *Manager) PurgeRemovedSources(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeRemovedSources(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("sources", n).Msg("Purged removed sources")
	}
	return n, nil
}

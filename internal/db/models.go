package db

import (
	"encoding/json"
	"time"
)

// SourceStatus is the crawl status of a parent source
type SourceStatus string

const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusInProgress SourceStatus = "in_progress"
	SourceStatusCompleted  SourceStatus = "completed"
	SourceStatusFailed     SourceStatus = "failed"
	SourceStatusTraining   SourceStatus = "training"
	SourceStatusTrained    SourceStatus = "trained"
	SourceStatusRecrawling SourceStatus = "recrawling"
)

// PageStatus is the fetch status of a single discovered page
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusInProgress PageStatus = "in_progress"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// ProcessingStatus tracks the chunk-creation phase of a page
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusProcessed  ProcessingStatus = "processed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// JobStatus is the queue status of a background job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job types understood by the processor
const (
	JobTypeProcessPage    = "process_page"
	JobTypeDiscoverSource = "discover_source"
)

// Source kinds
const (
	SourceTypeWebsite = "website"
	SourceTypeText    = "text"
	SourceTypeFile    = "file"
	SourceTypeQA      = "qa"
)

// Source is a parent crawl target owned by an agent
type Source struct {
	ID                     string       `json:"id"`
	AgentID                string       `json:"agent_id"`
	TeamID                 string       `json:"team_id"`
	URL                    string       `json:"url"`
	SourceType             string       `json:"source_type"`
	CrawlStatus            SourceStatus `json:"crawl_status"`
	TotalJobs              int          `json:"total_jobs"`
	CompletedJobs          int          `json:"completed_jobs"`
	FailedJobs             int          `json:"failed_jobs"`
	TotalContentSize       int64        `json:"total_content_size"`
	UniqueChunks           int          `json:"unique_chunks"`
	DuplicateChunks        int          `json:"duplicate_chunks"`
	CompressionRatio       *float64     `json:"compression_ratio,omitempty"`
	Progress               float64      `json:"progress"`
	DiscoveryCompleted     bool         `json:"discovery_completed"`
	RequiresManualTraining bool         `json:"requires_manual_training"`
	IncludePaths           []string     `json:"include_paths"`
	ExcludePaths           []string     `json:"exclude_paths"`
	MaxPages               int          `json:"max_pages"`
	PendingRemoval         bool         `json:"pending_removal"`
	ErrorMessage           string       `json:"error_message,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
	LastCrawledAt          *time.Time   `json:"last_crawled_at,omitempty"`
}

// Page is one discovered URL under a source
type Page struct {
	ID               string           `json:"id"`
	SourceID         string           `json:"parent_source_id"`
	TeamID           string           `json:"team_id"`
	URL              string           `json:"url"`
	Status           PageStatus       `json:"status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RetryCount       int              `json:"retry_count"`
	ContentSize      int64            `json:"content_size"`
	CompressionRatio *float64         `json:"compression_ratio,omitempty"`
	ChunksCreated    int              `json:"chunks_created"`
	DuplicatesFound  int              `json:"duplicates_found"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ContentHash      string           `json:"content_hash,omitempty"`
	IsExcluded       bool             `json:"is_excluded"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// PageMetrics are the content metrics written when a page completes
type PageMetrics struct {
	ContentSize      int64
	CompressionRatio float64
	ChunksCreated    int
	DuplicatesFound  int
	ProcessingTimeMs int64
	ContentHash      string
}

// BackgroundJob is a unit of queued work. Higher Priority values are claimed first.
type BackgroundJob struct {
	ID             string          `json:"id"`
	JobType        string          `json:"job_type"`
	SourceID       string          `json:"source_id"`
	PageID         string          `json:"page_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// JobPayload is the payload stored with page jobs
type JobPayload struct {
	URL            string `json:"url,omitempty"`
	ParentSourceID string `json:"parent_source_id"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

// SourceAggregate is the rollup recomputed from a source's pages
type SourceAggregate struct {
	Total            int
	Completed        int
	Failed           int
	InFlight         int
	TotalContentSize int64
	CompressionRatio *float64
	UniqueChunks     int
	DuplicateChunks  int
}

// SourceRollup is what gets written back onto the source row
type SourceRollup struct {
	SourceAggregate
	Status   SourceStatus
	Progress float64
}

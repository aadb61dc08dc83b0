package jobs

import (
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
)

// Job priorities. Higher values are claimed first.
const (
	PriorityPage      = 5
	PriorityRecovery  = 7
	PriorityDiscovery = 10
)

const (
	DefaultConcurrency    = 10
	DefaultMaxAttempts    = 3
	DefaultSpawnBatchSize = 50
	DefaultJobTimeout     = 2 * time.Minute
	DefaultFetchTimeout   = 30 * time.Second

	// Jobs processing for longer than the stuck threshold are presumed abandoned
	DefaultStuckThreshold = 5 * time.Minute
	MinStuckThreshold     = 2 * time.Minute
	MaxStuckThreshold     = 10 * time.Minute

	// StuckThresholdMargin is the minimum gap between the job timeout and the
	// stuck threshold
	StuckThresholdMargin = 30 * time.Second

	// OrphanScanLimit bounds the pages repaired by one orphan recovery pass
	OrphanScanLimit = 500
)

// Config tunes the job pipeline
type Config struct {
	Concurrency       int
	MaxAttempts       int
	SpawnBatchSize    int
	JobTimeout        time.Duration
	FetchTimeout      time.Duration
	StuckThreshold    time.Duration
	DiscoveryMaxPages int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:       DefaultConcurrency,
		MaxAttempts:       DefaultMaxAttempts,
		SpawnBatchSize:    DefaultSpawnBatchSize,
		JobTimeout:        DefaultJobTimeout,
		FetchTimeout:      DefaultFetchTimeout,
		StuckThreshold:    DefaultStuckThreshold,
		DiscoveryMaxPages: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SpawnBatchSize <= 0 {
		c.SpawnBatchSize = d.SpawnBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.DiscoveryMaxPages <= 0 {
		c.DiscoveryMaxPages = d.DiscoveryMaxPages
	}
	return c
}

// ParentChildStatus is the derived crawl status of a source and its pages
type ParentChildStatus struct {
	SourceID               string          `json:"sourceId"`
	Status                 db.SourceStatus `json:"status"`
	TotalChildren          int             `json:"totalChildren"`
	ChildrenCompleted      int             `json:"childrenCompleted"`
	ChildrenFailed         int             `json:"childrenFailed"`
	ChildrenPending        int             `json:"childrenPending"`
	ChildrenInProgress     int             `json:"childrenInProgress"`
	Progress               float64         `json:"progress"`
	DiscoveryCompleted     bool            `json:"discoveryCompleted"`
	RequiresManualTraining bool            `json:"requiresManualTraining"`
	TotalContentSize       int64           `json:"totalContentSize"`
	CompressionRatio       *float64        `json:"compressionRatio,omitempty"`
	UniqueChunks           int             `json:"uniqueChunks"`
	DuplicateChunks        int             `json:"duplicateChunks"`
}

// SpawnRequest asks for one page and job per URL under a source
type SpawnRequest struct {
	SourceID string
	TeamID   string
	URLs     []string
	// TransactionID scopes idempotency keys; repeating a request with the same
	// id never creates duplicate jobs. A new id is generated when empty.
	TransactionID string
}

// SpawnResult reports the outcome of a spawn across all batches
type SpawnResult struct {
	Success       bool     `json:"success"`
	TransactionID string   `json:"transactionId"`
	PagesCreated  int      `json:"pagesCreated"`
	JobsCreated   int      `json:"jobsCreated"`
	JobsExisting  int      `json:"jobsExisting"`
	PageIDs       []string `json:"pageIds"`
	Errors        []string `json:"errors,omitempty"`
}

// BatchResult summarises one processor invocation
type BatchResult struct {
	Claimed   int      `json:"claimed"`
	Completed int      `json:"completed"`
	Retried   int      `json:"retried"`
	Failed    int      `json:"failed"`
	Errors    int      `json:"errors"`
	Sources   []string `json:"sources,omitempty"`
}

// RecoveryResult counts the work repaired by a recovery run
type RecoveryResult struct {
	Recovered int      `json:"recovered"`
	Orphaned  int      `json:"orphaned"`
	Sources   []string `json:"sources"`
}

// RetryResult reports an operator retry of failed pages
type RetryResult struct {
	PagesReset  int `json:"pagesReset"`
	JobsCreated int `json:"jobsCreated"`
}

// DiscoveryOutcome reports a discovery run and the spawn that followed it
type DiscoveryOutcome struct {
	SourceID   string       `json:"sourceId"`
	URLs       []string     `json:"urls"`
	LinksFound int          `json:"linksFound"`
	Filtered   int          `json:"filtered"`
	FetchError string       `json:"fetchError,omitempty"`
	Spawn      *SpawnResult `json:"spawn"`
}

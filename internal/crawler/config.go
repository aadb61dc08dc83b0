package crawler

import (
	"time"
)

// DefaultUserAgent identifies the crawler to site owners
const DefaultUserAgent = "SourceCrawler/1.0 (+https://github.com/Harvey-AU/source-crawler)"

// Config holds the configuration for a crawler instance
type Config struct {
	DefaultTimeout time.Duration // Timeout for a whole request including body
	MaxConcurrency int           // Maximum number of concurrent requests per domain
	RateLimit      int           // Requests per second per domain; 0 disables the delay
	UserAgent      string        // User agent string for requests
	MaxBodySize    int           // Response bodies larger than this are truncated
}

// DefaultConfig returns the page fetch configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
		MaxConcurrency: 10,
		RateLimit:      5,
		UserAgent:      DefaultUserAgent,
		MaxBodySize:    10 * 1024 * 1024,
	}
}

// DiscoveryConfig returns the configuration used for the single discovery fetch
func DiscoveryConfig() *Config {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 15 * time.Second
	return cfg
}

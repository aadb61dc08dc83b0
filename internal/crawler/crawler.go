package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Crawler fetches pages with a shared colly collector
type Crawler struct {
	config *Config
	colly  *colly.Collector
}

// New creates a new Crawler. If config is nil, DefaultConfig is used.
func New(config *Config) *Crawler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(config.MaxBodySize),
	)

	rule := &colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: config.MaxConcurrency,
	}
	if config.RateLimit > 0 {
		rule.RandomDelay = time.Second / time.Duration(config.RateLimit)
	}
	if err := c.Limit(rule); err != nil {
		log.Warn().Err(err).Msg("Failed to apply crawler limit rule")
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c.SetClient(&http.Client{
		Timeout:   config.DefaultTimeout,
		Transport: otelhttp.NewTransport(transport),
	})

	return &Crawler{
		config: config,
		colly:  c,
	}
}

// GetUserAgent returns the user agent string for this crawler
func (c *Crawler) GetUserAgent() string {
	return c.config.UserAgent
}

// Config returns the Crawler's configuration
func (c *Crawler) Config() *Config {
	return c.config
}

func validateFetchURL(ctx context.Context, targetURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", targetURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("invalid URL format: %s", targetURL)
	}
	return nil
}

// Fetch performs one GET of targetURL. Network failures return the error from the
// transport; responses outside 2xx return the result together with a *StatusError.
func (c *Crawler) Fetch(ctx context.Context, targetURL string) (*FetchResult, error) {
	if err := validateFetchURL(ctx, targetURL); err != nil {
		return &FetchResult{URL: targetURL, Error: err.Error()}, err
	}

	start := time.Now()
	res := &FetchResult{URL: targetURL}

	// Clones share the client and limits but not callbacks
	collector := c.colly.Clone()

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")

		log.Debug().
			Str("url", r.URL.String()).
			Msg("Crawler sending request")
	})

	collector.OnResponse(func(r *colly.Response) {
		res.StatusCode = r.StatusCode
		res.Body = r.Body
		res.FinalURL = r.Request.URL.String()
		if r.Headers != nil {
			res.Headers = r.Headers.Clone()
			res.ContentType = r.Headers.Get("Content-Type")
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.StatusCode = r.StatusCode
		}
		res.Error = err.Error()
	})

	done := make(chan error, 1)

	// Visit in a goroutine so the caller's context can abandon a slow fetch
	go func() {
		done <- collector.Visit(targetURL)
	}()

	select {
	case err := <-done:
		res.ResponseTime = time.Since(start).Milliseconds()
		if err != nil {
			if res.Error == "" {
				res.Error = err.Error()
			}
			log.Warn().
				Err(err).
				Str("url", targetURL).
				Int64("duration_ms", res.ResponseTime).
				Msg("Fetch failed")
			return res, fmt.Errorf("failed to fetch %s: %w", targetURL, err)
		}
	case <-ctx.Done():
		log.Warn().
			Err(ctx.Err()).
			Str("url", targetURL).
			Msg("Fetch cancelled due to context")
		return &FetchResult{URL: targetURL, Error: ctx.Err().Error()}, ctx.Err()
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		statusErr := &StatusError{URL: targetURL, StatusCode: res.StatusCode}
		res.Error = statusErr.Error()
		log.Warn().
			Int("status", res.StatusCode).
			Str("url", targetURL).
			Int64("duration_ms", res.ResponseTime).
			Msg("Fetch returned non-success status")
		return res, statusErr
	}

	log.Debug().
		Str("url", targetURL).
		Int("status", res.StatusCode).
		Int("bytes", len(res.Body)).
		Int64("duration_ms", res.ResponseTime).
		Msg("Fetched page")

	return res, nil
}

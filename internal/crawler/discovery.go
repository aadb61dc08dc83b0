package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DefaultMaxPages caps discovery when the source sets no limit
const DefaultMaxPages = 100

// Fetcher performs a single page GET
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*FetchResult, error)
}

// DiscoveryRequest describes one link discovery run
type DiscoveryRequest struct {
	SeedURL         string
	IncludePatterns []string
	ExcludePatterns []string
	MaxPages        int
}

// DiscoveryResult holds the discovered URLs, seed first
type DiscoveryResult struct {
	URLs        []string `json:"urls"`
	LinksFound  int      `json:"links_found"`
	Filtered    int      `json:"filtered"`
	FetchFailed bool     `json:"fetch_failed"`
	StatusCode  int      `json:"status_code,omitempty"`
	FetchError  string   `json:"fetch_error,omitempty"`
}

// Discovery finds same-host links on a seed page
type Discovery struct {
	fetcher Fetcher
}

// NewDiscovery creates a discovery service. A nil fetcher gets a colly crawler
// with the 15 second discovery timeout.
func NewDiscovery(fetcher Fetcher) *Discovery {
	if fetcher == nil {
		fetcher = New(DiscoveryConfig())
	}
	return &Discovery{fetcher: fetcher}
}

// CanonicalURL lowercases scheme and host, drops the fragment and gives an empty path "/"
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL format: %s", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Discover fetches the seed page and returns the same-host URLs it links to.
// Fetch and parse failures are logged and degrade to a seed-only result; only an
// unusable seed URL is returned as an error.
func (d *Discovery) Discover(ctx context.Context, req DiscoveryRequest) (*DiscoveryResult, error) {
	span := sentry.StartSpan(ctx, "crawler.discover")
	defer span.Finish()

	seed, err := CanonicalURL(req.SeedURL)
	if err != nil {
		return nil, err
	}
	seedURL, _ := url.Parse(seed)
	span.SetTag("host", seedURL.Hostname())

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	result := &DiscoveryResult{URLs: []string{seed}}

	fetched, err := d.fetcher.Fetch(ctx, seed)
	if fetched != nil {
		result.StatusCode = fetched.StatusCode
	}
	if err != nil {
		result.FetchFailed = true
		result.FetchError = err.Error()
		log.Warn().
			Err(err).
			Str("seed_url", seed).
			Msg("Discovery fetch failed, continuing with seed URL only")
		return result, nil
	}

	links, err := ExtractLinks(fetched.FinalURLOr(seed), fetched.Body)
	if err != nil {
		result.FetchFailed = true
		result.FetchError = err.Error()
		log.Warn().
			Err(err).
			Str("seed_url", seed).
			Msg("Discovery parse failed, continuing with seed URL only")
		return result, nil
	}
	result.LinksFound = len(links)

	filter := NewURLFilter(req.IncludePatterns, append(append([]string{}, DefaultExcludePatterns...), req.ExcludePatterns...))
	seen := map[string]bool{seed: true}

	for _, link := range links {
		if len(result.URLs) >= maxPages {
			break
		}

		canonical, err := CanonicalURL(link)
		if err != nil || seen[canonical] {
			continue
		}

		u, _ := url.Parse(canonical)
		if !strings.EqualFold(u.Hostname(), seedURL.Hostname()) {
			result.Filtered++
			continue
		}
		if !filter.Keep(canonical) {
			result.Filtered++
			continue
		}

		seen[canonical] = true
		result.URLs = append(result.URLs, canonical)
	}

	log.Info().
		Str("seed_url", seed).
		Int("links_found", result.LinksFound).
		Int("filtered", result.Filtered).
		Int("discovered", len(result.URLs)).
		Msg("Link discovery completed")

	return result, nil
}

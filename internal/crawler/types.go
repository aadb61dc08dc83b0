package crawler

import (
	"fmt"
	"net/http"
)

// FetchResult is the outcome of a single page fetch
type FetchResult struct {
	URL          string      `json:"url"`
	FinalURL     string      `json:"final_url"`
	StatusCode   int         `json:"status_code"`
	ContentType  string      `json:"content_type"`
	Body         []byte      `json:"-"`
	Headers      http.Header `json:"-"`
	ResponseTime int64       `json:"response_time"`
	Error        string      `json:"error,omitempty"`
}

// StatusError is returned for responses outside the 2xx range
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-success status code %d for %s", e.StatusCode, e.URL)
}

// FinalURLOr returns the post-redirect URL, or fallback when none was recorded
func (r *FetchResult) FinalURLOr(fallback string) string {
	if r == nil || r.FinalURL == "" {
		return fallback
	}
	return r.FinalURL
}

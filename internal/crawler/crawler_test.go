package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig disables the per-domain delay so tests run quickly
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.DefaultTimeout = 5 * time.Second
	return cfg
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Seen-Agent", r.UserAgent())
		_, _ = w.Write([]byte("<html><body><main>Hello</main></body></html>"))
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestFetch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := New(testConfig())

	res, err := c.Fetch(context.Background(), ts.URL+"/page")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Body), "Hello")
	assert.True(t, strings.HasPrefix(res.ContentType, "text/html"))
	assert.Equal(t, DefaultUserAgent, res.Headers.Get("X-Seen-Agent"))
	assert.Equal(t, ts.URL+"/page", res.FinalURLOr(""))
	assert.Empty(t, res.Error)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := New(testConfig())

	res, err := c.Fetch(context.Background(), ts.URL+"/old")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ts.URL+"/page", res.FinalURL)
}

func TestFetchNonSuccessStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := New(testConfig())

	res, err := c.Fetch(context.Background(), ts.URL+"/missing")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotEmpty(t, res.Error)
}

func TestFetchCustomUserAgent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cfg := testConfig()
	cfg.UserAgent = "TestAgent/2.0"
	c := New(cfg)

	res, err := c.Fetch(context.Background(), ts.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "TestAgent/2.0", res.Headers.Get("X-Seen-Agent"))
	assert.Equal(t, "TestAgent/2.0", c.GetUserAgent())
}

func TestFetchRejectsInvalidURLs(t *testing.T) {
	t.Parallel()

	c := New(testConfig())

	for _, target := range []string{"ftp://example.com/file", "not a url", "https://"} {
		res, err := c.Fetch(context.Background(), target)
		assert.Error(t, err, target)
		require.NotNil(t, res)
		assert.NotEmpty(t, res.Error)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()

	c := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "https://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAbandonsSlowResponse(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	c := New(testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Fetch(ctx, ts.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	c := New(nil)
	assert.Equal(t, DefaultUserAgent, c.GetUserAgent())
	assert.Equal(t, 30*time.Second, c.Config().DefaultTimeout)
	assert.Equal(t, 15*time.Second, DiscoveryConfig().DefaultTimeout)
}

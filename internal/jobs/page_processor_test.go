package jobs

import (
	"context"
	"strings"
	"testing"

	"github.com/Harvey-AU/source-crawler/internal/content"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageJob(page *db.Page) *db.BackgroundJob {
	return &db.BackgroundJob{ID: "job-" + page.ID, JobType: db.JobTypeProcessPage, SourceID: page.SourceID, PageID: page.ID}
}

func TestPageProcessor_Success(t *testing.T) {
	t.Parallel()
	store, fetcher := newMemStore(), newStubFetcher()
	store.addSource(&db.Source{ID: "src-1"})
	page := store.addPage("src-1", "https://example.com/about", db.PageStatusPending)

	fetcher.bodies[page.URL] = `<html><head><style>body{}</style><script>track()</script></head>
		<body><main><h1>About us</h1><p>We build crawlers.</p><a href="/x">Click here</a></main></body></html>`

	pp := NewPageProcessor(store, fetcher, DefaultConfig())
	require.NoError(t, pp.Handle(context.Background(), pageJob(page)))

	got := store.PageByURL("src-1", page.URL)
	assert.Equal(t, db.PageStatusCompleted, got.Status)
	assert.Equal(t, db.ProcessingStatusProcessed, got.ProcessingStatus)
	assert.Equal(t, int64(len("About us We build crawlers.")), got.ContentSize)
	assert.Equal(t, content.Hash("About us We build crawlers."), got.ContentHash)
	assert.Len(t, got.ContentHash, content.HashLength)
	require.NotNil(t, got.CompressionRatio)
	assert.Greater(t, *got.CompressionRatio, 0.0)
	assert.Equal(t, 1, got.ChunksCreated)
	assert.Equal(t, 0, got.DuplicatesFound)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestPageProcessor_HTTPErrorMarksPageFailed(t *testing.T) {
	t.Parallel()
	store, fetcher := newMemStore(), newStubFetcher()
	page := store.addPage("src-1", "https://example.com/broken", db.PageStatusPending)
	fetcher.status[page.URL] = 500

	pp := NewPageProcessor(store, fetcher, DefaultConfig())
	err := pp.Handle(context.Background(), pageJob(page))

	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	got := store.PageByURL("src-1", page.URL)
	assert.Equal(t, db.PageStatusFailed, got.Status)
	assert.Equal(t, db.ProcessingStatusFailed, got.ProcessingStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "500")
}

func TestPageProcessor_MissingPageIsPermanent(t *testing.T) {
	t.Parallel()
	pp := NewPageProcessor(newMemStore(), newStubFetcher(), DefaultConfig())

	err := pp.Handle(context.Background(), &db.BackgroundJob{ID: "job-1", PageID: "missing"})
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, db.ErrPageNotFound)

	err = pp.Handle(context.Background(), &db.BackgroundJob{ID: "job-2"})
	assert.True(t, IsPermanent(err))
}

func TestPageProcessor_SkipsCompletedPage(t *testing.T) {
	t.Parallel()
	store, fetcher := newMemStore(), newStubFetcher()
	page := store.addPage("src-1", "https://example.com/", db.PageStatusCompleted)

	pp := NewPageProcessor(store, fetcher, DefaultConfig())
	require.NoError(t, pp.Handle(context.Background(), pageJob(page)))
	assert.Equal(t, 0, fetcher.Calls(page.URL))
}

func TestPageProcessor_CountsDuplicateChunksAcrossPages(t *testing.T) {
	t.Parallel()
	store, fetcher := newMemStore(), newStubFetcher()
	first := store.addPage("src-1", "https://example.com/a", db.PageStatusPending)
	second := store.addPage("src-1", "https://example.com/b", db.PageStatusPending)

	shared := strings.Repeat("Shared footer paragraph about the company. ", 10)
	fetcher.bodies[first.URL] = pageHTML("A", shared)
	fetcher.bodies[second.URL] = pageHTML("B", shared)

	pp := NewPageProcessor(store, fetcher, DefaultConfig())
	require.NoError(t, pp.Handle(context.Background(), pageJob(first)))
	require.NoError(t, pp.Handle(context.Background(), pageJob(second)))

	a := store.PageByURL("src-1", first.URL)
	b := store.PageByURL("src-1", second.URL)
	assert.Equal(t, 1, a.ChunksCreated)
	assert.Equal(t, 0, a.DuplicatesFound)
	assert.Equal(t, 0, b.ChunksCreated)
	assert.Equal(t, 1, b.DuplicatesFound)

	// Reprocessing a page does not turn its own chunks into duplicates
	store.updatePage(first.ID, func(p *db.Page) { p.Status = db.PageStatusPending })
	require.NoError(t, pp.Handle(context.Background(), pageJob(first)))
	assert.Equal(t, 1, store.PageByURL("src-1", first.URL).ChunksCreated)
}

func TestNewPageProcessor_RequiresDependencies(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewPageProcessor(nil, newStubFetcher(), DefaultConfig()) })
	assert.Panics(t, func() { NewPageProcessor(newMemStore(), nil, DefaultConfig()) })
}

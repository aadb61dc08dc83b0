package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/google/uuid"
)

// memStore is an in-memory Store with the same row semantics as db.DbQueue
type memStore struct {
	mu      sync.Mutex
	sources map[string]*db.Source
	pages   []*db.Page
	jobs    []*db.BackgroundJob
	keys    map[string]bool
	chunks  map[string]string // source|hash -> page id
	seq     int

	// failSpawn makes SpawnPageJobs fail for batches containing this URL
	failSpawn string
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		sources: make(map[string]*db.Source),
		keys:    make(map[string]bool),
		chunks:  make(map[string]string),
	}
}

func (s *memStore) addSource(src *db.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *src
	if cp.CrawlStatus == "" {
		cp.CrawlStatus = db.SourceStatusPending
	}
	s.sources[src.ID] = &cp
}

// addPage inserts a page with no job, as left behind by a crash
func (s *memStore) addPage(sourceID, url string, status db.PageStatus) *db.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &db.Page{ID: uuid.New().String(), SourceID: sourceID, URL: url, Status: status, ProcessingStatus: db.ProcessingStatusPending}
	s.pages = append(s.pages, p)
	cp := *p
	return &cp
}

// addJob inserts a job row directly
func (s *memStore) addJob(job *db.BackgroundJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.seq++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Unix(int64(s.seq), 0).UTC()
	}
	s.jobs = append(s.jobs, &cp)
	s.keys[cp.IdempotencyKey] = true
}

func (s *memStore) page(id string) *db.Page {
	for _, p := range s.pages {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *memStore) job(id string) *db.BackgroundJob {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (s *memStore) hasActiveJob(pageID string) bool {
	for _, j := range s.jobs {
		if j.PageID == pageID && (j.Status == db.JobStatusPending || j.Status == db.JobStatusProcessing) {
			return true
		}
	}
	return false
}

// snapshot helpers for assertions

func (s *memStore) Pages(sourceID string) []db.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Page
	for _, p := range s.pages {
		if p.SourceID == sourceID {
			out = append(out, *p)
		}
	}
	return out
}

func (s *memStore) PageByURL(sourceID, url string) db.Page {
	for _, p := range s.Pages(sourceID) {
		if p.URL == url {
			return p
		}
	}
	return db.Page{}
}

func (s *memStore) Jobs() []db.BackgroundJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.BackgroundJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func (s *memStore) JobsForPage(pageID string) []db.BackgroundJob {
	var out []db.BackgroundJob
	for _, j := range s.Jobs() {
		if j.PageID == pageID {
			out = append(out, j)
		}
	}
	return out
}

func (s *memStore) Source(id string) db.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sources[id]
}

// QueueStore

func (s *memStore) ClaimPendingJobs(_ context.Context, now time.Time, limit int) ([]*db.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*db.BackgroundJob
	for _, j := range s.jobs {
		if j.Status == db.JobStatusPending && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*db.BackgroundJob, 0, len(due))
	for _, j := range due {
		started := now
		j.Status = db.JobStatusProcessing
		j.StartedAt = &started
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) transition(jobID string, fn func(j *db.BackgroundJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(jobID)
	if j == nil || j.Status != db.JobStatusProcessing {
		return nil
	}
	fn(j)
	if j.Attempts > j.MaxAttempts {
		return fmt.Errorf("attempts %d exceed max %d", j.Attempts, j.MaxAttempts)
	}
	return nil
}

func (s *memStore) CompleteJob(_ context.Context, jobID string, now time.Time) error {
	return s.transition(jobID, func(j *db.BackgroundJob) {
		j.Status = db.JobStatusCompleted
		j.CompletedAt = &now
	})
}

func (s *memStore) RetryJob(_ context.Context, jobID string, attempts int, runAt time.Time, errMsg string, _ time.Time) error {
	return s.transition(jobID, func(j *db.BackgroundJob) {
		j.Status = db.JobStatusPending
		j.Attempts = attempts
		j.ScheduledAt = runAt
		j.StartedAt = nil
		j.ErrorMessage = errMsg
	})
}

func (s *memStore) FailJob(_ context.Context, jobID string, attempts int, errMsg string, now time.Time) error {
	return s.transition(jobID, func(j *db.BackgroundJob) {
		j.Status = db.JobStatusFailed
		j.Attempts = attempts
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	})
}

func (s *memStore) EnqueueJob(_ context.Context, job *db.BackgroundJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[job.IdempotencyKey] {
		return false, nil
	}
	cp := *job
	cp.Status = db.JobStatusPending
	cp.Attempts = 0
	s.seq++
	s.jobs = append(s.jobs, &cp)
	s.keys[cp.IdempotencyKey] = true
	return true, nil
}

// EnqueuePageJob holds the store lock across the active-job check and the insert,
// like the page row lock in db.DbQueue
func (s *memStore) EnqueuePageJob(_ context.Context, job *db.BackgroundJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page(job.PageID) == nil || s.hasActiveJob(job.PageID) || s.keys[job.IdempotencyKey] {
		return false, nil
	}
	cp := *job
	cp.Status = db.JobStatusPending
	cp.Attempts = 0
	s.seq++
	s.jobs = append(s.jobs, &cp)
	s.keys[cp.IdempotencyKey] = true
	return true, nil
}

func (s *memStore) FailPendingSourceJobs(_ context.Context, sourceID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.SourceID == sourceID && j.Status == db.JobStatusPending {
			j.Status = db.JobStatusFailed
			j.ErrorMessage = reason
			j.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

// PageStore

func (s *memStore) SpawnPageJobs(_ context.Context, b *db.SpawnBatch) (*db.SpawnBatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range b.URLs {
		if s.failSpawn != "" && u == s.failSpawn {
			return nil, errors.New("failed to insert jobs: connection reset")
		}
	}

	result := &db.SpawnBatchResult{}
	for _, u := range b.URLs {
		var page *db.Page
		for _, p := range s.pages {
			if p.SourceID == b.SourceID && p.URL == u {
				page = p
			}
		}
		existing := page != nil
		if !existing {
			page = &db.Page{
				ID: uuid.New().String(), SourceID: b.SourceID, TeamID: b.TeamID, URL: u,
				Status: db.PageStatusPending, ProcessingStatus: db.ProcessingStatusPending,
			}
			s.pages = append(s.pages, page)
			result.PagesCreated++
		}
		result.PageIDs = append(result.PageIDs, page.ID)

		key := b.KeyFn(page.ID)
		if s.hasActiveJob(page.ID) || s.keys[key] {
			result.JobsExisting++
			continue
		}
		s.seq++
		s.jobs = append(s.jobs, &db.BackgroundJob{
			ID: uuid.New().String(), JobType: b.JobType, SourceID: b.SourceID, PageID: page.ID,
			IdempotencyKey: key, Payload: []byte(b.PayloadFn(page.ID, u)), Status: db.JobStatusPending,
			Priority: b.Priority, MaxAttempts: b.MaxAttempts, ScheduledAt: b.ScheduledAt,
			CreatedAt: b.ScheduledAt.Add(time.Duration(s.seq) * time.Microsecond),
		})
		s.keys[key] = true
		result.JobsCreated++
		if existing && (page.Status == db.PageStatusCompleted || page.Status == db.PageStatusFailed) {
			page.Status = db.PageStatusPending
			page.ProcessingStatus = db.ProcessingStatusPending
		}
	}
	return result, nil
}

func (s *memStore) GetPage(_ context.Context, pageID string) (*db.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(pageID)
	if p == nil {
		return nil, db.ErrPageNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) updatePage(pageID string, fn func(p *db.Page)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.page(pageID); p != nil {
		fn(p)
	}
	return nil
}

func (s *memStore) MarkPageInProgress(_ context.Context, pageID string, now time.Time) error {
	return s.updatePage(pageID, func(p *db.Page) {
		p.Status = db.PageStatusInProgress
		p.ProcessingStatus = db.ProcessingStatusProcessing
		p.StartedAt = &now
	})
}

func (s *memStore) MarkPageFailed(_ context.Context, pageID, errMsg string, now time.Time) error {
	return s.updatePage(pageID, func(p *db.Page) {
		p.Status = db.PageStatusFailed
		p.ProcessingStatus = db.ProcessingStatusFailed
		p.RetryCount++
		p.ErrorMessage = errMsg
		p.CompletedAt = &now
	})
}

func (s *memStore) MarkPageCompleted(_ context.Context, pageID string, m db.PageMetrics, now time.Time) error {
	return s.updatePage(pageID, func(p *db.Page) {
		ratio := m.CompressionRatio
		p.Status = db.PageStatusCompleted
		p.ProcessingStatus = db.ProcessingStatusProcessed
		p.ContentSize = m.ContentSize
		p.CompressionRatio = &ratio
		p.ChunksCreated = m.ChunksCreated
		p.DuplicatesFound = m.DuplicatesFound
		p.ProcessingTimeMs = m.ProcessingTimeMs
		p.ContentHash = m.ContentHash
		p.ErrorMessage = ""
		p.CompletedAt = &now
	})
}

func (s *memStore) RetryFailedPages(_ context.Context, b *db.RetryBatch) (*db.RetryBatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := &db.RetryBatchResult{}
	for _, p := range s.pages {
		if p.SourceID != b.SourceID || p.Status != db.PageStatusFailed || p.IsExcluded || s.hasActiveJob(p.ID) {
			continue
		}
		p.Status = db.PageStatusPending
		p.ProcessingStatus = db.ProcessingStatusPending
		p.ErrorMessage = ""
		cp := *p
		result.Pages = append(result.Pages, &cp)

		key := b.KeyFn(p.ID)
		if s.keys[key] {
			continue
		}
		s.seq++
		s.jobs = append(s.jobs, &db.BackgroundJob{
			ID: uuid.New().String(), JobType: b.JobType, SourceID: b.SourceID, PageID: p.ID,
			IdempotencyKey: key, Payload: []byte(b.PayloadFn(p.ID, p.URL)), Status: db.JobStatusPending,
			Priority: b.Priority, MaxAttempts: b.MaxAttempts, ScheduledAt: b.ScheduledAt,
			CreatedAt: b.ScheduledAt.Add(time.Duration(s.seq) * time.Microsecond),
		})
		s.keys[key] = true
		result.JobsCreated++
	}
	return result, nil
}

func (s *memStore) RecordChunks(_ context.Context, sourceID, pageID string, hashes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unique := 0
	for _, h := range hashes {
		key := sourceID + "|" + h
		owner, ok := s.chunks[key]
		if !ok {
			s.chunks[key] = pageID
			unique++
		} else if owner == pageID {
			unique++
		}
	}
	return unique, nil
}

// SourceStore

func (s *memStore) CreateSource(_ context.Context, src *db.Source) error {
	s.addSource(src)
	return nil
}

func (s *memStore) GetSource(_ context.Context, sourceID string) (*db.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return nil, db.ErrSourceNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *memStore) UpdateSourceStatus(_ context.Context, sourceID string, status db.SourceStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return db.ErrSourceNotFound
	}
	src.CrawlStatus = status
	src.ErrorMessage = errMsg
	return nil
}

func (s *memStore) SetDiscoveryCompleted(_ context.Context, sourceID string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[sourceID]; ok {
		src.DiscoveryCompleted = completed
	}
	return nil
}

func (s *memStore) ComputeSourceAggregate(_ context.Context, sourceID string) (*db.SourceAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := &db.SourceAggregate{}
	var ratioSum float64
	ratioCount := 0
	for _, p := range s.pages {
		if p.SourceID != sourceID || p.IsExcluded {
			continue
		}
		agg.Total++
		running := false
		for _, j := range s.jobs {
			if j.PageID == p.ID && j.Status == db.JobStatusProcessing {
				running = true
			}
		}
		switch {
		case p.Status == db.PageStatusCompleted:
			agg.Completed++
			agg.TotalContentSize += p.ContentSize
			agg.UniqueChunks += p.ChunksCreated
			agg.DuplicateChunks += p.DuplicatesFound
			if p.CompressionRatio != nil {
				ratioSum += *p.CompressionRatio
				ratioCount++
			}
		case p.Status == db.PageStatusFailed && !s.hasActiveJob(p.ID):
			agg.Failed++
		}
		if p.Status == db.PageStatusInProgress || running {
			agg.InFlight++
		}
	}
	if ratioCount > 0 {
		avg := ratioSum / float64(ratioCount)
		agg.CompressionRatio = &avg
	}
	return agg, nil
}

func (s *memStore) WriteSourceRollup(_ context.Context, sourceID string, r *db.SourceRollup, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return nil
	}
	src.TotalJobs = r.Total
	src.CompletedJobs = r.Completed
	src.FailedJobs = r.Failed
	src.TotalContentSize = r.TotalContentSize
	src.CompressionRatio = r.CompressionRatio
	src.UniqueChunks = r.UniqueChunks
	src.DuplicateChunks = r.DuplicateChunks
	src.Progress = r.Progress
	if src.PendingRemoval || src.CrawlStatus == db.SourceStatusTraining || src.CrawlStatus == db.SourceStatusTrained {
		return nil
	}
	if r.Status == db.SourceStatusCompleted && src.CrawlStatus != db.SourceStatusCompleted {
		src.RequiresManualTraining = true
		src.LastCrawledAt = &now
	}
	src.CrawlStatus = r.Status
	return nil
}

func (s *memStore) MarkSourceForRemoval(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return db.ErrSourceNotFound
	}
	src.PendingRemoval = true
	return nil
}

func (s *memStore) PurgeRemovedSources(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, src := range s.sources {
		if src.PendingRemoval {
			delete(s.sources, id)
			n++
		}
	}
	return n, nil
}

// RecoveryStore

func (s *memStore) RecoverStuckJobs(_ context.Context, sourceID string, cutoff time.Time, note string, _ time.Time) ([]db.RecoveredJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.RecoveredJob
	for _, j := range s.jobs {
		if j.Status != db.JobStatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		if sourceID != "" && j.SourceID != sourceID {
			continue
		}
		j.Status = db.JobStatusPending
		j.StartedAt = nil
		if j.ErrorMessage == "" {
			j.ErrorMessage = note
		} else {
			j.ErrorMessage = note + " (previous: " + j.ErrorMessage + ")"
		}
		if p := s.page(j.PageID); p != nil && p.Status == db.PageStatusInProgress {
			p.Status = db.PageStatusPending
			p.ProcessingStatus = db.ProcessingStatusPending
		}
		out = append(out, db.RecoveredJob{JobID: j.ID, SourceID: j.SourceID, PageID: j.PageID})
	}
	return out, nil
}

func (s *memStore) FindOrphanPages(_ context.Context, sourceID string, limit int) ([]*db.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Page
	for _, p := range s.pages {
		if p.Status != db.PageStatusPending || p.IsExcluded || s.hasActiveJob(p.ID) {
			continue
		}
		if sourceID != "" && p.SourceID != sourceID {
			continue
		}
		if src, ok := s.sources[p.SourceID]; !ok || src.PendingRemoval {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// stubFetcher serves canned bodies and status codes by URL
type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	calls  map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		bodies: make(map[string]string),
		status: make(map[string]int),
		calls:  make(map[string]int),
	}
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (*crawler.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++

	code, ok := f.status[url]
	if !ok {
		code = 200
	}
	res := &crawler.FetchResult{URL: url, FinalURL: url, StatusCode: code, Body: []byte(f.bodies[url])}
	if code < 200 || code > 299 {
		return res, &crawler.StatusError{URL: url, StatusCode: code}
	}
	return res, nil
}

func (f *stubFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// recordingBus captures published events
type recordingBus struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (b *recordingBus) Publish(ev realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

// fakeClock is a settable clock shared by the pipeline components
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// useClock points every component of a manager at the fake clock
func useClock(m *Manager, c *fakeClock) {
	m.now = c.Now
	m.spawner.now = c.Now
	m.processor.now = c.Now
	m.aggregator.now = c.Now
	m.recovery.now = c.Now
	m.processor.mu.RLock()
	defer m.processor.mu.RUnlock()
	if pp, ok := m.processor.handlers[db.JobTypeProcessPage].(*PageProcessor); ok {
		pp.now = c.Now
	}
}

func pageHTML(title string, paragraphs ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + "</title></head><body><main>")
	for _, p := range paragraphs {
		b.WriteString("<p>" + p + "</p>")
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

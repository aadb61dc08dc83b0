package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownJobType is returned for jobs with no registered handler
var ErrUnknownJobType = errors.New("unknown job type")

// Handler runs one background job. A returned error schedules a retry unless it
// is wrapped with Permanent or the job has used all of its attempts.
type Handler interface {
	Handle(ctx context.Context, job *db.BackgroundJob) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *db.BackgroundJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *db.BackgroundJob) error {
	return f(ctx, job)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type jobOutcome int

const (
	outcomeCompleted jobOutcome = iota
	outcomeRetried
	outcomeFailed
	outcomeError
)

func (o jobOutcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	default:
		return "error"
	}
}

// Processor drains the background job queue. Each ProcessBatch call claims up to
// Concurrency due jobs, runs them in parallel and waits for all of them.
type Processor struct {
	store QueueStore
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]Handler

	now      func() time.Time
	notifyCh chan struct{}

	afterBatch func(ctx context.Context, sourceIDs []string)
}

// NewProcessor creates a processor. Handlers are added with Register.
func NewProcessor(store QueueStore, cfg Config) *Processor {
	if store == nil {
		panic("jobs.NewProcessor: store is required")
	}
	return &Processor{
		store:    store,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
		now:      func() time.Time { return time.Now().UTC() },
		notifyCh: make(chan struct{}, 1),
	}
}

// Register sets the handler for a job type, replacing any previous one
func (p *Processor) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// OnSourcesTouched sets a callback run after each batch with the distinct
// sources whose jobs changed state
func (p *Processor) OnSourcesTouched(fn func(ctx context.Context, sourceIDs []string)) {
	p.afterBatch = fn
}

// Notify wakes a running loop without waiting for the idle poll
func (p *Processor) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// ProcessBatch is one poll-trigger invocation. A failing job never aborts the
// batch; only a failed claim is returned as an error.
func (p *Processor) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	span := sentry.StartSpan(ctx, "jobs.process_batch")
	defer span.Finish()

	claimed, err := p.store.ClaimPendingJobs(ctx, p.now(), p.cfg.Concurrency)
	if err != nil {
		span.SetTag("error", "true")
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	result := &BatchResult{Claimed: len(claimed)}
	span.SetData("claimed", len(claimed))
	if len(claimed) == 0 {
		return result, nil
	}

	outcomes := make([]jobOutcome, len(claimed))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, job := range claimed {
		g.Go(func() error {
			outcomes[i] = p.runJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	for i, job := range claimed {
		switch outcomes[i] {
		case outcomeCompleted:
			result.Completed++
		case outcomeRetried:
			result.Retried++
		case outcomeFailed:
			result.Failed++
		default:
			result.Errors++
		}
		if job.SourceID != "" && !seen[job.SourceID] {
			seen[job.SourceID] = true
			result.Sources = append(result.Sources, job.SourceID)
		}
	}

	log.Info().
		Int("claimed", result.Claimed).
		Int("completed", result.Completed).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Msg("Processed job batch")

	if p.afterBatch != nil {
		p.afterBatch(context.WithoutCancel(ctx), result.Sources)
	}

	return result, nil
}

// runJob executes one claimed job and records its transition
func (p *Processor) runJob(ctx context.Context, job *db.BackgroundJob) jobOutcome {
	start := time.Now()

	jobCtx, span := observability.StartJobSpan(ctx, observability.JobSpanInfo{
		JobID:    job.ID,
		JobType:  job.JobType,
		SourceID: job.SourceID,
		PageID:   job.PageID,
		Attempt:  job.Attempts + 1,
	})
	defer span.End()

	jobCtx, cancel := context.WithTimeout(jobCtx, p.cfg.JobTimeout)
	defer cancel()

	runErr := p.dispatch(jobCtx, job)

	// State transitions are written even when the caller has gone away
	writeCtx := context.WithoutCancel(ctx)
	outcome := p.finish(writeCtx, job, runErr)

	if runErr != nil {
		span.RecordError(runErr)
	}
	observability.RecordJob(ctx, observability.JobMetrics{
		JobType:  job.JobType,
		Outcome:  outcome.String(),
		Duration: time.Since(start),
	})

	return outcome
}

func (p *Processor) dispatch(ctx context.Context, job *db.BackgroundJob) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[job.JobType]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Str("job_id", job.ID).
				Str("job_type", job.JobType).
				Interface("panic", r).
				Msg("Job handler panicked")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return h.Handle(ctx, job)
}

func (p *Processor) finish(ctx context.Context, job *db.BackgroundJob, runErr error) jobOutcome {
	now := p.now()
	logger := log.With().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("source_id", job.SourceID).
		Logger()

	if runErr == nil {
		if err := p.store.CompleteJob(ctx, job.ID, now); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job completed")
			return outcomeError
		}
		return outcomeCompleted
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	attempts := min(job.Attempts+1, maxAttempts)
	errMsg := runErr.Error()

	terminal := attempts >= maxAttempts || IsPermanent(runErr) || errors.Is(runErr, ErrUnknownJobType)
	if terminal {
		if err := p.store.FailJob(ctx, job.ID, attempts, errMsg, now); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job failed")
			return outcomeError
		}
		logger.Warn().
			Err(runErr).
			Int("attempts", attempts).
			Int("max_attempts", maxAttempts).
			Msg("Job failed permanently")
		return outcomeFailed
	}

	delay := Backoff(attempts)
	if err := p.store.RetryJob(ctx, job.ID, attempts, now.Add(delay), errMsg, now); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule job retry")
		return outcomeError
	}
	logger.Info().
		Err(runErr).
		Int("attempts", attempts).
		Dur("backoff", delay).
		Msg("Job failed, retry scheduled")
	return outcomeRetried
}

// Run polls until ctx is cancelled. The poll interval backs off while the queue
// is idle and resets on Notify or whenever a batch finds work.
func (p *Processor) Run(ctx context.Context) {
	log.Info().Int("concurrency", p.cfg.Concurrency).Msg("Job processor started")

	idle := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job processor stopped")
			return
		default:
		}

		result, err := p.ProcessBatch(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Job batch failed")
			}
			idle++
		case result.Claimed == 0:
			idle++
		default:
			idle = 0
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Job processor stopped")
			return
		case <-p.notifyCh:
			idle = 0
		case <-time.After(idleSleep(idle)):
		}
	}
}

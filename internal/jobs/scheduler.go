package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRecoverySchedule = "@every 2m"
	DefaultPurgeSchedule    = "@hourly"
)

// Scheduler runs recovery and purging of removed sources on cron schedules
type Scheduler struct {
	manager   *Manager
	cron      *cron.Cron
	threshold time.Duration
}

// NewScheduler creates a scheduler for the manager's periodic maintenance
func NewScheduler(manager *Manager, threshold time.Duration) *Scheduler {
	return &Scheduler{
		manager:   manager,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		threshold: threshold,
	}
}

// Start registers both schedules and starts the cron runner.
// Empty schedules select the defaults.
func (s *Scheduler) Start(recoverySchedule, purgeSchedule string) error {
	if recoverySchedule == "" {
		recoverySchedule = DefaultRecoverySchedule
	}
	if purgeSchedule == "" {
		purgeSchedule = DefaultPurgeSchedule
	}

	if _, err := s.cron.AddFunc(recoverySchedule, s.runRecovery); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", recoverySchedule, err)
	}
	if _, err := s.cron.AddFunc(purgeSchedule, s.runPurge); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", purgeSchedule, err)
	}

	s.cron.Start()
	log.Info().
		Str("recovery_schedule", recoverySchedule).
		Str("purge_schedule", purgeSchedule).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop stops scheduling and waits for running tasks to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.manager.RunRecovery(ctx, "", s.threshold)
	if err != nil {
		log.Error().Err(err).Msg("Scheduled recovery failed")
		return
	}
	if result.Recovered > 0 || result.Orphaned > 0 {
		log.Info().
			Int("recovered", result.Recovered).
			Int("orphaned", result.Orphaned).
			Int("sources", len(result.Sources)).
			Msg("Scheduled recovery completed")
	}
}

func (s *Scheduler) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.manager.PurgeRemovedSources(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled purge failed")
	}
}

package db

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns defaults for database connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// ConnectWithRetry opens the database, retrying connection-class failures with
// exponential backoff until attempts run out or ctx is cancelled
func ConnectWithRetry(ctx context.Context, config *Config, retry RetryConfig) (*DB, error) {
	var lastErr error
	backoff := retry.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		db, err := New(config)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(start)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= retry.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retry.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(math.Min(float64(backoff)*retry.Multiplier, float64(retry.MaxInterval)))
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.MaxAttempts, lastErr)
}

// WaitForDatabase blocks until the database from the environment is reachable or maxWait passes
func WaitForDatabase(ctx context.Context, maxWait time.Duration) (*DB, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	retry := DefaultRetryConfig()
	retry.MaxAttempts = int(math.Ceil(float64(maxWait) / float64(5*time.Second)))
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	log.Info().
		Dur("max_wait", maxWait).
		Int("max_attempts", retry.MaxAttempts).
		Msg("Waiting for database to become available")

	return ConnectWithRetry(waitCtx, ConfigFromEnv(), retry)
}

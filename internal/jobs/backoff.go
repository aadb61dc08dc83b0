package jobs

import (
	"math"
	"time"
)

const (
	BaseBackoff = time.Second
	MaxBackoff  = time.Minute
)

// Backoff returns the retry delay after the given number of failed attempts:
// min(2^attempts seconds, 60 seconds).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^6 seconds already exceeds the cap
	if attempts >= 6 {
		return MaxBackoff
	}
	d := time.Duration(1<<attempts) * BaseBackoff
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// idleSleep grows the poll interval while the queue stays empty
func idleSleep(idleCycles int) time.Duration {
	const (
		baseSleep = 200 * time.Millisecond
		maxSleep  = 30 * time.Second
	)
	if idleCycles <= 0 {
		return baseSleep
	}
	n := math.Min(float64(idleCycles), 10)
	sleep := time.Duration(float64(baseSleep) * math.Pow(1.5, n))
	if sleep > maxSleep {
		return maxSleep
	}
	return sleep
}

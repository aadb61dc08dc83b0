package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{64, 60 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for attempts := 1; attempts <= 5; attempts++ {
		got := Backoff(attempts)
		want := time.Duration(min((1<<attempts)*1000, 60000)) * time.Millisecond
		assert.Equal(t, want, got)
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got, MaxBackoff)
		prev = got
	}
}

func TestIdleSleep(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 200*time.Millisecond, idleSleep(0))
	assert.Equal(t, 300*time.Millisecond, idleSleep(1))
	assert.Greater(t, idleSleep(5), idleSleep(4))
	// Growth stops after ten idle cycles and never exceeds 30s
	assert.Equal(t, idleSleep(10), idleSleep(50))
	assert.LessOrEqual(t, idleSleep(50), 30*time.Second)
}

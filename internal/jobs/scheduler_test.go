package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartRejectsInvalidSchedules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		recovery string
		purge    string
		errMsg   string
	}{
		{"bad recovery", "every few minutes", "", "invalid recovery schedule"},
		{"bad purge", "", "@sometimes", "invalid purge schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewScheduler(newPipeline(t).manager, time.Minute)
			err := s.Start(tt.recovery, tt.purge)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	t.Parallel()

	s := NewScheduler(newPipeline(t).manager, time.Minute)
	require.NoError(t, s.Start("", ""))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RunRecoveryQueuesOrphans(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	p.addSource("src-1")
	page := p.store.addPage("src-1", "https://example.com/orphan", db.PageStatusPending)

	NewScheduler(p.manager, 0).runRecovery()

	jobs := p.store.JobsForPage(page.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, PriorityRecovery, jobs[0].Priority)
}

func TestScheduler_RunPurgeDeletesRemovedSources(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	p.addSource("src-1")
	p.addSource("src-2")
	require.NoError(t, p.manager.RemoveSource(context.Background(), "src-1"))

	NewScheduler(p.manager, 0).runPurge()

	_, err := p.store.GetSource(context.Background(), "src-1")
	assert.ErrorIs(t, err, db.ErrSourceNotFound)
	_, err = p.store.GetSource(context.Background(), "src-2")
	assert.NoError(t, err)
}

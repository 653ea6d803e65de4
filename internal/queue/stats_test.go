package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStats(t *testing.T) {
	now := time.Now()

	t.Run("empty snapshot yields zeros", func(t *testing.T) {
		stats := ComputeStats([]*Job[testPayload, testResult]{}, now)

		assert.Zero(t, stats.WaitingCount)
		assert.Zero(t, stats.ProcessingCount)
		assert.Zero(t, stats.CompletedCount)
		assert.Zero(t, stats.ThroughputPerHour24h)
		assert.Zero(t, stats.AverageProcessingMs)
		assert.Nil(t, stats.OldestWaitingCreatedAt)
	})

	t.Run("counts and oldest waiting", func(t *testing.T) {
		oldest := now.Add(-2 * time.Hour)
		jobs := []*Job[testPayload, testResult]{
			memJob("w1", StatusWaiting, 50, now.Add(-time.Hour)),
			memJob("w2", StatusWaiting, 50, oldest),
			memJob("p1", StatusProcessing, 50, now),
			memJob("f1", StatusFailed, 50, now),
			memJob("c1", StatusCanceled, 50, now),
		}

		stats := ComputeStats(jobs, now)
		assert.Equal(t, 2, stats.WaitingCount)
		assert.Equal(t, 1, stats.ProcessingCount)
		assert.Equal(t, 1, stats.FailedCount)
		assert.Equal(t, 1, stats.CanceledCount)
		require.NotNil(t, stats.OldestWaitingCreatedAt)
		assert.True(t, stats.OldestWaitingCreatedAt.Equal(oldest))
	})

	t.Run("throughput windows", func(t *testing.T) {
		completed := func(id string, finishedAgo time.Duration) *Job[testPayload, testResult] {
			j := memJob(id, StatusCompleted, 50, now.Add(-finishedAgo-time.Minute))
			started := now.Add(-finishedAgo - 30*time.Second)
			done := now.Add(-finishedAgo)
			j.StartedAt = &started
			j.CompletedAt = &done
			return j
		}

		jobs := []*Job[testPayload, testResult]{
			completed("recent1", time.Hour),
			completed("recent2", 2*time.Hour),
			completed("old", 3*24*time.Hour),
			completed("ancient", 30*24*time.Hour),
		}

		stats := ComputeStats(jobs, now)
		assert.Equal(t, 4, stats.CompletedCount)
		assert.InDelta(t, 2.0/24.0, stats.ThroughputPerHour24h, 1e-9)
		assert.InDelta(t, 3.0/(7.0*24.0), stats.ThroughputPerHour7d, 1e-9)
	})

	t.Run("average processing time over terminal jobs", func(t *testing.T) {
		withDuration := func(id string, status Status, d time.Duration) *Job[testPayload, testResult] {
			j := memJob(id, status, 50, now.Add(-time.Hour))
			started := now.Add(-time.Hour)
			done := started.Add(d)
			j.StartedAt = &started
			j.CompletedAt = &done
			return j
		}

		jobs := []*Job[testPayload, testResult]{
			withDuration("a", StatusCompleted, 100*time.Millisecond),
			withDuration("b", StatusFailed, 300*time.Millisecond),
			// Processing jobs never count toward the average
			memJob("c", StatusProcessing, 50, now),
		}

		stats := ComputeStats(jobs, now)
		assert.InDelta(t, 200.0, stats.AverageProcessingMs, 0.5)
	})
}

package queue

import "time"

// Throughput windows used by queue statistics
const (
	ThroughputWindowDay  = 24 * time.Hour
	ThroughputWindowWeek = 7 * 24 * time.Hour
)

// Stats is an aggregate view over a queue's job records. It is derived on
// demand and never stored.
type Stats struct {
	WaitingCount    int `json:"waiting_count"`
	ProcessingCount int `json:"processing_count"`
	CompletedCount  int `json:"completed_count"`
	FailedCount     int `json:"failed_count"`
	CanceledCount   int `json:"canceled_count"`

	// Completed jobs per hour over the trailing 24h / 7d windows
	ThroughputPerHour24h float64 `json:"throughput_per_hour_24h"`
	ThroughputPerHour7d  float64 `json:"throughput_per_hour_7d"`

	// Mean wall time from claim to terminal update, in milliseconds
	AverageProcessingMs float64 `json:"average_processing_ms"`

	OldestWaitingCreatedAt *time.Time `json:"oldest_waiting_created_at,omitempty"`
}

// ComputeStats derives queue statistics from a point-in-time snapshot of job
// records. An empty snapshot yields all-zero stats, never NaN.
func ComputeStats[P, R any](jobs []*Job[P, R], now time.Time) Stats {
	var stats Stats

	var completedDay, completedWeek int
	var processedTotal time.Duration
	var processedCount int

	for _, j := range jobs {
		switch j.Status {
		case StatusWaiting:
			stats.WaitingCount++
			if stats.OldestWaitingCreatedAt == nil || j.CreatedAt.Before(*stats.OldestWaitingCreatedAt) {
				created := j.CreatedAt
				stats.OldestWaitingCreatedAt = &created
			}
		case StatusProcessing:
			stats.ProcessingCount++
		case StatusCompleted:
			stats.CompletedCount++
			if j.CompletedAt != nil {
				if now.Sub(*j.CompletedAt) <= ThroughputWindowDay {
					completedDay++
				}
				if now.Sub(*j.CompletedAt) <= ThroughputWindowWeek {
					completedWeek++
				}
			}
		case StatusFailed:
			stats.FailedCount++
		case StatusCanceled:
			stats.CanceledCount++
		}

		if j.Status.Terminal() && j.StartedAt != nil && j.CompletedAt != nil {
			processedTotal += j.CompletedAt.Sub(*j.StartedAt)
			processedCount++
		}
	}

	stats.ThroughputPerHour24h = float64(completedDay) / ThroughputWindowDay.Hours()
	stats.ThroughputPerHour7d = float64(completedWeek) / ThroughputWindowWeek.Hours()

	if processedCount > 0 {
		stats.AverageProcessingMs = float64(processedTotal.Milliseconds()) / float64(processedCount)
	}

	return stats
}

package dto

import (
	"encoding/json"

	"github.com/matreco/queue-service/internal/queue"
)

type CreateJobRequest struct {
	Payload  json.RawMessage `json:"payload" binding:"required"`
	Priority *int            `json:"priority,omitempty"`
}

type ListJobsRequest struct {
	// Status is a comma-separated list of job statuses
	Status        string `form:"status"`
	MinPriority   *int   `form:"min_priority"`
	MaxPriority   *int   `form:"max_priority"`
	CreatedAfter  string `form:"created_after"`
	CreatedBefore string `form:"created_before"`
	Offset        int    `form:"offset"`
	PageSize      int    `form:"page_size"`
	Sort          string `form:"sort"`
}

type ListJobsResponse struct {
	Jobs   []queue.JobView `json:"jobs"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

type SweepRequest struct {
	// OlderThan is a Go duration string, e.g. "30m". Empty means the
	// configured default stale timeout.
	OlderThan string `json:"older_than,omitempty"`
}

type SweepResponse struct {
	Swept int `json:"swept"`
}

type ClearFinishedRequest struct {
	// Before is an RFC3339 timestamp. Terminal jobs last updated before it
	// are removed. Empty means now.
	Before string `json:"before,omitempty"`
}

type ClearFinishedResponse struct {
	Cleared int `json:"cleared"`
}

type QueueSummary struct {
	Name  string      `json:"name"`
	Stats queue.Stats `json:"stats"`
}

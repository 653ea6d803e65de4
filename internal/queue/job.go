package queue

import "time"

// Status represents the lifecycle state of a job
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s is one of the known job statuses
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether a status change from "from" to "to" is legal
// for a regular update. Retry (failed -> waiting) is deliberately excluded:
// it goes through RetryJob, which also bumps the attempt counter.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusProcessing || to == StatusCanceled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCanceled
	}
	return false
}

// Progress tracks how far a job has advanced through its stages
type Progress struct {
	Stage          string `json:"stage"`
	StagePercent   int    `json:"stage_percent"`
	OverallPercent int    `json:"overall_percent"`
}

// Job is a unit of asynchronous work. P is the domain payload type and R the
// domain result type of the queue the job belongs to.
type Job[P, R any] struct {
	ID           string
	Queue        string
	Status       Status
	Priority     int
	Payload      P
	Progress     Progress
	Result       *R
	Error        string
	AttemptCount int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// Clone returns a copy of the job that shares no mutable state with the
// original. Stores hand out clones so callers cannot bypass UpdateJob.
func (j *Job[P, R]) Clone() *Job[P, R] {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

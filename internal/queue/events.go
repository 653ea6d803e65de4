package queue

import (
	"encoding/json"
	"time"
)

// Canonical event kinds emitted by every queue. The full event name on the
// wire is "<queue>.job.<kind>".
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCanceled  = "canceled"
)

// AllEvents returns the canonical event kinds in emission order
func AllEvents() []string {
	return []string{
		EventQueued,
		EventStarted,
		EventProgress,
		EventCompleted,
		EventFailed,
		EventCanceled,
	}
}

// EventName builds the full event name for a queue and event kind,
// e.g. EventName("docproc", EventQueued) == "docproc.job.queued"
func EventName(queueName, kind string) string {
	return queueName + ".job." + kind
}

// Envelope is the JSON payload carried by every queue event. Domain-specific
// result fields ride in Result as raw JSON; subscribers decode them per the
// queue they subscribed to.
type Envelope struct {
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue_name"`
	Event        string          `json:"event"`
	Timestamp    time.Time       `json:"timestamp"`
	Status       Status          `json:"status,omitempty"`
	AttemptCount int             `json:"attempt_count,omitempty"`
	Progress     *Progress       `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

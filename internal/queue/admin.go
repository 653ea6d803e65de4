package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobView is a JSON-level projection of a job record. It lets callers that
// span heterogeneous queues (the admin surface, the enqueue bridge) operate
// without knowing each queue's payload and result types.
type JobView struct {
	ID           string          `json:"job_id"`
	Queue        string          `json:"queue_name"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Progress     Progress        `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AdminQueue is the type-erased administrative contract of a queue adapter.
// Every operation maps 1:1 onto the generic Adapter.
type AdminQueue interface {
	Name() string
	CreateJob(ctx context.Context, payload json.RawMessage, priority *int) (JobView, error)
	GetJob(ctx context.Context, id string) (JobView, error)
	ListJobs(ctx context.Context, f Filter, p Page, s SortOrder) ([]JobView, int, error)
	CancelJob(ctx context.Context, id string) (JobView, error)
	RetryJob(ctx context.Context, id string) (JobView, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
	ClearFinished(ctx context.Context, before time.Time) (int, error)
}

type adminQueue[P, R any] struct {
	adapter *Adapter[P, R]
}

// NewAdmin wraps a typed adapter in the type-erased AdminQueue contract
func NewAdmin[P, R any](adapter *Adapter[P, R]) AdminQueue {
	return &adminQueue[P, R]{adapter: adapter}
}

func (q *adminQueue[P, R]) Name() string {
	return q.adapter.Name()
}

func (q *adminQueue[P, R]) CreateJob(ctx context.Context, payload json.RawMessage, priority *int) (JobView, error) {
	var p P
	if len(payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return JobView{}, NewValidationError("payload", err.Error())
		}
	}

	job, err := q.adapter.CreateJob(ctx, CreateRequest[P]{Payload: p, Priority: priority})
	if err != nil {
		return JobView{}, err
	}
	return toView(job)
}

func (q *adminQueue[P, R]) GetJob(ctx context.Context, id string) (JobView, error) {
	job, err := q.adapter.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return toView(job)
}

func (q *adminQueue[P, R]) ListJobs(ctx context.Context, f Filter, p Page, s SortOrder) ([]JobView, int, error) {
	jobs, total, err := q.adapter.ListJobs(ctx, f, p, s)
	if err != nil {
		return nil, 0, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		v, err := toView(job)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, v)
	}
	return views, total, nil
}

func (q *adminQueue[P, R]) CancelJob(ctx context.Context, id string) (JobView, error) {
	job, err := q.adapter.CancelJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return toView(job)
}

func (q *adminQueue[P, R]) RetryJob(ctx context.Context, id string) (JobView, error) {
	job, err := q.adapter.RetryJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return toView(job)
}

func (q *adminQueue[P, R]) DeleteJob(ctx context.Context, id string) (bool, error) {
	return q.adapter.DeleteJob(ctx, id)
}

func (q *adminQueue[P, R]) Stats(ctx context.Context) (Stats, error) {
	return q.adapter.GetQueueStats(ctx)
}

func (q *adminQueue[P, R]) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.adapter.SweepStale(ctx, olderThan)
}

func (q *adminQueue[P, R]) ClearFinished(ctx context.Context, before time.Time) (int, error) {
	return q.adapter.ClearFinished(ctx, before)
}

func toView[P, R any](job *Job[P, R]) (JobView, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return JobView{}, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	view := JobView{
		ID:           job.ID,
		Queue:        job.Queue,
		Status:       job.Status,
		Priority:     job.Priority,
		Payload:      payload,
		Progress:     job.Progress,
		Error:        job.Error,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		UpdatedAt:    job.UpdatedAt,
	}

	if job.Result != nil {
		result, err := json.Marshal(job.Result)
		if err != nil {
			return JobView{}, fmt.Errorf("failed to marshal job result: %w", err)
		}
		view.Result = result
	}

	return view, nil
}

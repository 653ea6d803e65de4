package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matreco/queue-service/internal/broker"
)

const (
	// DefaultMaxAttempts bounds explicit retries of a failed job
	DefaultMaxAttempts = 3
	// DefaultPriority is assigned when job creation does not specify one
	DefaultPriority = 50
)

// Config holds per-queue adapter settings
type Config struct {
	// Name is the queue name; it doubles as the broker channel
	Name string
	// MaxAttempts caps explicit retries; DefaultMaxAttempts when zero
	MaxAttempts int
	// DefaultPriority is used when a create request carries none
	DefaultPriority int
}

// Adapter standardizes job creation, update, and query over a job collection
// for a single queue, and emits the canonical lifecycle events on the broker.
// P is the domain payload type, R the domain result type. The job record in
// the store is the single source of truth; events are best-effort
// notifications and never a precondition for state durability.
type Adapter[P, R any] struct {
	cfg      Config
	store    Store[P, R]
	bus      broker.Bus
	logger   *slog.Logger
	validate func(P) error
}

// Option customizes an Adapter at construction time
type Option[P, R any] func(*Adapter[P, R])

// WithValidator installs a domain validation hook run on every create request.
// A non-nil return is surfaced to the caller as a ValidationError.
func WithValidator[P, R any](fn func(P) error) Option[P, R] {
	return func(a *Adapter[P, R]) {
		a.validate = fn
	}
}

// NewAdapter creates an adapter for one queue. The broker instance is injected
// by the process bootstrap; adapters never own broker lifecycle.
func NewAdapter[P, R any](cfg Config, store Store[P, R], bus broker.Bus, logger *slog.Logger, opts ...Option[P, R]) *Adapter[P, R] {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = DefaultPriority
	}

	a := &Adapter[P, R]{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("queue", cfg.Name)),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Name returns the queue name
func (a *Adapter[P, R]) Name() string {
	return a.cfg.Name
}

// MaxAttempts returns the configured retry cap
func (a *Adapter[P, R]) MaxAttempts() int {
	return a.cfg.MaxAttempts
}

// CreateRequest carries job creation input
type CreateRequest[P any] struct {
	Payload P
	// Priority overrides the queue default when set; higher is served first
	Priority *int
}

// CreateJob validates the payload, persists a new waiting job, and emits the
// queued event.
func (a *Adapter[P, R]) CreateJob(ctx context.Context, req CreateRequest[P]) (*Job[P, R], error) {
	if a.validate != nil {
		if err := a.validate(req.Payload); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return nil, err
			}
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	priority := a.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := time.Now()
	job := &Job[P, R]{
		ID:        uuid.New().String(),
		Queue:     a.cfg.Name,
		Status:    StatusWaiting,
		Priority:  priority,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := a.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	a.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
	)

	a.emit(ctx, EventQueued, job)

	return job.Clone(), nil
}

// GetJob returns the job with the given id or ErrNotFound
func (a *Adapter[P, R]) GetJob(ctx context.Context, id string) (*Job[P, R], error) {
	return a.store.Get(ctx, id)
}

// Update describes a partial job update. Nil fields are left untouched.
type Update[R any] struct {
	Status   *Status
	Progress *Progress
	Priority *int
	Result   *R
	Error    *string
}

// UpdateJob merges the update into the job record, enforcing state-machine
// legality of any status change, and emits the corresponding event(s).
// Requesting a transition that is not reachable from the current status fails
// with ErrInvalidTransition and leaves the record unchanged.
func (a *Adapter[P, R]) UpdateJob(ctx context.Context, id string, upd Update[R]) (*Job[P, R], error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := job.Status
	now := time.Now()
	statusChanged := false

	if upd.Status != nil && *upd.Status != prev {
		next := *upd.Status
		if !next.Valid() {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", next))
		}
		if !CanTransition(prev, next) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
		}

		job.Status = next
		statusChanged = true

		switch next {
		case StatusProcessing:
			if job.StartedAt == nil {
				started := now
				job.StartedAt = &started
			}
		case StatusCompleted:
			completed := now
			job.CompletedAt = &completed
			job.Result = upd.Result
			job.Error = ""
		case StatusFailed:
			completed := now
			job.CompletedAt = &completed
			job.Result = nil
			// A failed job always carries a cause
			job.Error = "unknown error"
			if upd.Error != nil && *upd.Error != "" {
				job.Error = *upd.Error
			}
		}
	}

	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.Priority != nil {
		job.Priority = *upd.Priority
	}
	job.UpdatedAt = now

	if err := a.store.Update(ctx, job, prev); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// The job moved under us; the requested transition is no longer
			// reachable from whatever the current status is.
			return nil, fmt.Errorf("%w: concurrent status change on %s", ErrInvalidTransition, id)
		}
		return nil, err
	}

	if statusChanged {
		a.logger.Info("Job status updated",
			slog.String("job_id", id),
			slog.String("from", string(prev)),
			slog.String("to", string(job.Status)),
		)
		a.emit(ctx, eventForStatus(job.Status), job)
	}
	if upd.Progress != nil {
		a.emit(ctx, EventProgress, job)
	}

	return job.Clone(), nil
}

// ReportProgress updates a job's progress without touching its status
func (a *Adapter[P, R]) ReportProgress(ctx context.Context, id string, p Progress) (*Job[P, R], error) {
	return a.UpdateJob(ctx, id, Update[R]{Progress: &p})
}

// ProcessNextJob atomically claims the highest-priority, oldest-created
// waiting job for the caller, transitioning it to processing and emitting the
// started event. Returns (nil, nil) when the queue has no waiting jobs. The
// claim is a conditional update, so concurrent workers never receive the same
// job.
func (a *Adapter[P, R]) ProcessNextJob(ctx context.Context) (*Job[P, R], error) {
	job, err := a.store.ClaimNext(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	a.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
	)

	a.emit(ctx, EventStarted, job)

	return job, nil
}

// CancelJob marks a non-terminal job canceled. Cancellation is cooperative:
// a worker already processing the job keeps running until it observes the
// cancel event; its late completion update then fails with
// ErrInvalidTransition.
func (a *Adapter[P, R]) CancelJob(ctx context.Context, id string) (*Job[P, R], error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := job.Status
	if prev.Terminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, StatusCanceled)
	}

	job.Status = StatusCanceled
	job.UpdatedAt = time.Now()

	if err := a.store.Update(ctx, job, prev); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: concurrent status change on %s", ErrInvalidTransition, id)
		}
		return nil, err
	}

	a.logger.Info("Job canceled",
		slog.String("job_id", id),
		slog.String("previous_status", string(prev)),
	)

	a.emit(ctx, EventCanceled, job)

	return job.Clone(), nil
}

// RetryJob resets a failed job to waiting, increments its attempt counter,
// and re-emits the queued event. Retrying past MaxAttempts fails with
// ErrRetryExhausted and leaves the job failed.
func (a *Adapter[P, R]) RetryJob(ctx context.Context, id string) (*Job[P, R], error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status != StatusFailed {
		return nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, job.Status)
	}
	if job.AttemptCount >= a.cfg.MaxAttempts {
		return nil, fmt.Errorf("%w: %d of %d attempts used", ErrRetryExhausted, job.AttemptCount, a.cfg.MaxAttempts)
	}

	job.Status = StatusWaiting
	job.Error = ""
	job.Result = nil
	job.Progress = Progress{}
	job.StartedAt = nil
	job.CompletedAt = nil
	job.AttemptCount++
	job.UpdatedAt = time.Now()

	if err := a.store.Update(ctx, job, StatusFailed); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: concurrent status change on %s", ErrInvalidTransition, id)
		}
		return nil, err
	}

	a.logger.Info("Job requeued for retry",
		slog.String("job_id", id),
		slog.Int("attempt_count", job.AttemptCount),
	)

	a.emit(ctx, EventQueued, job)

	return job.Clone(), nil
}

// DeleteJob removes a terminal-state job record. Deleting a non-terminal job
// fails with ErrInvalidTransition; an unknown id returns false.
func (a *Adapter[P, R]) DeleteJob(ctx context.Context, id string) (bool, error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if !job.Status.Terminal() {
		return false, fmt.Errorf("%w: delete requires a terminal status, job is %s", ErrInvalidTransition, job.Status)
	}

	return a.store.Delete(ctx, id)
}

// ListJobs returns a filtered, paginated window of jobs plus the total match
// count. The default order is creation time, newest first.
func (a *Adapter[P, R]) ListJobs(ctx context.Context, f Filter, p Page, s SortOrder) ([]*Job[P, R], int, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, NewValidationError("status", fmt.Sprintf("unknown status %q", st))
		}
	}
	if s == "" {
		s = SortCreatedDesc
	}
	return a.store.List(ctx, f, p, s)
}

// GetQueueStats aggregates over the queue's job collection
func (a *Adapter[P, R]) GetQueueStats(ctx context.Context) (Stats, error) {
	jobs, err := a.store.Snapshot(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to snapshot jobs: %w", err)
	}
	return ComputeStats(jobs, time.Now()), nil
}

// SweepStale rewinds jobs stuck in processing for longer than olderThan back
// to waiting, treating them as crash-recovery retries. The sweep only runs
// when an operator invokes it; a stale job is never restarted automatically,
// since it may still be running.
func (a *Adapter[P, R]) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, NewValidationError("older_than", "must be positive")
	}

	jobs, err := a.store.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot jobs: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	swept := 0

	for _, job := range jobs {
		if job.Status != StatusProcessing || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}

		job.Status = StatusWaiting
		job.StartedAt = nil
		job.Progress = Progress{}
		job.UpdatedAt = time.Now()

		if err := a.store.Update(ctx, job, StatusProcessing); err != nil {
			// The job finished or was canceled while we were sweeping.
			if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return swept, err
		}

		swept++
		a.logger.Warn("Stale processing job rewound to waiting",
			slog.String("job_id", job.ID),
		)
		a.emit(ctx, EventQueued, job)
	}

	return swept, nil
}

// ClearFinished deletes terminal-state jobs last updated before the cutoff.
// Returns the number of records removed.
func (a *Adapter[P, R]) ClearFinished(ctx context.Context, before time.Time) (int, error) {
	jobs, err := a.store.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot jobs: %w", err)
	}

	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() || !job.UpdatedAt.Before(before) {
			continue
		}
		ok, err := a.store.Delete(ctx, job.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		a.logger.Info("Finished jobs cleared",
			slog.Int("removed", removed),
		)
	}

	return removed, nil
}

// SubscribeToEvents registers handler for the given canonical event kinds on
// this queue's channel. The returned unsubscribe detaches all of them.
func (a *Adapter[P, R]) SubscribeToEvents(kinds []string, handler broker.Handler) (broker.Unsubscribe, error) {
	unsubs := make([]broker.Unsubscribe, 0, len(kinds))
	for _, kind := range kinds {
		unsub, err := a.bus.Subscribe(a.cfg.Name, EventName(a.cfg.Name, kind), handler)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// PublishEvent emits an arbitrary envelope on this queue's channel. Used
// internally and by collaborating queues to cross-notify.
func (a *Adapter[P, R]) PublishEvent(ctx context.Context, kind string, env Envelope) error {
	if env.Queue == "" {
		env.Queue = a.cfg.Name
	}
	if env.Event == "" {
		env.Event = EventName(a.cfg.Name, kind)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	return a.bus.Publish(ctx, a.cfg.Name, EventName(a.cfg.Name, kind), body)
}

// emit publishes the canonical event for a job state. Event delivery is
// best-effort: a publish failure is logged and the persisted state stands.
func (a *Adapter[P, R]) emit(ctx context.Context, kind string, job *Job[P, R]) {
	env := Envelope{
		JobID:        job.ID,
		Queue:        a.cfg.Name,
		Event:        EventName(a.cfg.Name, kind),
		Timestamp:    time.Now(),
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		Error:        job.Error,
	}

	if kind == EventProgress {
		p := job.Progress
		env.Progress = &p
	}
	if job.Result != nil {
		if raw, err := json.Marshal(job.Result); err == nil {
			env.Result = raw
		} else {
			a.logger.Warn("Failed to marshal job result for event",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		a.logger.Warn("Failed to marshal event envelope",
			slog.String("job_id", job.ID),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := a.bus.Publish(ctx, a.cfg.Name, env.Event, body); err != nil {
		a.logger.Warn("Failed to publish queue event",
			slog.String("job_id", job.ID),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
	}
}

// eventForStatus maps a job status to the canonical event kind announcing it
func eventForStatus(s Status) string {
	switch s {
	case StatusWaiting:
		return EventQueued
	case StatusProcessing:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCanceled:
		return EventCanceled
	}
	return EventQueued
}

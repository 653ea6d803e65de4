// Package worker runs queue jobs with a pool of polling goroutines.
//
// Job pickup is poll-with-backoff rather than push-based assignment: each
// goroutine loops ProcessNextJob and backs off while the queue is idle. That
// keeps claim ordering in one place (the store's conditional update) at the
// cost of a bounded pickup latency.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
)

// Executor runs one claimed job to completion. The report callback persists
// intermediate progress; implementations should observe ctx between units of
// work, since cooperative cancellation arrives as a context cancel.
type Executor[P, R any] interface {
	Execute(ctx context.Context, job *queue.Job[P, R], report func(queue.Progress)) (R, error)
}

// Config holds runner settings
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	MaxIdleWait  time.Duration
}

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxIdleWait  = 10 * time.Second
)

// Runner polls a queue adapter for work and executes claimed jobs on a
// fixed-size pool of goroutines.
type Runner[P, R any] struct {
	adapter *queue.Adapter[P, R]
	exec    Executor[P, R]
	bus     broker.Bus
	logger  *slog.Logger

	concurrency  int
	pollInterval time.Duration
	maxIdleWait  time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	unsub    broker.Unsubscribe
}

// NewRunner creates a runner over one queue adapter
func NewRunner[P, R any](adapter *queue.Adapter[P, R], exec Executor[P, R], bus broker.Bus, logger *slog.Logger, cfg Config) *Runner[P, R] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxIdleWait <= 0 {
		cfg.MaxIdleWait = defaultMaxIdleWait
	}

	return &Runner[P, R]{
		adapter:      adapter,
		exec:         exec,
		bus:          bus,
		logger:       logger.With(slog.String("queue", adapter.Name())),
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		maxIdleWait:  cfg.MaxIdleWait,
		stopChan:     make(chan struct{}),
		inflight:     make(map[string]context.CancelFunc),
	}
}

// Start subscribes to cancel events and spawns the worker pool. It returns
// immediately; call Stop for a graceful shutdown.
func (r *Runner[P, R]) Start(ctx context.Context) error {
	cancelEvent := queue.EventName(r.adapter.Name(), queue.EventCanceled)
	unsub, err := r.bus.Subscribe(r.adapter.Name(), cancelEvent, r.onCancelEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancel events: %w", err)
	}
	r.unsub = unsub

	r.logger.Info("Spawning worker pool",
		slog.Int("concurrency", r.concurrency),
		slog.Duration("poll_interval", r.pollInterval),
	)

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	return nil
}

// Stop halts polling, waits for in-flight jobs to finish, and detaches the
// cancel-event subscription. Safe to call multiple times.
func (r *Runner[P, R]) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping worker pool...")
		close(r.stopChan)
		r.wg.Wait()
		if r.unsub != nil {
			r.unsub()
		}
		r.logger.Info("Worker pool stopped")
	})
}

// onCancelEvent cancels the context of an in-flight job named by a canceled
// event. Jobs not running on this instance are ignored.
func (r *Runner[P, R]) onCancelEvent(ctx context.Context, msg broker.Message) error {
	var env queue.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("failed to decode cancel envelope: %w", err)
	}

	r.CancelInflight(env.JobID)
	return nil
}

// CancelInflight cancels the context of an in-flight job and reports whether
// the job was running on this instance. Cancel requests that arrive over an
// external transport rather than the in-process broker are fed through here.
func (r *Runner[P, R]) CancelInflight(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.inflight[jobID]
	r.mu.Unlock()

	if ok {
		r.logger.Info("Canceling in-flight job",
			slog.String("job_id", jobID),
		)
		cancel()
	}
	return ok
}

func (r *Runner[P, R]) workerLoop(ctx context.Context, workerNum int) {
	defer r.wg.Done()

	r.logger.Debug("Worker goroutine started",
		slog.Int("worker_num", workerNum),
	)

	idle := r.pollInterval
	for {
		select {
		case <-r.stopChan:
			r.logger.Debug("Worker goroutine stopping",
				slog.Int("worker_num", workerNum),
			)
			return
		case <-ctx.Done():
			r.logger.Debug("Worker goroutine stopping - context canceled",
				slog.Int("worker_num", workerNum),
			)
			return
		default:
		}

		job, err := r.adapter.ProcessNextJob(ctx)
		if err != nil {
			r.logger.Error("Failed to claim next job",
				slog.Int("worker_num", workerNum),
				slog.String("error", err.Error()),
			)
			if !r.sleep(ctx, idle) {
				return
			}
			continue
		}

		if job == nil {
			if !r.sleep(ctx, idle) {
				return
			}
			// Exponential idle backoff, capped
			idle *= 2
			if idle > r.maxIdleWait {
				idle = r.maxIdleWait
			}
			continue
		}

		idle = r.pollInterval
		r.runJob(ctx, workerNum, job)
	}
}

// sleep waits for d unless the runner stops first
func (r *Runner[P, R]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner[P, R]) runJob(ctx context.Context, workerNum int, job *queue.Job[P, R]) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.inflight[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, job.ID)
		r.mu.Unlock()
	}()

	r.logger.Info("Worker received job",
		slog.Int("worker_num", workerNum),
		slog.String("job_id", job.ID),
	)

	report := func(p queue.Progress) {
		if _, err := r.adapter.ReportProgress(jobCtx, job.ID, p); err != nil {
			r.logger.Warn("Failed to report job progress",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	result, execErr := r.exec.Execute(jobCtx, job, report)

	if execErr != nil {
		msg := execErr.Error()
		failed := queue.StatusFailed
		// Status updates after a cancel run on the parent context: jobCtx is
		// already dead by then.
		if _, err := r.adapter.UpdateJob(ctx, job.ID, queue.Update[R]{Status: &failed, Error: &msg}); err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) {
				// The job was canceled while we were processing it; the
				// record already reflects that.
				r.logger.Info("Skipping failure update for canceled job",
					slog.String("job_id", job.ID),
				)
				return
			}
			r.logger.Error("Failed to update job status to failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		r.logger.Error("Job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", msg),
		)
		return
	}

	completed := queue.StatusCompleted
	if _, err := r.adapter.UpdateJob(ctx, job.ID, queue.Update[R]{Status: &completed, Result: &result}); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			r.logger.Info("Skipping completion update for canceled job",
				slog.String("job_id", job.ID),
			)
			return
		}
		r.logger.Error("Failed to update job status to completed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("Job completed successfully",
		slog.Int("worker_num", workerNum),
		slog.String("job_id", job.ID),
	)
}

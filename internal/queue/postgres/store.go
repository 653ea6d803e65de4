// Package postgres implements the queue persistence contract over a
// PostgreSQL jobs table. All adapters share one table, partitioned logically
// by queue_name; the claim step relies on a conditional update with
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same job.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/shared/postgresql"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id               UUID PRIMARY KEY,
	queue_name           TEXT NOT NULL,
	status               TEXT NOT NULL,
	priority             INT NOT NULL DEFAULT 0,
	payload              JSONB NOT NULL,
	progress_stage       TEXT NOT NULL DEFAULT '',
	progress_stage_pct   INT NOT NULL DEFAULT 0,
	progress_overall_pct INT NOT NULL DEFAULT 0,
	result               JSONB,
	error_message        TEXT NOT NULL DEFAULT '',
	attempt_count        INT NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON jobs (queue_name, status, priority DESC, created_at ASC);

CREATE INDEX IF NOT EXISTS idx_jobs_listing
	ON jobs (queue_name, created_at DESC);
`

const jobColumns = `
	job_id, queue_name, status, priority, payload,
	progress_stage, progress_stage_pct, progress_overall_pct,
	result, error_message, attempt_count,
	created_at, started_at, completed_at, updated_at
`

// Store is a PostgreSQL-backed job store for one queue
type Store[P, R any] struct {
	db        *sqlx.DB
	queueName string
	logger    *slog.Logger
}

// NewStore creates a store scoped to queueName over a shared connection pool
func NewStore[P, R any](client *postgresql.Client, queueName string, logger *slog.Logger) *Store[P, R] {
	return &Store[P, R]{
		db:        client.DB(),
		queueName: queueName,
		logger:    logger.With(slog.String("queue", queueName)),
	}
}

// EnsureSchema creates the jobs table and indexes if they do not exist
func (s *Store[P, R]) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID              string       `db:"job_id"`
	QueueName          string       `db:"queue_name"`
	Status             string       `db:"status"`
	Priority           int          `db:"priority"`
	Payload            []byte       `db:"payload"`
	ProgressStage      string       `db:"progress_stage"`
	ProgressStagePct   int          `db:"progress_stage_pct"`
	ProgressOverallPct int          `db:"progress_overall_pct"`
	Result             []byte       `db:"result"`
	ErrorMessage       string       `db:"error_message"`
	AttemptCount       int          `db:"attempt_count"`
	CreatedAt          time.Time    `db:"created_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (s *Store[P, R]) toRow(job *queue.Job[P, R]) (*jobRow, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	row := &jobRow{
		JobID:              job.ID,
		QueueName:          job.Queue,
		Status:             string(job.Status),
		Priority:           job.Priority,
		Payload:            payload,
		ProgressStage:      job.Progress.Stage,
		ProgressStagePct:   job.Progress.StagePercent,
		ProgressOverallPct: job.Progress.OverallPercent,
		ErrorMessage:       job.Error,
		AttemptCount:       job.AttemptCount,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}

	if job.Result != nil {
		result, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		row.Result = result
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *job.CompletedAt, Valid: true}
	}

	return row, nil
}

func (s *Store[P, R]) toJob(row *jobRow) (*queue.Job[P, R], error) {
	job := &queue.Job[P, R]{
		ID:       row.JobID,
		Queue:    row.QueueName,
		Status:   queue.Status(row.Status),
		Priority: row.Priority,
		Progress: queue.Progress{
			Stage:          row.ProgressStage,
			StagePercent:   row.ProgressStagePct,
			OverallPercent: row.ProgressOverallPct,
		},
		Error:        row.ErrorMessage,
		AttemptCount: row.AttemptCount,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}

	if err := json.Unmarshal(row.Payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of job %s: %w", row.JobID, err)
	}
	if len(row.Result) > 0 {
		var result R
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result of job %s: %w", row.JobID, err)
		}
		job.Result = &result
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		job.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		job.CompletedAt = &t
	}

	return job, nil
}

func (s *Store[P, R]) Insert(ctx context.Context, job *queue.Job[P, R]) error {
	row, err := s.toRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:job_id, :queue_name, :status, :priority, :payload,
			:progress_stage, :progress_stage_pct, :progress_overall_pct,
			:result, :error_message, :attempt_count,
			:created_at, :started_at, :completed_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Store[P, R]) Get(ctx context.Context, id string) (*queue.Job[P, R], error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND queue_name = $2`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id, s.queueName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return s.toJob(&row)
}

func (s *Store[P, R]) Update(ctx context.Context, job *queue.Job[P, R], prev queue.Status) error {
	row, err := s.toRow(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    priority = $2,
		    progress_stage = $3,
		    progress_stage_pct = $4,
		    progress_overall_pct = $5,
		    result = $6,
		    error_message = $7,
		    attempt_count = $8,
		    started_at = $9,
		    completed_at = $10,
		    updated_at = $11
		WHERE job_id = $12 AND queue_name = $13 AND status = $14
	`

	res, err := s.db.ExecContext(ctx, query,
		row.Status, row.Priority,
		row.ProgressStage, row.ProgressStagePct, row.ProgressOverallPct,
		row.Result, row.ErrorMessage, row.AttemptCount,
		row.StartedAt, row.CompletedAt, row.UpdatedAt,
		row.JobID, s.queueName, string(prev),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing record from a lost status guard
		if _, err := s.Get(ctx, job.ID); err != nil {
			return err
		}
		return queue.ErrStatusConflict
	}

	return nil
}

func (s *Store[P, R]) ClaimNext(ctx context.Context, now time.Time) (*queue.Job[P, R], error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = $2,
		    updated_at = $2
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE queue_name = $3 AND status = $4
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		string(queue.StatusProcessing), now, s.queueName, string(queue.StatusWaiting),
	).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.JobID),
	)

	return s.toJob(&row)
}

func (s *Store[P, R]) List(ctx context.Context, f queue.Filter, p queue.Page, order queue.SortOrder) ([]*queue.Job[P, R], int, error) {
	where := []string{"queue_name = $1"}
	args := []interface{}{s.queueName}
	argIdx := 2

	if len(f.Statuses) > 0 {
		placeholders := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argIdx))
			args = append(args, string(st))
			argIdx++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.MinPriority != nil {
		where = append(where, fmt.Sprintf("priority >= $%d", argIdx))
		args = append(args, *f.MinPriority)
		argIdx++
	}
	if f.MaxPriority != nil {
		where = append(where, fmt.Sprintf("priority <= $%d", argIdx))
		args = append(args, *f.MaxPriority)
		argIdx++
	}
	if f.CreatedAfter != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *f.CreatedAfter)
		argIdx++
	}
	if f.CreatedBefore != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *f.CreatedBefore)
		argIdx++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + whereClause
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var orderClause string
	switch order {
	case queue.SortCreatedAsc:
		orderClause = "created_at ASC, job_id ASC"
	case queue.SortPriorityDesc:
		orderClause = "priority DESC, created_at ASC, job_id ASC"
	default:
		orderClause = "created_at DESC, job_id DESC"
	}

	limit := p.Limit
	if limit <= 0 {
		limit = queue.DefaultPageSize
	}
	if limit > queue.MaxPageSize {
		limit = queue.MaxPageSize
	}

	query := fmt.Sprintf(
		"SELECT %s FROM jobs WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		jobColumns, whereClause, orderClause, argIdx, argIdx+1,
	)
	args = append(args, limit, p.Offset)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*queue.Job[P, R], 0, len(rows))
	for i := range rows {
		job, err := s.toJob(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}

	return jobs, total, nil
}

func (s *Store[P, R]) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE job_id = $1 AND queue_name = $2`, id, s.queueName)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store[P, R]) Snapshot(ctx context.Context) ([]*queue.Job[P, R], error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue_name = $1`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, s.queueName); err != nil {
		return nil, fmt.Errorf("failed to snapshot jobs: %w", err)
	}

	jobs := make([]*queue.Job[P, R], 0, len(rows))
	for i := range rows {
		job, err := s.toJob(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

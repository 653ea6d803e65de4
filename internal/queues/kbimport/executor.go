package kbimport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matreco/queue-service/internal/queue"
)

// Executor loads extracted materials into the knowledge base. Materials
// already present are counted as duplicates and skipped rather than failing
// the whole import.
type Executor struct {
	// PerItemDelay is the simulated load duration per material
	PerItemDelay time.Duration
	Logger       *slog.Logger

	// Exists reports whether a material is already in the knowledge base.
	// Nil means every material is new.
	Exists func(ctx context.Context, material string) (bool, error)
}

// Execute imports the payload's materials one by one, reporting progress per
// item. Cancellation is observed between items.
func (e *Executor) Execute(ctx context.Context, job *Job, report func(queue.Progress)) (Result, error) {
	delay := e.PerItemDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	var res Result
	total := len(job.Payload.Materials)

	for i, material := range job.Payload.Materials {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("import interrupted at item %d: %w", i, ctx.Err())
		}

		if e.Exists != nil {
			exists, err := e.Exists(ctx, material)
			if err != nil {
				return Result{}, fmt.Errorf("failed to check material %q: %w", material, err)
			}
			if exists {
				res.SkippedCount++
				res.Duplicates = append(res.Duplicates, material)
				continue
			}
		}
		res.ImportedCount++

		report(queue.Progress{
			Stage:          "import",
			StagePercent:   (i + 1) * 100 / total,
			OverallPercent: (i + 1) * 100 / total,
		})
	}

	e.Logger.Debug("Knowledge-base import finished",
		slog.String("job_id", job.ID),
		slog.Int("imported", res.ImportedCount),
		slog.Int("skipped", res.SkippedCount),
	)

	return res, nil
}

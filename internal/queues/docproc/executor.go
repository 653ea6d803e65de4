package docproc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matreco/queue-service/internal/queue"
)

// Executor runs document-processing jobs stage by stage, reporting progress
// after each stage. Work is simulated per stage until the OCR engine client
// is wired in.
// TODO: replace the simulated stages with calls to the recognition service
// once its gRPC surface is published.
type Executor struct {
	// StageDelay is the simulated work duration per stage
	StageDelay time.Duration
	Logger     *slog.Logger
}

// Execute processes one claimed job. It observes ctx cancellation between
// stages, which is how cooperative job cancellation reaches the work loop.
func (e *Executor) Execute(ctx context.Context, job *Job, report func(queue.Progress)) (Result, error) {
	stages := Stages()
	delay := e.StageDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for i, stage := range stages {
		report(queue.Progress{
			Stage:          stage,
			StagePercent:   0,
			OverallPercent: i * 100 / len(stages),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("stage %s interrupted: %w", stage, ctx.Err())
		}

		report(queue.Progress{
			Stage:          stage,
			StagePercent:   100,
			OverallPercent: (i + 1) * 100 / len(stages),
		})

		e.Logger.Debug("Stage finished",
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}

	pages := job.Payload.Pages
	if pages <= 0 {
		pages = 1
	}

	return Result{
		PageCount:          pages,
		ExtractedMaterials: []string{"material:" + job.Payload.DocumentID},
		OCRConfidence:      0.92,
	}, nil
}

package kbimport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/internal/queues/docproc"
)

// AttachPipeline subscribes the import queue to document-processing
// completion events so that extracted materials flow into the knowledge base
// without coupling the two queue implementations. The source job record, not
// the event, is treated as the source of truth: the handler re-reads the job
// through the source adapter before enqueueing the import.
func AttachPipeline(src *docproc.Adapter, kb *Adapter, bus broker.Bus, logger *slog.Logger) (broker.Unsubscribe, error) {
	eventName := queue.EventName(docproc.QueueName, queue.EventCompleted)

	handler := func(ctx context.Context, msg broker.Message) error {
		var env queue.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return fmt.Errorf("failed to decode completion envelope: %w", err)
		}

		job, err := src.GetJob(ctx, env.JobID)
		if err != nil {
			return fmt.Errorf("failed to load source job %s: %w", env.JobID, err)
		}
		if job.Result == nil || len(job.Result.ExtractedMaterials) == 0 {
			logger.Debug("Document produced no materials, skipping import",
				slog.String("source_job_id", job.ID),
			)
			return nil
		}

		imported, err := kb.CreateJob(ctx, queue.CreateRequest[Payload]{
			Payload: Payload{
				DocumentID:  job.Payload.DocumentID,
				Materials:   job.Result.ExtractedMaterials,
				SourceJobID: job.ID,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue knowledge-base import: %w", err)
		}

		logger.Info("Knowledge-base import enqueued",
			slog.String("job_id", imported.ID),
			slog.String("source_job_id", job.ID),
			slog.Int("materials", len(job.Result.ExtractedMaterials)),
		)
		return nil
	}

	return bus.Subscribe(docproc.QueueName, eventName, handler)
}

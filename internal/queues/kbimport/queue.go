// Package kbimport defines the knowledge-base import queue. It consumes
// material lists extracted by the document-processing queue and loads them
// into the recognition knowledge base.
package kbimport

import (
	"log/slog"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
)

// QueueName is the broker channel and job collection name for this queue
const QueueName = "kbimport"

// Payload is the domain input of a knowledge-base import job
type Payload struct {
	DocumentID string   `json:"document_id"`
	Materials  []string `json:"materials"`
	// SourceJobID links back to the document-processing job that produced
	// the materials, for traceability
	SourceJobID string `json:"source_job_id,omitempty"`
}

// Result is the domain output of a completed import job
type Result struct {
	ImportedCount int      `json:"imported_count"`
	SkippedCount  int      `json:"skipped_count"`
	Duplicates    []string `json:"duplicates,omitempty"`
}

// Adapter is the typed queue adapter for knowledge-base import jobs
type Adapter = queue.Adapter[Payload, Result]

// Job is a knowledge-base import job record
type Job = queue.Job[Payload, Result]

// New creates the knowledge-base import queue adapter
func New(store queue.Store[Payload, Result], bus broker.Bus, logger *slog.Logger, maxAttempts int) *Adapter {
	return queue.NewAdapter(
		queue.Config{Name: QueueName, MaxAttempts: maxAttempts},
		store,
		bus,
		logger,
		queue.WithValidator[Payload, Result](validatePayload),
	)
}

func validatePayload(p Payload) error {
	if p.DocumentID == "" {
		return queue.NewValidationError("document_id", "is required")
	}
	if len(p.Materials) == 0 {
		return queue.NewValidationError("materials", "must not be empty")
	}
	return nil
}

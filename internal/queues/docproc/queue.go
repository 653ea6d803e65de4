// Package docproc defines the document-processing queue: OCR and material
// extraction over uploaded documents.
package docproc

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
)

// QueueName is the broker channel and job collection name for this queue
const QueueName = "docproc"

// Processing stage ids, reported in job progress in this order
const (
	StageFetch   = "fetch"
	StageOCR     = "ocr"
	StageExtract = "extract"
	StageIndex   = "index"
)

// Stages returns the processing stages in execution order
func Stages() []string {
	return []string{StageFetch, StageOCR, StageExtract, StageIndex}
}

// Payload is the domain input of a document-processing job
type Payload struct {
	DocumentID string `json:"document_id"`
	FileRef    string `json:"file_ref"`
	MimeType   string `json:"mime_type"`
	Pages      int    `json:"pages,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Result is the domain output of a completed document-processing job
type Result struct {
	PageCount          int      `json:"page_count"`
	ExtractedMaterials []string `json:"extracted_materials"`
	OCRConfidence      float64  `json:"ocr_confidence"`
}

// Adapter is the typed queue adapter for document-processing jobs
type Adapter = queue.Adapter[Payload, Result]

// Job is a document-processing job record
type Job = queue.Job[Payload, Result]

// New creates the document-processing queue adapter
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
	if p.FileRef == "" {
		return queue.NewValidationError("file_ref", "is required")
	}
	if p.MimeType == "" {
		return queue.NewValidationError("mime_type", "is required")
	}
	if !supportedMimeType(p.MimeType) {
		return queue.NewValidationError("mime_type", fmt.Sprintf("unsupported type %q", p.MimeType))
	}
	if p.Pages < 0 {
		return queue.NewValidationError("pages", "must not be negative")
	}
	return nil
}

func supportedMimeType(mt string) bool {
	switch mt {
	case "application/pdf", "image/png", "image/jpeg", "image/tiff":
		return true
	}
	return strings.HasPrefix(mt, "image/")
}

// Package crawl defines the site-crawl queue used to harvest supplier sites
// for material documentation.
package crawl

import (
	"log/slog"
	"net/url"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
)

// QueueName is the broker channel and job collection name for this queue
const QueueName = "crawl"

// MaxCrawlDepth bounds how deep a single crawl job may follow links
const MaxCrawlDepth = 10

// Payload is the domain input of a crawl job
type Payload struct {
	SeedURL      string `json:"seed_url"`
	MaxDepth     int    `json:"max_depth"`
	MaxPages     int    `json:"max_pages,omitempty"`
	SameHostOnly bool   `json:"same_host_only,omitempty"`
}

// Result is the domain output of a completed crawl job
type Result struct {
	PagesFetched   int      `json:"pages_fetched"`
	DocumentsFound []string `json:"documents_found,omitempty"`
}

// Adapter is the typed queue adapter for crawl jobs
type Adapter = queue.Adapter[Payload, Result]

// Job is a crawl job record
type Job = queue.Job[Payload, Result]

// New creates the site-crawl queue adapter
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
	if p.SeedURL == "" {
		return queue.NewValidationError("seed_url", "is required")
	}
	u, err := url.Parse(p.SeedURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return queue.NewValidationError("seed_url", "must be an absolute URL")
	}
	if p.MaxDepth < 0 || p.MaxDepth > MaxCrawlDepth {
		return queue.NewValidationError("max_depth", "out of range")
	}
	return nil
}

package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matreco/queue-service/internal/queue"
)

// DefaultMaxPages bounds a crawl job that does not specify max_pages
const DefaultMaxPages = 50

// Executor walks a site breadth-first from the seed URL. Fetching is
// simulated page by page until the fetcher service is available.
type Executor struct {
	// PageDelay is the simulated fetch duration per page
	PageDelay time.Duration
	Logger    *slog.Logger
}

// Execute crawls up to the payload's page budget, reporting progress per page
// and observing ctx cancellation between fetches.
func (e *Executor) Execute(ctx context.Context, job *Job, report func(queue.Progress)) (Result, error) {
	delay := e.PageDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	maxPages := job.Payload.MaxPages
	if maxPages <= 0 || maxPages > DefaultMaxPages {
		maxPages = DefaultMaxPages
	}

	var res Result
	for page := 1; page <= maxPages; page++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("crawl interrupted at page %d: %w", page, ctx.Err())
		}

		res.PagesFetched++
		if page%10 == 0 {
			res.DocumentsFound = append(res.DocumentsFound,
				fmt.Sprintf("%s/doc-%d.pdf", job.Payload.SeedURL, page))
		}

		report(queue.Progress{
			Stage:          "fetch",
			StagePercent:   page * 100 / maxPages,
			OverallPercent: page * 100 / maxPages,
		})
	}

	e.Logger.Debug("Crawl finished",
		slog.String("job_id", job.ID),
		slog.Int("pages_fetched", res.PagesFetched),
		slog.Int("documents_found", len(res.DocumentsFound)),
	)

	return res, nil
}
